package graph

import (
	"encoding/json"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/taskgraph/orchestrator/graph/emit"
)

// PredicateEvaluator evaluates an edge's Condition against a completed
// task's result document (spec §4.1). A nil Condition is always true. Any
// compile, bind, or runtime error yields false — the evaluator never
// panics and never propagates an error to its caller, per the failure
// policy: a broken predicate must not silently activate downstream work.
type PredicateEvaluator struct {
	env     *cel.Env
	emitter emit.Emitter

	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewPredicateEvaluator constructs an evaluator backed by a dynamic-typed
// CEL environment: the context is an arbitrary JSON object, so its fields
// are not known at program-construction time.
func NewPredicateEvaluator(emitter emit.Emitter) (*PredicateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("result", cel.DynType),
		cel.Variable("request", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &PredicateEvaluator{env: env, emitter: emitter, cache: map[string]cel.Program{}}, nil
}

// Evaluate implements the §4.1 contract: evaluate(condition?, context) → bool.
func (p *PredicateEvaluator) Evaluate(condition *Condition, resultDoc map[string]interface{}) bool {
	if condition == nil {
		return true
	}
	if condition.Evaluator != "CEL" {
		p.emitter.Emit(emit.Event{
			Msg:  "predicate evaluator: unsupported dialect, treating as false",
			Meta: map[string]interface{}{"evaluator": condition.Evaluator},
		})
		return false
	}

	program, err := p.compile(condition.Expression)
	if err != nil {
		p.emitter.Emit(emit.Event{
			Msg:  "predicate evaluator: compile error",
			Meta: map[string]interface{}{"expression": condition.Expression, "error": err.Error()},
		})
		return false
	}

	activation := buildActivation(resultDoc)
	out, _, err := program.Eval(activation)
	if err != nil {
		p.emitter.Emit(emit.Event{
			Msg:  "predicate evaluator: evaluation error",
			Meta: map[string]interface{}{"expression": condition.Expression, "error": err.Error()},
		})
		return false
	}

	boolVal, ok := out.Value().(bool)
	if !ok {
		p.emitter.Emit(emit.Event{
			Msg:  "predicate evaluator: expression did not yield a boolean",
			Meta: map[string]interface{}{"expression": condition.Expression, "type": out.Type().TypeName()},
		})
		return false
	}
	return boolVal
}

// compile caches a compiled CEL program per expression string so that the
// same condition across many Evaluate calls pays compilation cost once.
func (p *PredicateEvaluator) compile(expression string) (cel.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prog, ok := p.cache[expression]; ok {
		return prog, nil
	}

	// Parse rather than Compile: Compile's checker rejects any identifier
	// not declared on the env, but a condition's bare-field identifiers
	// (e.g. "success" in "success == true") name keys of the result
	// document, which vary per edge and are only known at Eval time, not
	// at env-construction time. Parse defers identifier resolution to the
	// activation built in buildActivation, so both declared names
	// ("result", "request") and the document's own top-level keys
	// resolve; an expression referencing a key absent from the document
	// surfaces as an Eval error, which Evaluate already treats as false.
	ast, issues := p.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	program, err := p.env.Program(ast)
	if err != nil {
		return nil, err
	}
	p.cache[expression] = program
	return program, nil
}

// buildActivation implements §4.1's context-construction rule: bind the
// whole document as "request", bind "result" to the document's own
// top-level "result" value when it has one and to the whole document
// otherwise, then also bind each of the document's own top-level keys
// as its own activation variable. That last step is what makes a bare
// identifier in a condition (e.g. "success == true") resolve: CEL does not
// promote a variable's fields to top-level names on its own, so without
// this the only way to reach a key would be "result.success".
func buildActivation(resultDoc map[string]interface{}) map[string]interface{} {
	if resultDoc == nil {
		resultDoc = map[string]interface{}{}
	}
	activation := make(map[string]interface{}, len(resultDoc)+2)
	for k, v := range resultDoc {
		activation[k] = v
	}
	activation["request"] = resultDoc
	if _, hasResult := resultDoc["result"]; hasResult {
		activation["result"] = resultDoc["result"]
	} else {
		activation["result"] = resultDoc
	}
	return activation
}

// resultDocFromJSON decodes a task's raw JSON result column into the map
// shape PredicateEvaluator.Evaluate and the Data-Flow Mapper both consume.
// A nil/empty document decodes to an empty map (spec §8 boundary case:
// missing result on a completed source evaluates against {}).
func resultDocFromJSON(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]interface{}{}
	}
	return doc
}
