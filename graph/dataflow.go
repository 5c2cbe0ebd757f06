package graph

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/taskgraph/orchestrator/graph/emit"
)

// DataFlowMapper projects fields from a source task's result document into
// a target task's input document along an edge (spec §4.2).
type DataFlowMapper struct {
	emitter emit.Emitter
}

// NewDataFlowMapper constructs a mapper that logs literal-fallback warnings
// through emitter (a NullEmitter if nil).
func NewDataFlowMapper(emitter emit.Emitter) *DataFlowMapper {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &DataFlowMapper{emitter: emitter}
}

// Apply implements the §4.2 contract: apply(data_flow?, source_result) →
// map[target_key → value]. A nil or empty DataFlow yields an empty map.
func (m *DataFlowMapper) Apply(dataFlow *DataFlow, sourceResult map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	if dataFlow == nil || len(dataFlow.Mappings) == 0 {
		return out
	}

	sourceJSON, err := json.Marshal(sourceResult)
	if err != nil {
		sourceJSON = []byte("{}")
	}
	sourceJSONStr := string(sourceJSON)

	for targetKey, sourceExpr := range dataFlow.Mappings {
		out[targetKey] = m.resolve(sourceExpr, sourceJSONStr, sourceResult)
	}
	return out
}

// resolve implements the per-mapping fallback chain: dotted path → last
// path segment as a top-level key → literal expression string.
func (m *DataFlowMapper) resolve(sourceExpr, sourceJSON string, sourceResult map[string]interface{}) interface{} {
	if strings.Contains(sourceExpr, ".") {
		result := gjson.Get(sourceJSON, sourceExpr)
		if result.Exists() {
			return result.Value()
		}

		segments := strings.Split(sourceExpr, ".")
		lastSegment := segments[len(segments)-1]
		if value, ok := sourceResult[lastSegment]; ok {
			return value
		}

		m.logLiteralFallback(sourceExpr)
		return sourceExpr
	}

	if value, ok := sourceResult[sourceExpr]; ok {
		return value
	}

	m.logLiteralFallback(sourceExpr)
	return sourceExpr
}

func (m *DataFlowMapper) logLiteralFallback(sourceExpr string) {
	m.emitter.Emit(emit.Event{
		Msg:  "data-flow mapper: falling back to literal, no path matched",
		Meta: map[string]interface{}{"source_expression": sourceExpr},
	})
}
