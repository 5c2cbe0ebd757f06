package graph

import (
	"context"
	"encoding/json"

	"github.com/taskgraph/orchestrator/graph/emit"
)

// activatorStore is the subset of store.Store the Successor Activator
// needs.
type activatorStore interface {
	GetOutgoingEdges(ctx context.Context, taskID string) ([]*Edge, error)
	UpdateTaskInputAndStatus(ctx context.Context, taskID string, inputData json.RawMessage, status Status) (bool, error)
}

// SuccessorActivator implements spec §4.7: given a task just transitioned
// to COMPLETED, evaluate each out-edge's predicate against the task's
// result, project data along satisfied edges, and re-activate the targets.
type SuccessorActivator struct {
	store      activatorStore
	evaluator  *PredicateEvaluator
	mapper     *DataFlowMapper
	emitter    emit.Emitter
}

// NewSuccessorActivator constructs an activator over the given store,
// predicate evaluator, and data-flow mapper.
func NewSuccessorActivator(store activatorStore, evaluator *PredicateEvaluator, mapper *DataFlowMapper, emitter emit.Emitter) *SuccessorActivator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &SuccessorActivator{store: store, evaluator: evaluator, mapper: mapper, emitter: emitter}
}

// Activate runs the §4.7 algorithm for a completed task. Multiple edges
// with satisfied predicates independently activate their targets
// (fan-out); a target with multiple incoming satisfied edges is updated
// once per edge, last writer wins for input_data — the baseline semantics
// this implementation chose per the Open Questions resolution in
// DESIGN.md.
func (a *SuccessorActivator) Activate(ctx context.Context, completedTaskID string, result json.RawMessage) error {
	resultDoc := resultDocFromJSON(result)

	edges, err := a.store.GetOutgoingEdges(ctx, completedTaskID)
	if err != nil {
		return &EngineError{Code: CodeInvariantViolation, Message: "successor activator: failed to load outgoing edges", Err: err}
	}

	for _, edge := range edges {
		if !a.evaluator.Evaluate(edge.Condition, resultDoc) {
			a.emitter.Emit(emit.Event{
				Msg:  "edge predicate not satisfied, skipping activation",
				Meta: map[string]interface{}{"edge_id": edge.ID, "target_task_id": edge.TargetTaskID},
			})
			continue
		}

		newInput := a.mapper.Apply(edge.DataFlow, resultDoc)
		newInputJSON, err := json.Marshal(newInput)
		if err != nil {
			a.emitter.Emit(emit.Event{
				Msg:  "successor activator: failed to marshal projected input",
				Meta: map[string]interface{}{"edge_id": edge.ID, "error": err.Error()},
			})
			continue
		}

		ok, err := a.store.UpdateTaskInputAndStatus(ctx, edge.TargetTaskID, newInputJSON, StatusPending)
		if err != nil {
			a.emitter.Emit(emit.Event{
				Msg:  "successor activator: failed to activate target",
				Meta: map[string]interface{}{"edge_id": edge.ID, "target_task_id": edge.TargetTaskID, "error": err.Error()},
			})
			continue
		}
		if !ok {
			a.emitter.Emit(emit.Event{
				Msg:  "successor activator: target task not found",
				Meta: map[string]interface{}{"edge_id": edge.ID, "target_task_id": edge.TargetTaskID},
			})
			continue
		}

		a.emitter.Emit(emit.Event{
			Msg:  "edge.activated",
			Meta: map[string]interface{}{"edge_id": edge.ID, "source_task_id": completedTaskID, "target_task_id": edge.TargetTaskID},
		})
	}
	return nil
}
