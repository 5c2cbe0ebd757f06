package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskgraph/orchestrator/graph/emit"
)

// blueprintStore is the subset of store.Store the Materializer needs; kept
// narrow so this file has no import-cycle dependency on the store package
// (store.Store itself imports graph for domain types).
type blueprintStore interface {
	CreateWorkflowFromBlueprint(ctx context.Context, workflowID string, blueprint PlanBlueprint) error
}

// Materializer performs the transactional expansion of a PlanBlueprint into
// persisted rows (spec §4.5). It is a thin orchestration wrapper: the
// transaction itself, and the placeholder→real id remapping, live in the
// store implementation, since only the store can make "insert then read
// back the assigned id" atomic with the rest of the blueprint.
type Materializer struct {
	store   blueprintStore
	emitter emit.Emitter
}

// NewMaterializer constructs a Materializer over store.
func NewMaterializer(store blueprintStore, emitter emit.Emitter) *Materializer {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Materializer{store: store, emitter: emitter}
}

// Materialize expands blueprint into workflowID (generating one if the
// blueprint did not specify one). A zero-task, zero-edge blueprint commits
// trivially and returns success (spec §8 boundary case).
func (m *Materializer) Materialize(ctx context.Context, blueprint PlanBlueprint) (workflowID string, err error) {
	if blueprint.WorkflowID != nil && *blueprint.WorkflowID != "" {
		workflowID = *blueprint.WorkflowID
	} else {
		workflowID = uuid.NewString()
	}

	if err := m.store.CreateWorkflowFromBlueprint(ctx, workflowID, blueprint); err != nil {
		m.emitter.Emit(emit.Event{
			Msg:  "blueprint materialization failed, rolled back",
			Meta: map[string]interface{}{"workflow_id": workflowID, "error": err.Error()},
		})
		return "", &EngineError{
			Code:    CodeBlueprintRollback,
			Message: fmt.Sprintf("blueprint materialization for workflow %s rolled back", workflowID),
			Err:     err,
		}
	}

	m.emitter.Emit(emit.Event{
		Msg: "blueprint.materialized",
		Meta: map[string]interface{}{
			"workflow_id": workflowID,
			"new_tasks":   len(blueprint.NewTasks),
			"new_edges":   len(blueprint.NewEdges),
			"updates":     len(blueprint.UpdateTasks),
		},
	})
	return workflowID, nil
}
