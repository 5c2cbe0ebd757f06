// Package store defines the Persistence Layer contract (spec §4.8) and
// ships three implementations behind it: a production Postgres store, a
// SQLite dev/test store, and an in-memory store for unit tests that want no
// database at all.
package store

import (
	"context"
	"encoding/json"

	"github.com/taskgraph/orchestrator/graph"
)

// Store is the Persistence Layer's required operation set. Every mutating
// method opens (and releases, on every exit path) a short transaction of
// its own, except CreateWorkflowFromBlueprint which is the one multi-
// statement transaction the system uses (spec §5's locking discipline).
type Store interface {
	// CreateTask inserts a new task row and returns its assigned id.
	CreateTask(ctx context.Context, workflowID, assigneeID string, inputData, directives json.RawMessage, parentTaskID *string) (string, error)

	// GetTaskByID returns the task, or graph.ErrTaskNotFound if no such row.
	GetTaskByID(ctx context.Context, taskID string) (*graph.Task, error)

	// ListPendingTasks returns every task currently in PENDING status; used
	// as the bootstrap sweep of spec §4.4's supplemented safety net.
	ListPendingTasks(ctx context.Context) ([]*graph.Task, error)

	// ClaimTask attempts the pessimistic row lock of spec §5: it succeeds
	// only if the row is PENDING and not locked by a concurrent claimant,
	// and it transitions the row to RUNNING as part of the same operation.
	// It returns graph.ErrClaimLost (not an error the caller should log as a
	// failure) when another worker already holds the row or already moved
	// it out of PENDING.
	ClaimTask(ctx context.Context, taskID string) (*graph.Task, error)

	// UpdateTaskStatusAndResult transitions status and rewrites result in
	// one statement. Returns false if the task did not exist.
	UpdateTaskStatusAndResult(ctx context.Context, taskID string, status graph.Status, result json.RawMessage) (bool, error)

	// UpdateTaskContext rewrites result without changing status. The
	// engine's tool-call re-entry does not use it: it writes the scratch
	// context and PENDING together through UpdateTaskStatusAndResult.
	UpdateTaskContext(ctx context.Context, taskID string, context json.RawMessage) (bool, error)

	// UpdateTaskInputAndStatus rewrites input_data and status together —
	// the Successor Activator's activation write.
	UpdateTaskInputAndStatus(ctx context.Context, taskID string, inputData json.RawMessage, status graph.Status) (bool, error)

	// CreateEdge inserts a new edge row.
	CreateEdge(ctx context.Context, workflowID, sourceTaskID, targetTaskID string, condition *graph.Condition, dataFlow *graph.DataFlow) (string, error)

	// GetOutgoingEdges returns every edge whose SourceTaskID is taskID.
	GetOutgoingEdges(ctx context.Context, taskID string) ([]*graph.Edge, error)

	// GetEdgesByWorkflowID returns every edge belonging to a workflow.
	GetEdgesByWorkflowID(ctx context.Context, workflowID string) ([]*graph.Edge, error)

	// CreateWorkflowFromBlueprint performs the transactional expansion of
	// spec §4.5: see graph.Materializer, which calls into this method with
	// an already-built graph.PlanBlueprint.
	CreateWorkflowFromBlueprint(ctx context.Context, workflowID string, blueprint graph.PlanBlueprint) error

	// AppendHistory inserts a new, strictly-increasing version snapshot.
	AppendHistory(ctx context.Context, taskID string, versionNumber int, snapshot json.RawMessage) (string, error)

	// ListHistory returns every history record for a task, ordered by
	// version number ascending.
	ListHistory(ctx context.Context, taskID string) ([]*graph.TaskHistoryRecord, error)

	// LatestHistory returns the highest-version history record for a task,
	// or nil if none exists.
	LatestHistory(ctx context.Context, taskID string) (*graph.TaskHistoryRecord, error)

	// Close releases any resources (connection pools, file handles) held by
	// the store.
	Close() error
}
