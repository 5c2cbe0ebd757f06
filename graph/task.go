// Package graph implements the workflow orchestration engine: task/edge
// persistence contracts, predicate evaluation, data-flow projection, blueprint
// materialization, and the claim/dispatch worker loop built on top of them.
package graph

import (
	"encoding/json"
	"time"
)

// Status is a task's position in the state machine of §4.3: PENDING is the
// initial, claimable state; RUNNING is held only for the duration of a
// dispatch; COMPLETED and FAILED are terminal for normal flow (human
// intervention may push a task back to PENDING from outside the engine).
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Valid reports whether s is one of the four enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// transitions enumerates every status change the engine is allowed to make.
// Anything not listed here is rejected by CheckTransition with
// ErrInvalidTransition. Human intervention bypasses this table deliberately —
// it writes directly through the store, not through the engine.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true, // final_answer, plan_blueprint (post-materialization)
		StatusPending:   true, // tool_call re-entry
		StatusFailed:    true, // agent_failure, engine_exception
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CheckTransition reports whether moving a task from 'from' to 'to' is
// permitted by the state machine in spec §4.3. Engine-driven writes must
// call this before persisting a status change.
func CheckTransition(from, to Status) error {
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return &EngineError{
		Code:    CodeInvariantViolation,
		Message: "invalid status transition from " + string(from) + " to " + string(to),
		Err:     ErrInvalidTransition,
	}
}

// Task is the unit of dispatch (spec §3). AssigneeID is a string of the form
// "Agent:<name>", "Tool:<name>", or "Group:<name>"; the engine only
// interprets the Agent: and Tool: prefixes today.
//
// Result is deliberately overloaded: it holds the task's final output once
// COMPLETED, but also serves as a scratch "context" carrier across a
// tool-call re-entry while status remains PENDING — see §9's design note on
// reuse of result as scratch. Within Result, the key "last_tool_result"
// belongs to the scratch role; every other key belongs to the final-answer
// role. Consumers must branch on Status, never on Result's presence.
type Task struct {
	ID           string
	WorkflowID   string
	ParentTaskID *string
	AssigneeID   string
	Status       Status
	InputData    json.RawMessage
	Result       json.RawMessage
	Directives   json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Edge is a directed, optionally conditional link between two tasks of the
// same workflow (spec §3, invariant 2).
type Edge struct {
	ID           string
	WorkflowID   string
	SourceTaskID string
	TargetTaskID string
	Condition    *Condition
	DataFlow     *DataFlow
	CreatedAt    time.Time
}

// Condition is an edge's boolean guard, evaluated against the source task's
// committed result by the Predicate Evaluator (§4.1). A nil *Condition
// means the edge is unconditional.
type Condition struct {
	Evaluator  string `json:"evaluator"`
	Expression string `json:"expression"`
}

// DataFlow is the projection from source-result fields into target-input
// fields along an edge (§4.2). Mappings maps target_key -> source_expression.
type DataFlow struct {
	Mappings map[string]string `json:"mappings"`
}

// TaskHistoryRecord is an append-only versioned snapshot of a task's data,
// used by rollback / time-travel interventions (spec §3). VersionNumber is
// gapless starting at 1 within a given TaskID (invariant 5).
type TaskHistoryRecord struct {
	HistoryID     string
	TaskID        string
	VersionNumber int
	DataSnapshot  json.RawMessage
	CreatedAt     time.Time
}
