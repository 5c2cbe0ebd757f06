package graph

import (
	"encoding/json"
	"fmt"
)

// IntentKind tags which arm of the AgentIntent variant is populated.
// Recast from the source's runtime type checks (spec §9) into an explicit
// tagged variant the engine switches on directly.
type IntentKind string

const (
	IntentFinalAnswer    IntentKind = "final_answer"
	IntentToolCallRequest IntentKind = "tool_call_request"
	IntentPlanBlueprint  IntentKind = "plan_blueprint"
)

// FinalAnswer is the terminal-success intent: the task completes with this
// content as its result.
type FinalAnswer struct {
	Content string `json:"content"`
}

// ToolCallRequest is the intent that re-enters the task as PENDING after a
// tool invocation (§4.6's tool re-entry path).
type ToolCallRequest struct {
	ToolID    string                 `json:"tool_id"`
	Arguments map[string]interface{} `json:"arguments"`
}

// PlanBlueprint is the sub-plan expansion intent, consumed by the Blueprint
// Materializer (§4.5).
type PlanBlueprint struct {
	WorkflowID   *string            `json:"workflow_id,omitempty"`
	NewTasks     []TaskDefinition   `json:"new_tasks"`
	NewEdges     []EdgeDefinition   `json:"new_edges"`
	UpdateTasks  []TaskUpdate       `json:"update_tasks"`
}

// AgentIntent is the tagged union of an agent's successful output: a final
// answer, a tool call, or a nested plan (spec §9, "Dynamic dispatch over
// agent intents"). Exactly one of FinalAnswer/ToolCallRequest/PlanBlueprint
// is non-nil, selected by Kind.
type AgentIntent struct {
	Thought         string `json:"thought"`
	Kind            IntentKind
	FinalAnswer     *FinalAnswer
	ToolCallRequest *ToolCallRequest
	PlanBlueprint   *PlanBlueprint
}

// intentWire is the on-wire shape AgentIntent marshals to/from: a flat
// object carrying "thought" plus an "intent" object with a "type"
// discriminator, matching original_source/interfaces/interfaces.py's
// Pydantic discriminated union.
type intentWire struct {
	Thought string          `json:"thought"`
	Intent  json.RawMessage `json:"intent"`
}

type intentTypeProbe struct {
	Type string `json:"type"`
}

const (
	wireTypeFinalAnswer     = "final_answer"
	wireTypeToolCallRequest = "tool_call_request"
	wireTypePlanBlueprint   = "plan_blueprint"
)

func (a AgentIntent) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch a.Kind {
	case IntentFinalAnswer:
		if a.FinalAnswer == nil {
			return nil, fmt.Errorf("graph: AgentIntent kind %q has nil FinalAnswer", a.Kind)
		}
		raw, err = json.Marshal(struct {
			Type string `json:"type"`
			FinalAnswer
		}{wireTypeFinalAnswer, *a.FinalAnswer})
	case IntentToolCallRequest:
		if a.ToolCallRequest == nil {
			return nil, fmt.Errorf("graph: AgentIntent kind %q has nil ToolCallRequest", a.Kind)
		}
		raw, err = json.Marshal(struct {
			Type string `json:"type"`
			ToolCallRequest
		}{wireTypeToolCallRequest, *a.ToolCallRequest})
	case IntentPlanBlueprint:
		if a.PlanBlueprint == nil {
			return nil, fmt.Errorf("graph: AgentIntent kind %q has nil PlanBlueprint", a.Kind)
		}
		raw, err = json.Marshal(struct {
			Type string `json:"type"`
			PlanBlueprint
		}{wireTypePlanBlueprint, *a.PlanBlueprint})
	default:
		return nil, fmt.Errorf("graph: AgentIntent has unknown kind %q", a.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(intentWire{Thought: a.Thought, Intent: raw})
}

func (a *AgentIntent) UnmarshalJSON(data []byte) error {
	var wire intentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var probe intentTypeProbe
	if err := json.Unmarshal(wire.Intent, &probe); err != nil {
		return fmt.Errorf("graph: AgentIntent.intent missing type discriminator: %w", err)
	}
	a.Thought = wire.Thought
	switch probe.Type {
	case wireTypeFinalAnswer:
		var fa FinalAnswer
		if err := json.Unmarshal(wire.Intent, &fa); err != nil {
			return err
		}
		a.Kind = IntentFinalAnswer
		a.FinalAnswer = &fa
	case wireTypeToolCallRequest:
		var tc ToolCallRequest
		if err := json.Unmarshal(wire.Intent, &tc); err != nil {
			return err
		}
		a.Kind = IntentToolCallRequest
		a.ToolCallRequest = &tc
	case wireTypePlanBlueprint:
		var pb PlanBlueprint
		if err := json.Unmarshal(wire.Intent, &pb); err != nil {
			return err
		}
		a.Kind = IntentPlanBlueprint
		a.PlanBlueprint = &pb
	default:
		return fmt.Errorf("graph: AgentIntent.intent has unknown type %q", probe.Type)
	}
	return nil
}

// ResultStatus is the top-level outcome of an agent or tool invocation.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)

// FailureType enumerates the structured reason codes of spec §7.
type FailureType string

const (
	FailureLLMRefusal          FailureType = "LLM_REFUSAL"
	FailureToolExecutionFailed FailureType = "TOOL_EXECUTION_FAILED"
	FailureValidationError     FailureType = "VALIDATION_ERROR"
	FailureResourceUnavailable FailureType = "RESOURCE_UNAVAILABLE"
)

// FailureDetails carries a structured reason code plus a human message,
// persisted into Task.Result.failure_details on FAILURE.
type FailureDetails struct {
	Type    FailureType `json:"type"`
	Message string      `json:"message"`
}

// AgentResult is the agent executor's return value (spec §6, "Executor
// interfaces"). On ResultFailure, Output may be the zero value and
// FailureDetails is populated; on ResultSuccess, Output carries the intent.
type AgentResult struct {
	Status         ResultStatus    `json:"status"`
	Output         AgentIntent     `json:"output"`
	FailureDetails *FailureDetails `json:"failure_details,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// ToolResult is the tool executor's return value (spec §6).
type ToolResult struct {
	Status       ResultStatus `json:"status"`
	Output       any          `json:"output,omitempty"`
	ErrorType    string       `json:"error_type,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// TaskDefinition is a task inside a PlanBlueprint, addressed by a
// blueprint-scoped placeholder id until materialized (spec §4.5).
type TaskDefinition struct {
	TaskID       string          `json:"task_id"`
	ParentTaskID *string         `json:"parent_task_id,omitempty"`
	AssigneeID   string          `json:"assignee_id"`
	InputData    json.RawMessage `json:"input_data,omitempty"`
	Directives   json.RawMessage `json:"directives,omitempty"`
}

// EdgeDefinition is an edge inside a PlanBlueprint; SourceTaskID and
// TargetTaskID may be placeholders or ids of pre-existing tasks.
type EdgeDefinition struct {
	SourceTaskID string     `json:"source_task_id"`
	TargetTaskID string     `json:"target_task_id"`
	Condition    *Condition `json:"condition,omitempty"`
	DataFlow     *DataFlow  `json:"data_flow,omitempty"`
}

// TaskUpdate rewrites an existing task's input and/or status as part of a
// blueprint's materialization (spec §4.5 step 4).
type TaskUpdate struct {
	TaskID        string          `json:"task_id"`
	NewInputData  json.RawMessage `json:"new_input_data,omitempty"`
	NewStatus     *Status         `json:"new_status,omitempty"`
}
