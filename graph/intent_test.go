package graph

import (
	"encoding/json"
	"testing"
)

func TestAgentIntentRoundTripFinalAnswer(t *testing.T) {
	in := AgentIntent{
		Thought:     "the answer is 42",
		Kind:        IntentFinalAnswer,
		FinalAnswer: &FinalAnswer{Content: "42"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out AgentIntent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Kind != IntentFinalAnswer || out.FinalAnswer == nil || out.FinalAnswer.Content != "42" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Thought != in.Thought {
		t.Fatalf("thought mismatch: got %q want %q", out.Thought, in.Thought)
	}
}

func TestAgentIntentRoundTripToolCallRequest(t *testing.T) {
	in := AgentIntent{
		Kind: IntentToolCallRequest,
		ToolCallRequest: &ToolCallRequest{
			ToolID:    "search",
			Arguments: map[string]interface{}{"query": "langgraph"},
		},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out AgentIntent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Kind != IntentToolCallRequest || out.ToolCallRequest == nil {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.ToolCallRequest.ToolID != "search" {
		t.Fatalf("tool id mismatch: got %q", out.ToolCallRequest.ToolID)
	}
	if out.ToolCallRequest.Arguments["query"] != "langgraph" {
		t.Fatalf("arguments mismatch: %+v", out.ToolCallRequest.Arguments)
	}
}

func TestAgentIntentRoundTripPlanBlueprint(t *testing.T) {
	wfID := "wf-123"
	in := AgentIntent{
		Kind: IntentPlanBlueprint,
		PlanBlueprint: &PlanBlueprint{
			WorkflowID: &wfID,
			NewTasks: []TaskDefinition{
				{TaskID: "t1", AssigneeID: "Agent:writer"},
			},
		},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out AgentIntent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Kind != IntentPlanBlueprint || out.PlanBlueprint == nil {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if len(out.PlanBlueprint.NewTasks) != 1 || out.PlanBlueprint.NewTasks[0].TaskID != "t1" {
		t.Fatalf("new tasks mismatch: %+v", out.PlanBlueprint.NewTasks)
	}
}

func TestAgentIntentMarshalRejectsInconsistentKind(t *testing.T) {
	in := AgentIntent{Kind: IntentFinalAnswer, FinalAnswer: nil}
	if _, err := json.Marshal(in); err == nil {
		t.Fatal("Marshal with nil FinalAnswer under IntentFinalAnswer = nil error, want error")
	}
}

func TestAgentIntentUnmarshalRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"thought":"x","intent":{"type":"something_else"}}`)
	var out AgentIntent
	if err := json.Unmarshal(raw, &out); err == nil {
		t.Fatal("Unmarshal with unknown intent type = nil error, want error")
	}
}
