package agentexec

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/taskgraph/orchestrator/graph"
)

type stubChatModel struct {
	out ChatOut
	err error

	gotMessages []Message
	gotTools    []ToolSpec
}

func (s *stubChatModel) Chat(_ context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	s.gotMessages = messages
	s.gotTools = tools
	return s.out, s.err
}

func TestLLMAgentFinalAnswerOnPlainText(t *testing.T) {
	model := &stubChatModel{out: ChatOut{Text: "the answer is 42"}}
	agent := NewLLMAgent(model, "you are helpful", nil)

	result, err := agent.Execute(context.Background(), Task{
		TaskID:    "t1",
		InputData: json.RawMessage(`{"question":"what is the answer?"}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != graph.ResultSuccess {
		t.Fatalf("status = %s, want SUCCESS", result.Status)
	}
	intent := result.Output
	if intent.FinalAnswer == nil && intent.ToolCallRequest == nil && intent.PlanBlueprint == nil {
		t.Fatalf("Output = %+v, want a populated graph.AgentIntent", result.Output)
	}
	if intent.Kind != graph.IntentFinalAnswer {
		t.Fatalf("intent kind = %s, want FINAL_ANSWER", intent.Kind)
	}
	if intent.FinalAnswer == nil || intent.FinalAnswer.Content != "the answer is 42" {
		t.Fatalf("final answer = %+v, want content %q", intent.FinalAnswer, "the answer is 42")
	}
}

func TestLLMAgentToolCallRequestOnToolCalls(t *testing.T) {
	model := &stubChatModel{out: ChatOut{
		Text: "I need to look this up",
		ToolCalls: []ToolCall{
			{Name: "search", Input: map[string]interface{}{"query": "go modules"}},
		},
	}}
	agent := NewLLMAgent(model, "", []ToolSpec{{Name: "search"}})

	result, err := agent.Execute(context.Background(), Task{InputData: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	intent := result.Output
	if intent.Kind != graph.IntentToolCallRequest {
		t.Fatalf("intent kind = %s, want TOOL_CALL_REQUEST", intent.Kind)
	}
	if intent.ToolCallRequest == nil || intent.ToolCallRequest.ToolID != "search" {
		t.Fatalf("tool call request = %+v, want ToolID search", intent.ToolCallRequest)
	}
	if intent.ToolCallRequest.Arguments["query"] != "go modules" {
		t.Fatalf("arguments = %+v", intent.ToolCallRequest.Arguments)
	}
}

func TestLLMAgentChatErrorYieldsResourceUnavailableFailure(t *testing.T) {
	model := &stubChatModel{err: errors.New("connection reset")}
	agent := NewLLMAgent(model, "", nil)

	result, err := agent.Execute(context.Background(), Task{InputData: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Execute returned a Go error %v, want a failure AgentResult", err)
	}
	if result.Status != graph.ResultFailure {
		t.Fatalf("status = %s, want FAILURE", result.Status)
	}
	if result.FailureDetails == nil || result.FailureDetails.Type != graph.FailureResourceUnavailable {
		t.Fatalf("failure details = %+v, want RESOURCE_UNAVAILABLE", result.FailureDetails)
	}
}

func TestLLMAgentBuildMessagesIncludesSystemPromptAndPriorContext(t *testing.T) {
	model := &stubChatModel{out: ChatOut{Text: "ok"}}
	agent := NewLLMAgent(model, "system instructions", nil)

	_, err := agent.Execute(context.Background(), Task{
		InputData:    json.RawMessage(`{"step":2}`),
		PriorContext: json.RawMessage(`{"last_tool_result":{"hits":3}}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(model.gotMessages) != 3 {
		t.Fatalf("len(messages) = %d, want 3 (system, prior context, input)", len(model.gotMessages))
	}
	if model.gotMessages[0].Role != RoleSystem || model.gotMessages[0].Content != "system instructions" {
		t.Fatalf("messages[0] = %+v, want system prompt", model.gotMessages[0])
	}
	if model.gotMessages[2].Content != `{"step":2}` {
		t.Fatalf("messages[2] = %+v, want raw input data", model.gotMessages[2])
	}
}

func TestLLMAgentBuildMessagesDefaultsEmptyInputToEmptyObject(t *testing.T) {
	model := &stubChatModel{out: ChatOut{Text: "ok"}}
	agent := NewLLMAgent(model, "", nil)

	if _, err := agent.Execute(context.Background(), Task{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(model.gotMessages) != 1 || model.gotMessages[0].Content != "{}" {
		t.Fatalf("messages = %+v, want single message with content {}", model.gotMessages)
	}
}
