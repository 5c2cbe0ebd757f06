package agentexec

import (
	"context"
	"fmt"

	"github.com/taskgraph/orchestrator/graph"
)

// LLMAgent implements Agent by driving a ChatModel: it renders the task's
// input (and, on a tool-call re-entry, its prior context) as a user
// message, optionally advertises a fixed set of tools, and interprets the
// model's ChatOut into the FinalAnswer / ToolCallRequest arms of
// graph.AgentIntent. PlanBlueprint intents are not produced by this
// generic adapter — an agent that plans needs task-specific prompting this
// adapter does not attempt to provide; it exists to exercise the three
// example SDKs end-to-end on the FinalAnswer/ToolCallRequest paths.
type LLMAgent struct {
	Model        ChatModel
	SystemPrompt string
	Tools        []ToolSpec
}

// NewLLMAgent constructs an LLMAgent over model.
func NewLLMAgent(model ChatModel, systemPrompt string, tools []ToolSpec) *LLMAgent {
	return &LLMAgent{Model: model, SystemPrompt: systemPrompt, Tools: tools}
}

func (a *LLMAgent) Execute(ctx context.Context, task Task) (graph.AgentResult, error) {
	messages := a.buildMessages(task)

	out, err := a.Model.Chat(ctx, messages, a.Tools)
	if err != nil {
		return graph.AgentResult{
			Status: graph.ResultFailure,
			FailureDetails: &graph.FailureDetails{
				Type:    graph.FailureResourceUnavailable,
				Message: err.Error(),
			},
		}, nil
	}

	if len(out.ToolCalls) > 0 {
		call := out.ToolCalls[0]
		return graph.AgentResult{
			Status: graph.ResultSuccess,
			Output: graph.AgentIntent{
				Thought: out.Text,
				Kind:    graph.IntentToolCallRequest,
				ToolCallRequest: &graph.ToolCallRequest{
					ToolID:    call.Name,
					Arguments: call.Input,
				},
			},
		}, nil
	}

	return graph.AgentResult{
		Status: graph.ResultSuccess,
		Output: graph.AgentIntent{
			Thought: out.Text,
			Kind:    graph.IntentFinalAnswer,
			FinalAnswer: &graph.FinalAnswer{
				Content: out.Text,
			},
		},
	}, nil
}

func (a *LLMAgent) buildMessages(task Task) []Message {
	var messages []Message
	if a.SystemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: a.SystemPrompt})
	}

	if len(task.PriorContext) > 0 {
		messages = append(messages, Message{Role: RoleUser, Content: fmt.Sprintf("Prior context: %s", string(task.PriorContext))})
	}

	input := "{}"
	if len(task.InputData) > 0 {
		input = string(task.InputData)
	}
	messages = append(messages, Message{Role: RoleUser, Content: input})
	return messages
}
