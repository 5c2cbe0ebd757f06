// Package agentexec is the agent-executor collaborator referenced by spec
// §6: given a TaskDefinition, return an AgentResult. This module ships only
// the interface plus three example SDK-backed adapters (Anthropic, OpenAI,
// Google Gemini); production callers supply their own Agent.
package agentexec

import (
	"context"
	"encoding/json"

	"github.com/taskgraph/orchestrator/graph"
)

// Task is the view of a graph.Task an Agent needs to act: its input, its
// assignee, and — on a tool-call re-entry — the prior context left in
// Result by the last dispatch.
type Task struct {
	TaskID       string
	WorkflowID   string
	AssigneeID   string
	InputData    json.RawMessage
	PriorContext json.RawMessage
}

// Agent executes one dispatch of a task assigned to it and returns the
// interpreted intent (spec §6, "Agent: execute(TaskDefinition) → AgentResult").
type Agent interface {
	Execute(ctx context.Context, task Task) (graph.AgentResult, error)
}
