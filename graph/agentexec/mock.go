package agentexec

import (
	"context"
	"sync"

	"github.com/taskgraph/orchestrator/graph"
)

// MockAgent is a test Agent: a configurable response sequence plus call
// history, for driving the engine through the scripted scenarios of spec
// §8 (final-answer, tool re-entry, blueprint) without a real LLM.
type MockAgent struct {
	Responses []graph.AgentResult
	Err       error
	Calls     []MockAgentCall

	mu        sync.Mutex
	callIndex int
}

// MockAgentCall records one invocation.
type MockAgentCall struct {
	Task Task
}

func (m *MockAgent) Execute(ctx context.Context, task Task) (graph.AgentResult, error) {
	if ctx.Err() != nil {
		return graph.AgentResult{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockAgentCall{Task: task})

	if m.Err != nil {
		return graph.AgentResult{}, m.Err
	}
	if len(m.Responses) == 0 {
		return graph.AgentResult{
			Status: graph.ResultSuccess,
			Output: graph.AgentIntent{Kind: graph.IntentFinalAnswer, FinalAnswer: &graph.FinalAnswer{}},
		}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

func (m *MockAgent) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

func (m *MockAgent) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ Agent = (*MockAgent)(nil)
