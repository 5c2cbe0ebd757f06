package toolexec

import (
	"context"
	"sync"
)

// MockTool is a test Tool: configurable response sequence, error injection,
// and call-history tracking, for verifying engine behavior without a real
// tool backend.
type MockTool struct {
	ToolID    string
	Responses []map[string]interface{}
	Err       error
	Calls     []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records one invocation.
type MockToolCall struct {
	Arguments map[string]interface{}
}

func (m *MockTool) ID() string { return m.ToolID }

func (m *MockTool) Call(ctx context.Context, arguments map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Arguments: arguments})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ Tool = (*MockTool)(nil)
