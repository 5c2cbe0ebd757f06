// Package toolexec is the tool-executor collaborator referenced by spec §6:
// given a ToolCallRequest, return a ToolResult. This module ships only the
// interface plus one example adapter (HTTPTool); production callers supply
// their own Tool implementations.
package toolexec

import (
	"context"

	"github.com/taskgraph/orchestrator/graph"
)

// Tool is a single callable capability an agent's ToolCallRequest can
// target by ToolID (spec §6's executor interface, "Tool: run(ToolCallRequest)
// → ToolResult").
type Tool interface {
	// ID returns the identifier matched against ToolCallRequest.ToolID.
	ID() string

	// Call executes the tool against the request's arguments. A returned
	// error is translated by the caller into
	// graph.ToolResult{Status: FAILURE, ErrorType, ErrorMessage}; Call
	// itself never needs to populate those fields.
	Call(ctx context.Context, arguments map[string]interface{}) (map[string]interface{}, error)
}

// Run invokes tool and translates its outcome into a graph.ToolResult, the
// shape the engine persists into result.last_tool_result on tool re-entry
// (spec §4.6).
func Run(ctx context.Context, tool Tool, request graph.ToolCallRequest) graph.ToolResult {
	if ctx.Err() != nil {
		return graph.ToolResult{Status: graph.ResultFailure, ErrorType: "CONTEXT_CANCELLED", ErrorMessage: ctx.Err().Error()}
	}

	output, err := tool.Call(ctx, request.Arguments)
	if err != nil {
		return graph.ToolResult{Status: graph.ResultFailure, ErrorType: "TOOL_EXECUTION_FAILED", ErrorMessage: err.Error()}
	}
	return graph.ToolResult{Status: graph.ResultSuccess, Output: output}
}
