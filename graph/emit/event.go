package emit

// Event represents an observability event emitted during task execution.
//
// Events provide insight into the engine's behavior:
//   - Claim attempts and outcomes
//   - Dispatch to an agent or tool
//   - Predicate evaluation and edge activation
//   - Blueprint materialization
//   - Errors and retries
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// WorkflowID identifies the workflow run this event belongs to.
	// Empty for events that precede workflow assignment (e.g. a claim
	// failure before the task row was read).
	WorkflowID string

	// TaskID identifies which task emitted this event. Empty for
	// process-level events not tied to a specific task.
	TaskID string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "error": Error details
	//   - "tool_id": Tool identifier for dispatch events
	//   - "edge_id": Edge identifier for activation events
	//   - "retryable": Whether an error can be retried
	Meta map[string]interface{}
}
