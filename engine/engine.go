// Package engine implements the Graph Execution Engine (spec §4.6): the
// worker loop that pops a task id off the change-notification queue, claims
// the row, dispatches it to the right collaborator for its status, and
// persists the result. It lives outside package graph because
// store.Store — unlike the generic, domain-agnostic store this design was
// grounded on — is typed over graph's own domain objects, so an engine
// living inside package graph could not also import graph/store without
// forming an import cycle. engine therefore sits beside graph as a sibling
// that imports graph, graph/store, graph/notify, graph/agentexec, and
// graph/toolexec.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/taskgraph/orchestrator/graph"
	"github.com/taskgraph/orchestrator/graph/agentexec"
	"github.com/taskgraph/orchestrator/graph/emit"
	"github.com/taskgraph/orchestrator/graph/notify"
	"github.com/taskgraph/orchestrator/graph/store"
	"github.com/taskgraph/orchestrator/graph/toolexec"
)

// Options configures an Engine's worker pool and retry behavior.
type Options struct {
	// Workers is the number of concurrent dispatch goroutines. Defaults to 1.
	Workers int

	// RetryPolicy governs transient-infrastructure retry before a dispatch
	// falls back to FAILED with CodeMaxRetriesExceeded. A nil policy means
	// no retry: the first transient failure is terminal.
	RetryPolicy *graph.RetryPolicy

	// ActivateOnFailure, when true, runs the Successor Activator against
	// FAILED tasks too (evaluating failure-gated edges), not only COMPLETED
	// ones. Default false: only COMPLETED tasks activate successors, per
	// spec §4.7's literal wording ("given a task just transitioned to
	// COMPLETED").
	ActivateOnFailure bool
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return 1
	}
	return o.Workers
}

// AssigneeRouter resolves a task's AssigneeID ("Agent:<name>" or
// "Tool:<name>") to the collaborator that should execute it. Callers
// register every agent and tool the workflows they run can reference.
type AssigneeRouter struct {
	agents map[string]agentexec.Agent
	tools  map[string]toolexec.Tool
}

// NewAssigneeRouter constructs an empty router.
func NewAssigneeRouter() *AssigneeRouter {
	return &AssigneeRouter{agents: map[string]agentexec.Agent{}, tools: map[string]toolexec.Tool{}}
}

// RegisterAgent makes agent reachable as "Agent:<name>".
func (r *AssigneeRouter) RegisterAgent(name string, agent agentexec.Agent) {
	r.agents[name] = agent
}

// RegisterTool makes tool reachable as "Tool:<tool.ID()>".
func (r *AssigneeRouter) RegisterTool(tool toolexec.Tool) {
	r.tools[tool.ID()] = tool
}

func (r *AssigneeRouter) agent(assigneeID string) (agentexec.Agent, bool) {
	name, ok := strings.CutPrefix(assigneeID, "Agent:")
	if !ok {
		return nil, false
	}
	a, ok := r.agents[name]
	return a, ok
}

func (r *AssigneeRouter) tool(toolID string) (toolexec.Tool, bool) {
	t, ok := r.tools[toolID]
	return t, ok
}

// Engine owns the claim/dispatch/persist worker loop of spec §4.6. A single
// Engine instance is safe to Run from one caller; internally it fans the
// queue out across Options.Workers goroutines.
type Engine struct {
	store     store.Store
	queue     *notify.Queue
	router    *AssigneeRouter
	activator *graph.SuccessorActivator
	emitter   emit.Emitter
	metrics   *graph.Metrics
	opts      Options

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs an Engine. activator is typically built once per process
// (graph.NewSuccessorActivator, itself wrapping a shared
// graph.PredicateEvaluator and graph.DataFlowMapper) and shared across
// every workflow the engine runs.
func New(
	st store.Store,
	queue *notify.Queue,
	router *AssigneeRouter,
	activator *graph.SuccessorActivator,
	emitter emit.Emitter,
	metrics *graph.Metrics,
	opts Options,
) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		store:     st,
		queue:     queue,
		router:    router,
		activator: activator,
		emitter:   emitter,
		metrics:   metrics,
		opts:      opts,
		rng:       rand.New(rand.NewSource(1)), // #nosec G404 -- jitter timing only, not security
	}
}

// Run starts Options.workers() dispatch goroutines, each popping task ids
// off the queue until ctx is cancelled, and blocks until all of them have
// drained and exited (spec §5's graceful cancellation/timeout behavior: no
// in-flight dispatch is abandoned mid-persist, and no new claim is made
// once ctx is done).
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.opts.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context) {
	for {
		taskID, ok := e.queue.Pop(ctx)
		if !ok {
			return
		}
		if e.metrics != nil {
			e.metrics.SetQueueDepth(e.queue.Len())
		}
		e.dispatchOne(ctx, taskID)
	}
}

// dispatchOne claims and routes a single task id. It never lets a panic
// escape: a collaborator that panics is caught and logged, and a task this
// dispatch claimed that is still RUNNING is marked FAILED, rather than
// taking down the worker.
func (e *Engine) dispatchOne(ctx context.Context, taskID string) {
	var task *graph.Task
	defer func() {
		if r := recover(); r != nil {
			e.emitter.Emit(emit.Event{
				TaskID: taskID,
				Msg:    "engine: recovered from panic during dispatch",
				Meta:   map[string]interface{}{"panic": fmt.Sprintf("%v", r)},
			})
			if task != nil {
				if cur, err := e.store.GetTaskByID(ctx, task.ID); err == nil && cur.Status == graph.StatusRunning {
					e.persistFailure(ctx, cur, graph.FailureDetails{Type: graph.FailureResourceUnavailable, Message: fmt.Sprintf("panic during dispatch: %v", r)})
				}
			}
		}
	}()

	task, err := e.store.ClaimTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, graph.ErrClaimLost) || errors.Is(err, graph.ErrTaskNotFound) {
			return
		}
		e.emitter.Emit(emit.Event{
			TaskID: taskID,
			Msg:    "engine: claim failed",
			Meta:   map[string]interface{}{"error": err.Error()},
		})
		return
	}

	switch task.Status {
	case graph.StatusPending, graph.StatusRunning:
		// ClaimTask returns the row already moved from PENDING to RUNNING;
		// a task another dispatch holds surfaces above as ErrClaimLost.
		e.processPending(ctx, task)
	case graph.StatusCompleted:
		e.activateSuccessors(ctx, task)
	case graph.StatusFailed:
		if e.opts.ActivateOnFailure {
			e.activateSuccessors(ctx, task)
		}
	}
}

// processPending implements spec §4.6's process_pending: route the task to
// its assignee, interpret the returned intent, and persist the
// consequences. ClaimTask has already moved the row to RUNNING.
func (e *Engine) processPending(ctx context.Context, task *graph.Task) {
	start := time.Now()
	assigneeID := task.AssigneeID

	switch {
	case strings.HasPrefix(assigneeID, "Agent:"):
		e.dispatchAgent(ctx, task, start)
	case strings.HasPrefix(assigneeID, "Tool:"):
		e.dispatchTool(ctx, task, start)
	default:
		e.failTask(ctx, task, graph.FailureValidationError, fmt.Sprintf("unroutable assignee id %q", assigneeID), start)
	}
}

func (e *Engine) dispatchAgent(ctx context.Context, task *graph.Task, start time.Time) {
	agent, ok := e.router.agent(task.AssigneeID)
	if !ok {
		e.failTask(ctx, task, graph.FailureValidationError, fmt.Sprintf("no agent registered for %q", task.AssigneeID), start)
		return
	}

	priorContext := e.lastToolResult(task)
	agentTask := agentexec.Task{
		TaskID:       task.ID,
		WorkflowID:   task.WorkflowID,
		AssigneeID:   task.AssigneeID,
		InputData:    task.InputData,
		PriorContext: priorContext,
	}

	result, err := e.executeWithRetry(ctx, task, func(ctx context.Context) (graph.AgentResult, error) {
		return agent.Execute(ctx, agentTask)
	})
	if err != nil {
		e.recordLatency(task, start, "failure")
		e.failTask(ctx, task, graph.FailureResourceUnavailable, err.Error(), start)
		return
	}

	if result.Status == graph.ResultFailure {
		e.recordLatency(task, start, "failure")
		details := result.FailureDetails
		if details == nil {
			details = &graph.FailureDetails{Type: graph.FailureValidationError, Message: "agent returned FAILURE with no details"}
		}
		e.persistFailure(ctx, task, *details)
		return
	}

	e.recordLatency(task, start, "success")
	e.interpretIntent(ctx, task, result.Output)
}

func (e *Engine) dispatchTool(ctx context.Context, task *graph.Task, start time.Time) {
	request, err := e.toolCallRequest(task)
	if err != nil {
		e.failTask(ctx, task, graph.FailureValidationError, err.Error(), start)
		return
	}
	e.invokeTool(ctx, task, request, start)
}

// toolCallRequest builds the ToolCallRequest for a task assigned directly
// to a Tool: collaborator (spec §4.6's "if assignee_id starts with Tool:,
// dispatch directly" extension, as opposed to a ToolCallRequest an Agent:
// dispatch returned, which reenterForToolCall handles without ever
// persisting an intermediate row). The tool id is the AssigneeID suffix;
// InputData is the argument document.
func (e *Engine) toolCallRequest(task *graph.Task) (graph.ToolCallRequest, error) {
	toolID, ok := strings.CutPrefix(task.AssigneeID, "Tool:")
	if !ok {
		return graph.ToolCallRequest{}, fmt.Errorf("task %s has non-Tool: assignee %q", task.ID, task.AssigneeID)
	}
	var args map[string]interface{}
	if len(task.InputData) > 0 {
		if err := json.Unmarshal(task.InputData, &args); err != nil {
			return graph.ToolCallRequest{}, fmt.Errorf("task %s: malformed input data: %w", task.ID, err)
		}
	}
	return graph.ToolCallRequest{ToolID: toolID, Arguments: args}, nil
}

// invokeTool calls the tool named in call.ToolID and persists the outcome.
// Tools are called directly (not through toolexec.Run) so a transient
// infrastructure error — as opposed to a tool-reported failure — is still
// visible to the retry policy; toolexec.Run collapses both into a terminal
// ToolResult and would make every tool error look deterministic to this
// loop.
func (e *Engine) invokeTool(ctx context.Context, task *graph.Task, call graph.ToolCallRequest, start time.Time) {
	tool, ok := e.router.tool(call.ToolID)
	if !ok {
		e.failTask(ctx, task, graph.FailureToolExecutionFailed, fmt.Sprintf("no tool registered for %q", call.ToolID), start)
		return
	}

	output, execErr := executeWithRetryGeneric(e, ctx, task, func(ctx context.Context) (map[string]interface{}, error) {
		return tool.Call(ctx, call.Arguments)
	})
	if execErr != nil {
		e.recordLatency(task, start, "failure")
		e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureToolExecutionFailed, Message: execErr.Error()})
		return
	}

	e.recordLatency(task, start, "success")
	e.persistToolResult(ctx, task, graph.ToolResult{Status: graph.ResultSuccess, Output: output})
}

// lastToolResult recovers the scratch context a prior tool dispatch left
// under "last_tool_result" (spec §9's reuse-of-result-as-scratch design
// note), so the agent sees what its own tool call returned.
func (e *Engine) lastToolResult(task *graph.Task) json.RawMessage {
	var wrapper struct {
		LastToolResult json.RawMessage `json:"last_tool_result"`
	}
	if len(task.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(task.Result, &wrapper); err != nil {
		return nil
	}
	return wrapper.LastToolResult
}

// interpretIntent implements the three process_pending arms for a
// successful agent dispatch: FinalAnswer completes the task,
// ToolCallRequest invokes the tool inline and re-enters the task as PENDING
// with the tool's result stored under "last_tool_result", and PlanBlueprint
// materializes a sub-workflow before completing.
func (e *Engine) interpretIntent(ctx context.Context, task *graph.Task, intent graph.AgentIntent) {
	switch intent.Kind {
	case graph.IntentFinalAnswer:
		result, err := json.Marshal(intent.FinalAnswer)
		if err != nil {
			e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureValidationError, Message: err.Error()})
			return
		}
		e.complete(ctx, task, result)

	case graph.IntentToolCallRequest:
		e.reenterForToolCall(ctx, task, *intent.ToolCallRequest)

	case graph.IntentPlanBlueprint:
		e.materializeAndComplete(ctx, task, *intent.PlanBlueprint)

	default:
		e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureValidationError, Message: fmt.Sprintf("agent returned unknown intent kind %q", intent.Kind)})
	}
}

// reenterForToolCall implements spec §4.6's ToolCallRequest arm literally:
// "invoke tool executor, then write (result={last_tool_result: …},
// status=PENDING)". The tool runs inline, under the claim this dispatch
// already holds, and the task's row is updated exactly once with the
// outcome (via invokeTool/persistToolResult) — it never passes through an
// intermediate PENDING "pending_tool_call" row first. Writing one first
// would fire NOTIFY (spec §6's trigger) while the AssigneeID is still
// Agent:…, so a second worker racing that notification under the spec's
// multi-worker/duplicate-delivery model (§5, §4.4) could claim the row,
// route it back to dispatchAgent, and drop the pending tool call entirely.
func (e *Engine) reenterForToolCall(ctx context.Context, task *graph.Task, call graph.ToolCallRequest) {
	e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "task.tool_call_requested", Meta: map[string]interface{}{"tool_id": call.ToolID}})
	e.invokeTool(ctx, task, call, time.Now())
}

func (e *Engine) persistToolResult(ctx context.Context, task *graph.Task, result graph.ToolResult) {
	wrapper := struct {
		LastToolResult graph.ToolResult `json:"last_tool_result"`
	}{LastToolResult: result}
	payload, err := json.Marshal(wrapper)
	if err != nil {
		e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureValidationError, Message: err.Error()})
		return
	}

	if result.Status == graph.ResultFailure {
		e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureToolExecutionFailed, Message: result.ErrorMessage})
		return
	}

	if _, err := e.store.UpdateTaskStatusAndResult(ctx, task.ID, graph.StatusPending, payload); err != nil {
		e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "engine: failed to persist tool result", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "task.tool_result_recorded"})

	reclaimed, err := e.store.ClaimTask(ctx, task.ID)
	if err != nil {
		if errors.Is(err, graph.ErrClaimLost) {
			return
		}
		return
	}
	e.processPending(ctx, reclaimed)
}

func (e *Engine) materializeAndComplete(ctx context.Context, task *graph.Task, blueprint graph.PlanBlueprint) {
	materializer := graph.NewMaterializer(e.store, e.emitter)
	workflowID, err := materializer.Materialize(ctx, blueprint)
	if err != nil {
		var engErr *graph.EngineError
		if errors.As(err, &engErr) {
			e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureValidationError, Message: engErr.Error()})
			return
		}
		e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureValidationError, Message: err.Error()})
		return
	}

	result, err := json.Marshal(map[string]string{"materialized_workflow_id": workflowID})
	if err != nil {
		e.persistFailure(ctx, task, graph.FailureDetails{Type: graph.FailureValidationError, Message: err.Error()})
		return
	}
	e.complete(ctx, task, result)
}

func (e *Engine) complete(ctx context.Context, task *graph.Task, result json.RawMessage) {
	if err := graph.CheckTransition(graph.StatusRunning, graph.StatusCompleted); err != nil {
		e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "engine: invalid transition to COMPLETED", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	if _, err := e.store.UpdateTaskStatusAndResult(ctx, task.ID, graph.StatusCompleted, result); err != nil {
		e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "engine: failed to persist completion", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "task.completed"})

	completed, err := e.store.GetTaskByID(ctx, task.ID)
	if err != nil {
		return
	}
	e.activateSuccessors(ctx, completed)
}

func (e *Engine) failTask(ctx context.Context, task *graph.Task, failureType graph.FailureType, message string, start time.Time) {
	e.recordLatency(task, start, "failure")
	e.persistFailure(ctx, task, graph.FailureDetails{Type: failureType, Message: message})
}

func (e *Engine) persistFailure(ctx context.Context, task *graph.Task, details graph.FailureDetails) {
	if err := graph.CheckTransition(graph.StatusRunning, graph.StatusFailed); err != nil {
		e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "engine: invalid transition to FAILED", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	payload, err := json.Marshal(map[string]interface{}{"failure_details": details})
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	if _, err := e.store.UpdateTaskStatusAndResult(ctx, task.ID, graph.StatusFailed, payload); err != nil {
		e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "engine: failed to persist failure", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "task.failed", Meta: map[string]interface{}{"type": string(details.Type), "message": details.Message}})

	if e.opts.ActivateOnFailure {
		failed, err := e.store.GetTaskByID(ctx, task.ID)
		if err == nil {
			e.activateSuccessors(ctx, failed)
		}
	}
}

func (e *Engine) activateSuccessors(ctx context.Context, task *graph.Task) {
	if e.activator == nil {
		return
	}
	if err := e.activator.Activate(ctx, task.ID, task.Result); err != nil {
		e.emitter.Emit(emit.Event{WorkflowID: task.WorkflowID, TaskID: task.ID, Msg: "engine: successor activation failed", Meta: map[string]interface{}{"error": err.Error()}})
		return
	}
	if e.metrics != nil {
		e.metrics.IncrementActivations(task.WorkflowID, 1)
	}
}

func (e *Engine) recordLatency(task *graph.Task, start time.Time, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordDispatchLatency(task.AssigneeID, time.Since(start), status)
}

// executeWithRetryGeneric runs fn, retrying per e.opts.RetryPolicy when fn
// returns a non-nil error (the transient-infrastructure bucket of spec §7).
// A non-nil error that is not retried (no policy, or the policy's Retryable
// rejects it), or one that outlasts the policy's attempts, surfaces as
// CodeMaxRetriesExceeded wrapping the last error; fn's return value itself (e.g. a
// deterministic FAILURE status) is never second-guessed here — only the Go
// error channel is retried.
func executeWithRetryGeneric[T any](e *Engine, ctx context.Context, task *graph.Task, fn func(ctx context.Context) (T, error)) (T, error) {
	policy := e.opts.RetryPolicy
	maxAttempts := 1
	if policy != nil {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	var zero T
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		retryable := policy != nil && policy.Retryable != nil && policy.Retryable(err)
		if !retryable || attempt == maxAttempts-1 {
			break
		}

		if e.metrics != nil {
			e.metrics.IncrementRetries(task.AssigneeID, "transient_dispatch_error")
		}
		delay := policy.NextDelay(attempt, e.jitterSource())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, &graph.EngineError{
		Code:    graph.CodeMaxRetriesExceeded,
		Message: fmt.Sprintf("task %s exhausted retries for assignee %s", task.ID, task.AssigneeID),
		Err:     lastErr,
	}
}

func (e *Engine) executeWithRetry(ctx context.Context, task *graph.Task, fn func(ctx context.Context) (graph.AgentResult, error)) (graph.AgentResult, error) {
	return executeWithRetryGeneric(e, ctx, task, fn)
}

func (e *Engine) jitterSource() *rand.Rand {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng
}
