package graph_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/taskgraph/orchestrator/engine"
	"github.com/taskgraph/orchestrator/graph"
	"github.com/taskgraph/orchestrator/graph/agentexec"
	"github.com/taskgraph/orchestrator/graph/notify"
	"github.com/taskgraph/orchestrator/graph/store"
	"github.com/taskgraph/orchestrator/graph/toolexec"
)

// newIntegrationEngine wires a full engine over a fresh MemStore, the way
// cmd/orchestrator does for a single process, so these tests exercise the
// claim → dispatch → persist → notify loop end to end rather than any one
// component in isolation.
func newIntegrationEngine(t *testing.T, router *engine.AssigneeRouter, opts engine.Options) (*engine.Engine, *store.MemStore, *notify.Queue) {
	t.Helper()
	st := store.NewMemStore()
	evaluator, err := graph.NewPredicateEvaluator(nil)
	if err != nil {
		t.Fatalf("NewPredicateEvaluator: %v", err)
	}
	mapper := graph.NewDataFlowMapper(nil)
	activator := graph.NewSuccessorActivator(st, evaluator, mapper, nil)
	queue := notify.NewQueue(16)
	return engine.New(st, queue, router, activator, nil, nil, opts), st, queue
}

func runUntilIdle(ctx context.Context, e *engine.Engine, queue *notify.Queue, settle time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(runCtx)
		close(done)
	}()
	time.Sleep(settle)
	queue.Close()
	<-done
}

// S1. Final-answer path.
func TestIntegrationS1FinalAnswerPath(t *testing.T) {
	agent := &agentexec.MockAgent{Responses: []graph.AgentResult{{
		Status: graph.ResultSuccess,
		Output: graph.AgentIntent{Kind: graph.IntentFinalAnswer, FinalAnswer: &graph.FinalAnswer{Content: "hi"}},
	}}}
	router := engine.NewAssigneeRouter()
	router.RegisterAgent("Hello", agent)

	e, st, queue := newIntegrationEngine(t, router, engine.Options{Workers: 1})
	ctx := context.Background()
	taskID, err := st.CreateTask(ctx, "wf-s1", "Agent:Hello", json.RawMessage(`{}`), nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	queue.Push(taskID)
	runUntilIdle(ctx, e, queue, 30*time.Millisecond)

	task, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if task.Status != graph.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", task.Status)
	}
	var final graph.FinalAnswer
	if err := json.Unmarshal(task.Result, &final); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if final.Content != "hi" {
		t.Fatalf("content = %q, want hi", final.Content)
	}
}

// S2. Tool re-entry: first dispatch requests a tool call, second (after the
// tool result lands) produces the final answer.
func TestIntegrationS2ToolReentry(t *testing.T) {
	agent := &agentexec.MockAgent{Responses: []graph.AgentResult{
		{
			Status: graph.ResultSuccess,
			Output: graph.AgentIntent{
				Kind:            graph.IntentToolCallRequest,
				ToolCallRequest: &graph.ToolCallRequest{ToolID: "calc", Arguments: map[string]interface{}{"expr": "2+2"}},
			},
		},
		{
			Status: graph.ResultSuccess,
			Output: graph.AgentIntent{Kind: graph.IntentFinalAnswer, FinalAnswer: &graph.FinalAnswer{Content: "4"}},
		},
	}}
	tool := &toolexec.MockTool{ToolID: "calc", Responses: []map[string]interface{}{{"output": float64(4)}}}

	router := engine.NewAssigneeRouter()
	router.RegisterAgent("A", agent)
	router.RegisterTool(tool)

	e, st, queue := newIntegrationEngine(t, router, engine.Options{Workers: 1})
	ctx := context.Background()
	taskID, err := st.CreateTask(ctx, "wf-s2", "Agent:A", json.RawMessage(`{"q":"2+2"}`), nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	queue.Push(taskID)
	runUntilIdle(ctx, e, queue, 30*time.Millisecond)

	task, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if task.Status != graph.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", task.Status)
	}
	var final graph.FinalAnswer
	if err := json.Unmarshal(task.Result, &final); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if final.Content != "4" {
		t.Fatalf("content = %q, want 4", final.Content)
	}
	if agent.CallCount() != 2 {
		t.Fatalf("agent calls = %d, want 2", agent.CallCount())
	}
	if tool.CallCount() != 1 {
		t.Fatalf("tool calls = %d, want 1", tool.CallCount())
	}
}

// S3. Conditional edge fires: the source's result satisfies the CEL
// condition, so the mapped data flow lands on the target and it becomes
// PENDING.
func TestIntegrationS3ConditionalEdgeFires(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	source, _ := st.CreateTask(ctx, "wf-s3", "Agent:researcher", nil, nil, nil)
	target, _ := st.CreateTask(ctx, "wf-s3", "Agent:writer", nil, nil, nil)
	st.UpdateTaskStatusAndResult(ctx, target, graph.StatusFailed, nil) // start from a non-PENDING status so activation is observable

	cond := &graph.Condition{Evaluator: "CEL", Expression: "result.success == true"}
	flow := &graph.DataFlow{Mappings: map[string]string{"weather_data": "result.data"}}
	if _, err := st.CreateEdge(ctx, "wf-s3", source, target, cond, flow); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	evaluator, err := graph.NewPredicateEvaluator(nil)
	if err != nil {
		t.Fatalf("NewPredicateEvaluator: %v", err)
	}
	activator := graph.NewSuccessorActivator(st, evaluator, graph.NewDataFlowMapper(nil), nil)

	st.UpdateTaskStatusAndResult(ctx, source, graph.StatusCompleted, json.RawMessage(`{"success":true,"data":{"temp":25}}`))
	completed, _ := st.GetTaskByID(ctx, source)
	if err := activator.Activate(ctx, completed.ID, completed.Result); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	updated, err := st.GetTaskByID(ctx, target)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if updated.Status != graph.StatusPending {
		t.Fatalf("status = %s, want PENDING", updated.Status)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(updated.InputData, &input); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	data, ok := input["weather_data"].(map[string]interface{})
	if !ok || data["temp"] != float64(25) {
		t.Fatalf("input = %+v, want weather_data.temp == 25", input)
	}
}

// S4. Conditional edge blocks: same graph as S3 but the source's result
// fails the condition, so the target is left untouched.
func TestIntegrationS4ConditionalEdgeBlocks(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	source, _ := st.CreateTask(ctx, "wf-s4", "Agent:researcher", nil, nil, nil)
	target, _ := st.CreateTask(ctx, "wf-s4", "Agent:writer", nil, nil, nil)
	st.UpdateTaskStatusAndResult(ctx, target, graph.StatusFailed, nil)

	cond := &graph.Condition{Evaluator: "CEL", Expression: "result.success == true"}
	flow := &graph.DataFlow{Mappings: map[string]string{"weather_data": "result.data"}}
	if _, err := st.CreateEdge(ctx, "wf-s4", source, target, cond, flow); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	evaluator, err := graph.NewPredicateEvaluator(nil)
	if err != nil {
		t.Fatalf("NewPredicateEvaluator: %v", err)
	}
	activator := graph.NewSuccessorActivator(st, evaluator, graph.NewDataFlowMapper(nil), nil)

	st.UpdateTaskStatusAndResult(ctx, source, graph.StatusCompleted, json.RawMessage(`{"success":false}`))
	completed, _ := st.GetTaskByID(ctx, source)
	if err := activator.Activate(ctx, completed.ID, completed.Result); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	updated, err := st.GetTaskByID(ctx, target)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if updated.Status != graph.StatusFailed {
		t.Fatalf("status = %s, want unchanged FAILED", updated.Status)
	}
}

// S5. Blueprint materialization with placeholder remap.
func TestIntegrationS5BlueprintMaterialization(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	materializer := graph.NewMaterializer(st, nil)

	blueprint := graph.PlanBlueprint{
		NewTasks: []graph.TaskDefinition{
			{TaskID: "p1", AssigneeID: "Agent:A", InputData: json.RawMessage(`{}`)},
			{TaskID: "p2", AssigneeID: "Agent:B", InputData: json.RawMessage(`{}`)},
		},
		NewEdges: []graph.EdgeDefinition{
			{SourceTaskID: "p1", TargetTaskID: "p2"},
		},
	}

	workflowID, err := materializer.Materialize(ctx, blueprint)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	edges, err := st.GetEdgesByWorkflowID(ctx, workflowID)
	if err != nil {
		t.Fatalf("GetEdgesByWorkflowID: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("len(edges) = %d, want 1", len(edges))
	}
	if edges[0].SourceTaskID == "p1" || edges[0].TargetTaskID == "p2" {
		t.Fatal("edge still references blueprint placeholder ids, want DB-assigned UUIDs")
	}
	if _, err := st.GetTaskByID(ctx, edges[0].SourceTaskID); err != nil {
		t.Fatalf("resolved source task not found: %v", err)
	}
	if _, err := st.GetTaskByID(ctx, edges[0].TargetTaskID); err != nil {
		t.Fatalf("resolved target task not found: %v", err)
	}
}

// S6. Claim exclusivity: the same task id enqueued twice is claimed exactly
// once; the loser proceeds to its next pop without dispatching anything.
func TestIntegrationS6ClaimExclusivity(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	taskID, err := st.CreateTask(ctx, "wf-s6", "Agent:worker", json.RawMessage(`{}`), nil, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := st.ClaimTask(ctx, taskID)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var nilCount, lostCount int
	for err := range results {
		switch err {
		case nil:
			nilCount++
		case graph.ErrClaimLost:
			lostCount++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if nilCount != 1 || lostCount != 1 {
		t.Fatalf("nilCount=%d lostCount=%d, want exactly one winner and one ErrClaimLost", nilCount, lostCount)
	}

	task, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if task.Status != graph.StatusRunning {
		t.Fatalf("status = %s, want RUNNING (dispatched exactly once)", task.Status)
	}
}
