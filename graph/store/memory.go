package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskgraph/orchestrator/graph"
)

// MemStore is an in-process map-backed Store, for unit tests that want no
// database at all. Claim is a compare-and-swap under a single mutex, which
// is race-free by construction (there is no second writer to race against)
// and therefore a deliberately simpler analogue of the SQLite store's
// UPDATE-based compare-and-swap.
type MemStore struct {
	mu sync.Mutex

	tasks   map[string]*graph.Task
	edges   map[string]*graph.Edge
	history map[string][]*graph.TaskHistoryRecord // keyed by taskID, version-ordered
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:   map[string]*graph.Task{},
		edges:   map[string]*graph.Edge{},
		history: map[string][]*graph.TaskHistoryRecord{},
	}
}

func cloneTask(t *graph.Task) *graph.Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.InputData = append(json.RawMessage(nil), t.InputData...)
	cp.Result = append(json.RawMessage(nil), t.Result...)
	cp.Directives = append(json.RawMessage(nil), t.Directives...)
	return &cp
}

func (s *MemStore) CreateTask(_ context.Context, workflowID, assigneeID string, inputData, directives json.RawMessage, parentTaskID *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	id := uuid.NewString()
	s.tasks[id] = &graph.Task{
		ID:           id,
		WorkflowID:   workflowID,
		ParentTaskID: parentTaskID,
		AssigneeID:   assigneeID,
		Status:       graph.StatusPending,
		InputData:    inputData,
		Directives:   directives,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return id, nil
}

func (s *MemStore) GetTaskByID(_ context.Context, taskID string) (*graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, graph.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *MemStore) ListPendingTasks(_ context.Context) ([]*graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*graph.Task
	for _, t := range s.tasks {
		if t.Status == graph.StatusPending {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ClaimTask(_ context.Context, taskID string) (*graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, graph.ErrClaimLost
	}
	if t.Status != graph.StatusPending {
		return nil, graph.ErrClaimLost
	}
	t.Status = graph.StatusRunning
	t.UpdatedAt = time.Now().UTC()
	return cloneTask(t), nil
}

func (s *MemStore) UpdateTaskStatusAndResult(_ context.Context, taskID string, status graph.Status, result json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	t.Status = status
	t.Result = result
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemStore) UpdateTaskContext(_ context.Context, taskID string, context json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	t.Result = context
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemStore) UpdateTaskInputAndStatus(_ context.Context, taskID string, inputData json.RawMessage, status graph.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	t.InputData = inputData
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemStore) CreateEdge(_ context.Context, workflowID, sourceTaskID, targetTaskID string, condition *graph.Condition, dataFlow *graph.DataFlow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.edges[id] = &graph.Edge{
		ID:           id,
		WorkflowID:   workflowID,
		SourceTaskID: sourceTaskID,
		TargetTaskID: targetTaskID,
		Condition:    condition,
		DataFlow:     dataFlow,
		CreatedAt:    time.Now().UTC(),
	}
	return id, nil
}

func (s *MemStore) GetOutgoingEdges(_ context.Context, taskID string) ([]*graph.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*graph.Edge
	for _, e := range s.edges {
		if e.SourceTaskID == taskID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) GetEdgesByWorkflowID(_ context.Context, workflowID string) ([]*graph.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*graph.Edge
	for _, e := range s.edges {
		if e.WorkflowID == workflowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateWorkflowFromBlueprint performs the placeholder-remap expansion of
// spec §4.5 entirely under one mutex hold, which is this store's stand-in
// for a database transaction: either every row lands, or (on any
// placeholder resolution failure) none do.
func (s *MemStore) CreateWorkflowFromBlueprint(_ context.Context, workflowID string, blueprint graph.PlanBlueprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholderToReal := map[string]string{}
	now := time.Now().UTC()

	stagedTasks := map[string]*graph.Task{}
	for _, td := range blueprint.NewTasks {
		realID := uuid.NewString()
		placeholderToReal[td.TaskID] = realID
		stagedTasks[realID] = &graph.Task{
			ID:           realID,
			WorkflowID:   workflowID,
			ParentTaskID: td.ParentTaskID,
			AssigneeID:   td.AssigneeID,
			Status:       graph.StatusPending,
			InputData:    td.InputData,
			Directives:   td.Directives,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	resolve := func(id string) (string, error) {
		if real, ok := placeholderToReal[id]; ok {
			return real, nil
		}
		if _, exists := s.tasks[id]; exists {
			return id, nil
		}
		return "", graph.ErrPlaceholderUnresolved
	}

	stagedEdges := map[string]*graph.Edge{}
	for _, ed := range blueprint.NewEdges {
		sourceID, err := resolve(ed.SourceTaskID)
		if err != nil {
			return err
		}
		targetID, err := resolve(ed.TargetTaskID)
		if err != nil {
			return err
		}
		edgeID := uuid.NewString()
		stagedEdges[edgeID] = &graph.Edge{
			ID:           edgeID,
			WorkflowID:   workflowID,
			SourceTaskID: sourceID,
			TargetTaskID: targetID,
			Condition:    ed.Condition,
			DataFlow:     ed.DataFlow,
			CreatedAt:    now,
		}
	}

	type stagedUpdate struct {
		realID string
		update graph.TaskUpdate
	}
	var stagedUpdates []stagedUpdate
	for _, upd := range blueprint.UpdateTasks {
		realID, err := resolve(upd.TaskID)
		if err != nil {
			return err
		}
		stagedUpdates = append(stagedUpdates, stagedUpdate{realID: realID, update: upd})
	}

	for id, t := range stagedTasks {
		s.tasks[id] = t
	}
	for id, e := range stagedEdges {
		s.edges[id] = e
	}
	for _, su := range stagedUpdates {
		target, ok := s.tasks[su.realID]
		if !ok {
			continue
		}
		if su.update.NewInputData != nil {
			target.InputData = su.update.NewInputData
		}
		if su.update.NewStatus != nil {
			target.Status = *su.update.NewStatus
		}
		target.UpdatedAt = now
	}
	return nil
}

func (s *MemStore) AppendHistory(_ context.Context, taskID string, versionNumber int, snapshot json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.history[taskID] = append(s.history[taskID], &graph.TaskHistoryRecord{
		HistoryID:     id,
		TaskID:        taskID,
		VersionNumber: versionNumber,
		DataSnapshot:  snapshot,
		CreatedAt:     time.Now().UTC(),
	})
	return id, nil
}

func (s *MemStore) ListHistory(_ context.Context, taskID string) ([]*graph.TaskHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := append([]*graph.TaskHistoryRecord(nil), s.history[taskID]...)
	sort.Slice(records, func(i, j int) bool { return records[i].VersionNumber < records[j].VersionNumber })
	return records, nil
}

func (s *MemStore) LatestHistory(_ context.Context, taskID string) (*graph.TaskHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.history[taskID]
	if len(records) == 0 {
		return nil, nil
	}
	latest := records[0]
	for _, r := range records[1:] {
		if r.VersionNumber > latest.VersionNumber {
			latest = r
		}
	}
	return latest, nil
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
