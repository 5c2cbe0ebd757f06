package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskgraph/orchestrator/graph"
)

// PostgresStore is the production Store, backed by pgx/v5 and a pgxpool
// connection pool. Claim uses SELECT ... FOR UPDATE SKIP LOCKED, the real
// row-locking primitive spec §4.8 names. JSONB columns round-trip as
// json.RawMessage without any intermediate marshal step pgx doesn't already
// do for us.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn. The schema itself is expected to
// already be applied via the goose migrations under migrations/.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, workflowID, assigneeID string, inputData, directives json.RawMessage, parentTaskID *string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, workflow_id, assignee_id, status, input_data, directives, parent_task_id)
		VALUES (gen_random_uuid(), $1, $2, 'PENDING', $3, $4, $5)
		RETURNING id`,
		workflowID, assigneeID, nullableRaw(inputData), nullableRaw(directives), parentTaskID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: create task: %w", err)
	}
	return id, nil
}

func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

const pgTaskColumns = `id, workflow_id, assignee_id, status, input_data, result, directives, parent_task_id, created_at, updated_at`

func scanPgTask(row pgx.Row) (*graph.Task, error) {
	var t graph.Task
	var inputData, result, directives []byte
	err := row.Scan(&t.ID, &t.WorkflowID, &t.AssigneeID, &t.Status, &inputData, &result, &directives, &t.ParentTaskID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, graph.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	t.InputData = json.RawMessage(inputData)
	t.Result = json.RawMessage(result)
	t.Directives = json.RawMessage(directives)
	return &t, nil
}

func (s *PostgresStore) GetTaskByID(ctx context.Context, taskID string) (*graph.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, taskID)
	return scanPgTask(row)
}

func (s *PostgresStore) ListPendingTasks(ctx context.Context) ([]*graph.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE status = 'PENDING' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []*graph.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask implements the pessimistic-locking claim of spec §5 via SELECT
// ... FOR UPDATE SKIP LOCKED: if another transaction already holds the row
// locked, this query returns zero rows instead of blocking, which this
// method surfaces as graph.ErrClaimLost.
func (s *PostgresStore) ClaimTask(ctx context.Context, taskID string) (*graph.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+pgTaskColumns+` FROM tasks
		WHERE id = $1 AND status = 'PENDING'
		FOR UPDATE SKIP LOCKED`, taskID)
	t, err := scanPgTask(row)
	if errors.Is(err, graph.ErrTaskNotFound) {
		return nil, graph.ErrClaimLost
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = 'RUNNING', updated_at = now() WHERE id = $1`, taskID); err != nil {
		return nil, fmt.Errorf("store: mark claimed task running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit claim tx: %w", err)
	}
	t.Status = graph.StatusRunning
	return t, nil
}

func (s *PostgresStore) UpdateTaskStatusAndResult(ctx context.Context, taskID string, status graph.Status, result json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET status = $1, result = $2, updated_at = now() WHERE id = $3`,
		status, nullableRaw(result), taskID)
	if err != nil {
		return false, fmt.Errorf("store: update task status and result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateTaskContext(ctx context.Context, taskID string, context json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET result = $1, updated_at = now() WHERE id = $2`,
		nullableRaw(context), taskID)
	if err != nil {
		return false, fmt.Errorf("store: update task context: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateTaskInputAndStatus(ctx context.Context, taskID string, inputData json.RawMessage, status graph.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET input_data = $1, status = $2, updated_at = now() WHERE id = $3`,
		nullableRaw(inputData), status, taskID)
	if err != nil {
		return false, fmt.Errorf("store: update task input and status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CreateEdge(ctx context.Context, workflowID, sourceTaskID, targetTaskID string, condition *graph.Condition, dataFlow *graph.DataFlow) (string, error) {
	var id string
	condJSON, err := json.Marshal(condition)
	if err != nil {
		return "", err
	}
	flowJSON, err := json.Marshal(dataFlow)
	if err != nil {
		return "", err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO edges (id, workflow_id, source_task_id, target_task_id, condition, data_flow)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id`,
		workflowID, sourceTaskID, targetTaskID, optionalJSON(condition, condJSON), optionalJSON(dataFlow, flowJSON)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: create edge: %w", err)
	}
	return id, nil
}

func optionalJSON(v interface{}, marshaled []byte) interface{} {
	switch val := v.(type) {
	case *graph.Condition:
		if val == nil {
			return nil
		}
	case *graph.DataFlow:
		if val == nil {
			return nil
		}
	}
	return marshaled
}

const pgEdgeColumns = `id, workflow_id, source_task_id, target_task_id, condition, data_flow, created_at`

func scanPgEdgeRows(rows pgx.Rows) ([]*graph.Edge, error) {
	var out []*graph.Edge
	for rows.Next() {
		var e graph.Edge
		var condJSON, flowJSON []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceTaskID, &e.TargetTaskID, &condJSON, &flowJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		if len(condJSON) > 0 {
			var c graph.Condition
			if err := json.Unmarshal(condJSON, &c); err == nil {
				e.Condition = &c
			}
		}
		if len(flowJSON) > 0 {
			var df graph.DataFlow
			if err := json.Unmarshal(flowJSON, &df); err == nil {
				e.DataFlow = &df
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOutgoingEdges(ctx context.Context, taskID string) ([]*graph.Edge, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgEdgeColumns+` FROM edges WHERE source_task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: get outgoing edges: %w", err)
	}
	defer rows.Close()
	return scanPgEdgeRows(rows)
}

func (s *PostgresStore) GetEdgesByWorkflowID(ctx context.Context, workflowID string) ([]*graph.Edge, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgEdgeColumns+` FROM edges WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: get edges by workflow id: %w", err)
	}
	defer rows.Close()
	return scanPgEdgeRows(rows)
}

// CreateWorkflowFromBlueprint is the system's one multi-statement
// transaction (spec §5). Placeholder ids resolve against both the newly
// staged tasks and any pre-existing task row, per §4.5 step 3.
func (s *PostgresStore) CreateWorkflowFromBlueprint(ctx context.Context, workflowID string, blueprint graph.PlanBlueprint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin blueprint tx: %w", err)
	}
	defer tx.Rollback(ctx)

	placeholderToReal := map[string]string{}

	for _, td := range blueprint.NewTasks {
		var realID string
		err := tx.QueryRow(ctx, `
			INSERT INTO tasks (id, workflow_id, assignee_id, status, input_data, directives, parent_task_id)
			VALUES (gen_random_uuid(), $1, $2, 'PENDING', $3, $4, $5)
			RETURNING id`,
			workflowID, td.AssigneeID, nullableRaw(td.InputData), nullableRaw(td.Directives), td.ParentTaskID).Scan(&realID)
		if err != nil {
			return fmt.Errorf("store: blueprint insert task: %w", err)
		}
		placeholderToReal[td.TaskID] = realID
	}

	resolve := func(id string) (string, error) {
		if real, ok := placeholderToReal[id]; ok {
			return real, nil
		}
		var existing string
		row := tx.QueryRow(ctx, `SELECT id FROM tasks WHERE id = $1`, id)
		if err := row.Scan(&existing); err != nil {
			return "", graph.ErrPlaceholderUnresolved
		}
		return existing, nil
	}

	for _, ed := range blueprint.NewEdges {
		sourceID, err := resolve(ed.SourceTaskID)
		if err != nil {
			return err
		}
		targetID, err := resolve(ed.TargetTaskID)
		if err != nil {
			return err
		}
		condJSON, err := json.Marshal(ed.Condition)
		if err != nil {
			return err
		}
		flowJSON, err := json.Marshal(ed.DataFlow)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO edges (id, workflow_id, source_task_id, target_task_id, condition, data_flow)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)`,
			workflowID, sourceID, targetID, optionalJSON(ed.Condition, condJSON), optionalJSON(ed.DataFlow, flowJSON)); err != nil {
			return fmt.Errorf("store: blueprint insert edge: %w", err)
		}
	}

	for _, upd := range blueprint.UpdateTasks {
		realID, err := resolve(upd.TaskID)
		if err != nil {
			return err
		}
		switch {
		case upd.NewInputData != nil && upd.NewStatus != nil:
			_, err = tx.Exec(ctx, `UPDATE tasks SET input_data = $1, status = $2, updated_at = now() WHERE id = $3`,
				nullableRaw(upd.NewInputData), *upd.NewStatus, realID)
		case upd.NewInputData != nil:
			_, err = tx.Exec(ctx, `UPDATE tasks SET input_data = $1, updated_at = now() WHERE id = $2`,
				nullableRaw(upd.NewInputData), realID)
		case upd.NewStatus != nil:
			_, err = tx.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`,
				*upd.NewStatus, realID)
		}
		if err != nil {
			return fmt.Errorf("store: blueprint apply task update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit blueprint tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, taskID string, versionNumber int, snapshot json.RawMessage) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_history (id, task_id, version_number, data_snapshot)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id`, taskID, versionNumber, snapshot).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: append history: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, taskID string) ([]*graph.TaskHistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, version_number, data_snapshot, created_at
		FROM task_history WHERE task_id = $1 ORDER BY version_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	defer rows.Close()

	var out []*graph.TaskHistoryRecord
	for rows.Next() {
		var r graph.TaskHistoryRecord
		var snapshot []byte
		if err := rows.Scan(&r.HistoryID, &r.TaskID, &r.VersionNumber, &snapshot, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		r.DataSnapshot = snapshot
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestHistory(ctx context.Context, taskID string) (*graph.TaskHistoryRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, version_number, data_snapshot, created_at
		FROM task_history WHERE task_id = $1 ORDER BY version_number DESC LIMIT 1`, taskID)
	var r graph.TaskHistoryRecord
	var snapshot []byte
	err := row.Scan(&r.HistoryID, &r.TaskID, &r.VersionNumber, &snapshot, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan latest history: %w", err)
	}
	r.DataSnapshot = snapshot
	return &r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
