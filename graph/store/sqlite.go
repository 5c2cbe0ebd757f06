package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/taskgraph/orchestrator/graph"
)

// SQLiteStore is a pure-Go SQLite implementation of Store, for development
// and tests that want a real file-backed database without a Postgres
// server. The wire schema matches §6's authoritative tables, with JSONB
// columns down-graded to TEXT (SQLite has no native JSON type).
//
// SQLite has no SELECT ... FOR UPDATE SKIP LOCKED. Claim is instead a
// compare-and-swap: UPDATE tasks SET status='RUNNING' WHERE id=? AND
// status='PENDING'. This is race-free under SQLite's single-writer model
// (every write serializes through the one writer connection regardless of
// WAL mode's concurrent-reader support) without needing row locks at all.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serializes writes; SQLite only ever has one writer
	path string
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// applies the schema if the tasks table does not yet exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	assignee_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING'
		CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED')),
	input_data TEXT,
	result TEXT,
	directives TEXT,
	parent_task_id TEXT REFERENCES tasks(id),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_workflow_id ON tasks(workflow_id);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	source_task_id TEXT NOT NULL REFERENCES tasks(id),
	target_task_id TEXT NOT NULL REFERENCES tasks(id),
	condition TEXT,
	data_flow TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_task_id);
CREATE INDEX IF NOT EXISTS idx_edges_workflow_id ON edges(workflow_id);

CREATE TABLE IF NOT EXISTS task_history (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	version_number INTEGER NOT NULL,
	data_snapshot TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(task_id, version_number)
);
`
	_, err := s.db.Exec(schema)
	return err
}

func nullableString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func rawMessageOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func rawMessageToText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func (s *SQLiteStore) CreateTask(ctx context.Context, workflowID, assigneeID string, inputData, directives json.RawMessage, parentTaskID *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, assignee_id, status, input_data, directives, parent_task_id, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', ?, ?, ?, ?, ?)`,
		id, workflowID, assigneeID, rawMessageToText(inputData), rawMessageToText(directives), nullableString(parentTaskID), now, now)
	if err != nil {
		return "", fmt.Errorf("store: create task: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) scanTask(row *sql.Row) (*graph.Task, error) {
	var (
		t            graph.Task
		parentTaskID sql.NullString
		inputData    sql.NullString
		result       sql.NullString
		directives   sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&t.ID, &t.WorkflowID, &t.AssigneeID, &t.Status, &inputData, &result, &directives, &parentTaskID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, graph.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	if parentTaskID.Valid {
		v := parentTaskID.String
		t.ParentTaskID = &v
	}
	t.InputData = rawMessageOrNil(inputData)
	t.Result = rawMessageOrNil(result)
	t.Directives = rawMessageOrNil(directives)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

const taskColumns = `id, workflow_id, assignee_id, status, input_data, result, directives, parent_task_id, created_at, updated_at`

func (s *SQLiteStore) GetTaskByID(ctx context.Context, taskID string) (*graph.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	return s.scanTask(row)
}

func (s *SQLiteStore) ListPendingTasks(ctx context.Context) ([]*graph.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'PENDING' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []*graph.Task
	for rows.Next() {
		var (
			t            graph.Task
			parentTaskID sql.NullString
			inputData    sql.NullString
			result       sql.NullString
			directives   sql.NullString
			createdAt    string
			updatedAt    string
		)
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.AssigneeID, &t.Status, &inputData, &result, &directives, &parentTaskID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan pending task: %w", err)
		}
		if parentTaskID.Valid {
			v := parentTaskID.String
			t.ParentTaskID = &v
		}
		t.InputData = rawMessageOrNil(inputData)
		t.Result = rawMessageOrNil(result)
		t.Directives = rawMessageOrNil(directives)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ClaimTask is the SQLite-only compare-and-swap claim strategy documented
// on SQLiteStore: no row lock is acquired, the WHERE clause itself is the
// exclusivity mechanism.
func (s *SQLiteStore) ClaimTask(ctx context.Context, taskID string) (*graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'RUNNING', updated_at = ? WHERE id = ? AND status = 'PENDING'`, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: claim task rows affected: %w", err)
	}
	if affected == 0 {
		return nil, graph.ErrClaimLost
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	return s.scanTask(row)
}

func (s *SQLiteStore) UpdateTaskStatusAndResult(ctx context.Context, taskID string, status graph.Status, result json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		status, rawMessageToText(result), now, taskID)
	if err != nil {
		return false, fmt.Errorf("store: update task status and result: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *SQLiteStore) UpdateTaskContext(ctx context.Context, taskID string, context json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET result = ?, updated_at = ? WHERE id = ?`,
		rawMessageToText(context), now, taskID)
	if err != nil {
		return false, fmt.Errorf("store: update task context: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *SQLiteStore) UpdateTaskInputAndStatus(ctx context.Context, taskID string, inputData json.RawMessage, status graph.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET input_data = ?, status = ?, updated_at = ? WHERE id = ?`,
		rawMessageToText(inputData), status, now, taskID)
	if err != nil {
		return false, fmt.Errorf("store: update task input and status: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *SQLiteStore) CreateEdge(ctx context.Context, workflowID, sourceTaskID, targetTaskID string, condition *graph.Condition, dataFlow *graph.DataFlow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	conditionJSON, err := marshalOptional(condition)
	if err != nil {
		return "", err
	}
	dataFlowJSON, err := marshalOptional(dataFlow)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edges (id, workflow_id, source_task_id, target_task_id, condition, data_flow, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, workflowID, sourceTaskID, targetTaskID, conditionJSON, dataFlowJSON, now)
	if err != nil {
		return "", fmt.Errorf("store: create edge: %w", err)
	}
	return id, nil
}

func marshalOptional(v interface{}) (sql.NullString, error) {
	switch val := v.(type) {
	case *graph.Condition:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *graph.DataFlow:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const edgeColumns = `id, workflow_id, source_task_id, target_task_id, condition, data_flow, created_at`

func scanEdgeRows(rows *sql.Rows) ([]*graph.Edge, error) {
	var out []*graph.Edge
	for rows.Next() {
		var (
			e             graph.Edge
			conditionJSON sql.NullString
			dataFlowJSON  sql.NullString
			createdAt     string
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceTaskID, &e.TargetTaskID, &conditionJSON, &dataFlowJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan edge: %w", err)
		}
		if conditionJSON.Valid && conditionJSON.String != "" {
			var c graph.Condition
			if err := json.Unmarshal([]byte(conditionJSON.String), &c); err == nil {
				e.Condition = &c
			}
		}
		if dataFlowJSON.Valid && dataFlowJSON.String != "" {
			var df graph.DataFlow
			if err := json.Unmarshal([]byte(dataFlowJSON.String), &df); err == nil {
				e.DataFlow = &df
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetOutgoingEdges(ctx context.Context, taskID string) ([]*graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE source_task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: get outgoing edges: %w", err)
	}
	defer rows.Close()
	return scanEdgeRows(rows)
}

func (s *SQLiteStore) GetEdgesByWorkflowID(ctx context.Context, workflowID string) ([]*graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: get edges by workflow id: %w", err)
	}
	defer rows.Close()
	return scanEdgeRows(rows)
}

// CreateWorkflowFromBlueprint is the one operation in this store that opens
// a genuine multi-statement transaction (spec §5's locking discipline): any
// error at any step rolls back the whole blueprint via the deferred
// rollback-unless-committed pattern.
func (s *SQLiteStore) CreateWorkflowFromBlueprint(ctx context.Context, workflowID string, blueprint graph.PlanBlueprint) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin blueprint tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	placeholderToReal := map[string]string{}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, td := range blueprint.NewTasks {
		realID := uuid.NewString()
		placeholderToReal[td.TaskID] = realID
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, workflow_id, assignee_id, status, input_data, directives, parent_task_id, created_at, updated_at)
			VALUES (?, ?, ?, 'PENDING', ?, ?, ?, ?, ?)`,
			realID, workflowID, td.AssigneeID, rawMessageToText(td.InputData), rawMessageToText(td.Directives), nullableString(td.ParentTaskID), now, now); err != nil {
			return fmt.Errorf("store: blueprint insert task: %w", err)
		}
	}

	resolve := func(ctx context.Context, tx *sql.Tx, id string) (string, error) {
		if real, ok := placeholderToReal[id]; ok {
			return real, nil
		}
		var existing string
		row := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id = ?`, id)
		if scanErr := row.Scan(&existing); scanErr != nil {
			return "", graph.ErrPlaceholderUnresolved
		}
		return existing, nil
	}

	for _, ed := range blueprint.NewEdges {
		var sourceID, targetID string
		sourceID, err = resolve(ctx, tx, ed.SourceTaskID)
		if err != nil {
			return err
		}
		targetID, err = resolve(ctx, tx, ed.TargetTaskID)
		if err != nil {
			return err
		}
		var conditionJSON, dataFlowJSON sql.NullString
		conditionJSON, err = marshalOptional(ed.Condition)
		if err != nil {
			return err
		}
		dataFlowJSON, err = marshalOptional(ed.DataFlow)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO edges (id, workflow_id, source_task_id, target_task_id, condition, data_flow, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), workflowID, sourceID, targetID, conditionJSON, dataFlowJSON, now); err != nil {
			return fmt.Errorf("store: blueprint insert edge: %w", err)
		}
	}

	for _, upd := range blueprint.UpdateTasks {
		var realID string
		realID, err = resolve(ctx, tx, upd.TaskID)
		if err != nil {
			return err
		}
		switch {
		case upd.NewInputData != nil && upd.NewStatus != nil:
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET input_data = ?, status = ?, updated_at = ? WHERE id = ?`,
				rawMessageToText(upd.NewInputData), *upd.NewStatus, now, realID)
		case upd.NewInputData != nil:
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET input_data = ?, updated_at = ? WHERE id = ?`,
				rawMessageToText(upd.NewInputData), now, realID)
		case upd.NewStatus != nil:
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
				*upd.NewStatus, now, realID)
		}
		if err != nil {
			return fmt.Errorf("store: blueprint apply task update: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit blueprint tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, taskID string, versionNumber int, snapshot json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (id, task_id, version_number, data_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, taskID, versionNumber, string(snapshot), now)
	if err != nil {
		return "", fmt.Errorf("store: append history: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, taskID string) ([]*graph.TaskHistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, version_number, data_snapshot, created_at
		FROM task_history WHERE task_id = ? ORDER BY version_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	defer rows.Close()

	var out []*graph.TaskHistoryRecord
	for rows.Next() {
		var (
			r            graph.TaskHistoryRecord
			dataSnapshot string
			createdAt    string
		)
		if err := rows.Scan(&r.HistoryID, &r.TaskID, &r.VersionNumber, &dataSnapshot, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		r.DataSnapshot = json.RawMessage(dataSnapshot)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestHistory(ctx context.Context, taskID string) (*graph.TaskHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, version_number, data_snapshot, created_at
		FROM task_history WHERE task_id = ? ORDER BY version_number DESC LIMIT 1`, taskID)

	var (
		r            graph.TaskHistoryRecord
		dataSnapshot string
		createdAt    string
	)
	err := row.Scan(&r.HistoryID, &r.TaskID, &r.VersionNumber, &dataSnapshot, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan latest history: %w", err)
	}
	r.DataSnapshot = json.RawMessage(dataSnapshot)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
