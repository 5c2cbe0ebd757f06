package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// payload mirrors the JSON shape the notify_task_change() trigger function
// publishes (SPEC_FULL.md §6): task_id and status are always present;
// updated_at/workflow_id/assignee_id/created_at ride along but the listener
// only needs task_id to push onto the queue — the engine re-reads
// authoritative state on claim regardless (§4.4 "the engine does not rely
// on [notification ordering] because every pop re-reads authoritative
// state before acting").
type payload struct {
	TaskID string `json:"task_id"`
}

// Listener holds one dedicated, autocommit Postgres connection subscribed
// to task_created and task_updated, pushing every notified task id onto a
// Queue (spec §4.4 stage 2). The connection is never shared with worker
// code (spec §5's "Shared resources").
type Listener struct {
	dsn    string
	queue  *Queue
	log    *zap.Logger
	conn   *pgx.Conn
}

// NewListener constructs a Listener. Connect must be called before Run.
func NewListener(dsn string, queue *Queue, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{dsn: dsn, queue: queue, log: log}
}

// Connect opens the dedicated connection and issues the two LISTEN
// statements. Call once before Run.
func (l *Listener) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	for _, channel := range []string{"task_created", "task_updated"} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			conn.Close(ctx)
			return err
		}
	}
	l.conn = conn
	return nil
}

// Run blocks, waiting for notifications and pushing task ids onto the
// queue, until ctx is cancelled. On a transient connection error it
// reconnects with a short backoff rather than returning — a reconnect gap
// is exactly what the periodic ListPendingTasks sweep (see
// SPEC_FULL.md §4.4) exists to paper over.
func (l *Listener) Run(ctx context.Context) error {
	defer func() {
		if l.conn != nil {
			l.conn.Close(context.Background())
		}
	}()

	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if l.conn == nil {
			if err := l.Connect(ctx); err != nil {
				l.log.Warn("notify: listener reconnect failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = 500 * time.Millisecond
		}

		notification, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("notify: wait for notification failed, reconnecting", zap.Error(err))
			l.conn.Close(context.Background())
			l.conn = nil
			continue
		}

		var p payload
		if err := json.Unmarshal([]byte(notification.Payload), &p); err != nil {
			l.log.Warn("notify: malformed notification payload", zap.String("channel", notification.Channel), zap.Error(err))
			continue
		}
		if p.TaskID == "" {
			continue
		}
		l.queue.Push(p.TaskID)
	}
}

// Close releases the dedicated connection, if connected.
func (l *Listener) Close(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close(ctx)
}
