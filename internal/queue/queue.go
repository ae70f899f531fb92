package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"recruitbot/internal/domain"

	_ "modernc.org/sqlite"
)

const receivePollInterval = 250 * time.Millisecond

// SQLiteQueue is a durable at-least-once queue. A received message is
// leased (hidden) for the visibility duration; it reappears for redelivery
// unless deleted first.
type SQLiteQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*SQLiteQueue, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create queue directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q := &SQLiteQueue{db: db, logger: logger}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue migration failed: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		body        BLOB NOT NULL,
		enqueued_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		leased_until DATETIME,
		receives    INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_queue_leased ON queue_messages(leased_until);
	`
	_, err := q.db.Exec(schema)
	return err
}

func (q *SQLiteQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (body) VALUES (?)`, body,
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Receive long-polls for up to wait, returning at most max messages. Each
// returned message is hidden from other receivers until visibility elapses.
func (q *SQLiteQueue) Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]domain.QueueMessage, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		msgs, err := q.lease(ctx, max, visibility)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receivePollInterval):
		}
	}
}

// lease claims up to max claimable messages in one statement, so two
// receivers on the same database can never both deliver a message inside
// its visibility window.
func (q *SQLiteQueue) lease(ctx context.Context, max int, visibility time.Duration) ([]domain.QueueMessage, error) {
	now := time.Now().UTC()
	until := now.Add(visibility)

	rows, err := q.db.QueryContext(ctx,
		`UPDATE queue_messages SET leased_until = ?, receives = receives + 1
		 WHERE id IN (
			SELECT id FROM queue_messages
			WHERE leased_until IS NULL OR leased_until < ?
			ORDER BY id LIMIT ?
		 )
		 RETURNING id, body, receives`, until, now, max,
	)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	defer rows.Close()

	var msgs []domain.QueueMessage
	for rows.Next() {
		var m domain.QueueMessage
		if err := rows.Scan(&m.ID, &m.Body, &m.Receives); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Delete acks a message. Only called after successful processing; an
// unacked message reappears when its lease expires.
func (q *SQLiteQueue) Delete(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	return nil
}

// Depth returns the number of messages currently in the queue, leased or not.
func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages`).Scan(&n)
	return n, err
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
