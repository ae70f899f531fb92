package store

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

// SQLiteStore backs the deduplication ledger, the conversation directory,
// and the message archive with a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_messages (
		message_id   TEXT PRIMARY KEY,
		processed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		candidate_id TEXT PRIMARY KEY,
		thread_id    TEXT NOT NULL,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		candidate_id TEXT NOT NULL,
		message_id   TEXT NOT NULL,
		role         TEXT NOT NULL,
		body         TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_candidate ON messages(candidate_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Deduplication ledger ---

func (s *SQLiteStore) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_messages WHERE message_id = ?`, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed claims a message id. The conditional insert makes the
// concurrent-duplicate worst case "processed twice", never "dropped".
func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (message_id, processed_at) VALUES (?, ?)`,
		messageID, time.Now().UTC(),
	)
	return err
}

// PurgeProcessedBefore bounds ledger growth. WhatsApp stops retrying
// deliveries long before the retention window closes.
func (s *SQLiteStore) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE processed_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged processed markers", "count", n)
	}
	return n, nil
}

// --- Conversation directory ---

func (s *SQLiteStore) ResolveThread(ctx context.Context, candidateID string) (string, error) {
	var threadID string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM conversations WHERE candidate_id = ?`, candidateID,
	).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return threadID, nil
}

// SaveConversation upserts with last-writer-wins. Two racing first-contact
// deliveries may each provision a thread; the later write wins and the
// earlier thread is orphaned on the provider side, which is harmless.
func (s *SQLiteStore) SaveConversation(ctx context.Context, candidateID, threadID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (candidate_id, thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(candidate_id) DO UPDATE SET thread_id = excluded.thread_id, updated_at = excluded.updated_at`,
		candidateID, threadID, now, now,
	)
	return err
}

// --- Message archive ---

func (s *SQLiteStore) SaveArchived(ctx context.Context, msg domain.ArchivedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (candidate_id, message_id, role, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.CandidateID, msg.MessageID, msg.Role, msg.Body, msg.CreatedAt,
	)
	return err
}

// RecentMessages returns up to limit entries for the candidate, newest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, candidateID string, limit int) ([]domain.ArchivedMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate_id, message_id, role, body, created_at
		 FROM messages WHERE candidate_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, candidateID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.ArchivedMessage
	for rows.Next() {
		var m domain.ArchivedMessage
		if err := rows.Scan(&m.CandidateID, &m.MessageID, &m.Role, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
