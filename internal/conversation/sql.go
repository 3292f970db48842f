package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/sqldb"
)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore creates the tables if needed and returns a store on db. The
// caller owns db unless it closes the store.
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initTables() error {
	db := s.db
	return db.ExecAll(
		db.Pick(
			`CREATE TABLE IF NOT EXISTS threads (
				id TEXT PRIMARY KEY,
				resource_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS threads (
				id TEXT PRIMARY KEY,
				resource_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		),
		db.Pick(
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				thread_id TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT 'v2',
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				thread_id TEXT NOT NULL,
				resource_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT 'v2',
				created_at TIMESTAMPTZ NOT NULL
			)`,
		),
		`CREATE INDEX IF NOT EXISTS idx_threads_resource_id ON threads(resource_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq)`,
	)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SaveThread inserts or replaces a thread.
func (s *SQLStore) SaveThread(ctx context.Context, t *Thread) (*Thread, error) {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO threads (id, resource_id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource_id = excluded.resource_id,
			title = excluded.title,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`),
		t.ID, t.ResourceID, t.Title, meta, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save thread: %w", err)
	}
	return t, nil
}

// GetThreadByID returns nil, nil when the thread does not exist.
func (s *SQLStore) GetThreadByID(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, resource_id, title, metadata, created_at, updated_at FROM threads WHERE id = ?`), id)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// UpdateThread sets the title and metadata and bumps updated_at.
func (s *SQLStore) UpdateThread(ctx context.Context, id, title string, metadata map[string]any) (*Thread, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE threads SET title = ?, metadata = ?, updated_at = ? WHERE id = ?`),
		title, meta, time.Now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("update thread", id)
	}
	return s.GetThreadByID(ctx, id)
}

// DeleteThread removes a thread and its messages.
func (s *SQLStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM messages WHERE thread_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM threads WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return tx.Commit()
}

// GetThreadsByResourceID lists a resource's threads, most recently updated first.
func (s *SQLStore) GetThreadsByResourceID(ctx context.Context, resourceID string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, resource_id, title, metadata, created_at, updated_at
		FROM threads WHERE resource_id = ? ORDER BY updated_at DESC`), resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// SaveMessages upserts messages in order and bumps each thread's updated_at.
func (s *SQLStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.db.Rebind(
		`INSERT INTO messages (id, thread_id, resource_id, role, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, type = excluded.type`)
	touch := s.db.Rebind(`UPDATE threads SET updated_at = ? WHERE id = ?`)

	touched := map[string]bool{}
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if m.Type == "" {
			m.Type = TypeV2
		}
		if _, err := tx.ExecContext(ctx, insert,
			m.ID, m.ThreadID, m.ResourceID, string(m.Role), m.Content, m.Type, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		touched[m.ThreadID] = true
	}
	now := time.Now()
	for threadID := range touched {
		if _, err := tx.ExecContext(ctx, touch, now, threadID); err != nil {
			return fmt.Errorf("failed to update thread time: %w", err)
		}
	}
	return tx.Commit()
}

const messageColumns = `id, thread_id, resource_id, role, content, type, created_at`

// ListMessages returns the newest limit messages in chronological order. A
// limit <= 0 returns the whole thread.
func (s *SQLStore) ListMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, s.db.Rebind(
			`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?`), threadID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.db.Rebind(
			`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY seq DESC`), threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// MessagesAround returns up to before messages preceding messageID, the message
// itself, and up to after messages following it, in chronological order. It
// returns NotFound when the message is not in the thread.
func (s *SQLStore) MessagesAround(ctx context.Context, threadID, messageID string, before, after int) ([]*Message, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT seq FROM messages WHERE id = ? AND thread_id = ?`), messageID, threadID).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("messages around", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate message: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`), threadID, seq, before)
	if err != nil {
		return nil, fmt.Errorf("failed to get preceding messages: %w", err)
	}
	prev, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(prev)

	rows, err = s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`), threadID, seq, after+1)
	if err != nil {
		return nil, fmt.Errorf("failed to get following messages: %w", err)
	}
	next, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return append(prev, next...), nil
}

// CountMessages returns the number of messages in a thread.
func (s *SQLStore) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM messages WHERE thread_id = ?`), threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*Thread, error) {
	var (
		t    Thread
		meta []byte
	)
	if err := row.Scan(&t.ID, &t.ResourceID, &t.Title, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode thread metadata: %w", err)
		}
	}
	return &t, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.ResourceID, &role, &m.Content, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = Role(role)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode thread metadata: %w", err)
	}
	return string(b), nil
}

func reverse(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
