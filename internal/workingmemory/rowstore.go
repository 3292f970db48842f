package workingmemory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hession/researchmate/internal/sqldb"
)

// RowStore persists each working memory key as its own row, keyed by
// (user_id, thread_id, key). Writes to different keys never conflict.
type RowStore struct {
	db *sqldb.DB
}

// NewRowStore creates the working_memory table if needed.
func NewRowStore(db *sqldb.DB) (*RowStore, error) {
	s := &RowStore{db: db}
	err := db.ExecAll(
		db.Pick(
			`CREATE TABLE IF NOT EXISTS working_memory (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				thread_id TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				UNIQUE (user_id, thread_id, key)
			)`,
			`CREATE TABLE IF NOT EXISTS working_memory (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				thread_id TEXT NOT NULL,
				key TEXT NOT NULL,
				value JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				UNIQUE (user_id, thread_id, key)
			)`,
		),
		`CREATE INDEX IF NOT EXISTS idx_working_memory_user_thread ON working_memory(user_id, thread_id)`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize working memory table: %w", err)
	}
	return s, nil
}

// Get assembles the state from all rows of (userID, threadID).
func (s *RowStore) Get(ctx context.Context, userID, threadID string) (*Progress, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT key, value FROM working_memory WHERE user_id = ? AND thread_id = ?`), userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get working memory: %w", err)
	}
	defer rows.Close()

	p := NewProgress()
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan working memory: %w", err)
		}
		if err := applyKey(p, key, value); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read working memory: %w", err)
	}
	if p.Phase == "" {
		p.Phase = PhaseInitial
	}
	return p, nil
}

// Set upserts a single key.
func (s *RowStore) Set(ctx context.Context, userID, threadID, key string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO working_memory (id, user_id, thread_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, thread_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		uuid.New().String(), userID, threadID, key, string(raw), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set working memory %q: %w", key, err)
	}
	return nil
}

// Clear deletes every key of (userID, threadID).
func (s *RowStore) Clear(ctx context.Context, userID, threadID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM working_memory WHERE user_id = ? AND thread_id = ?`), userID, threadID)
	if err != nil {
		return fmt.Errorf("failed to clear working memory: %w", err)
	}
	return nil
}

// ClearUser deletes every thread's working memory for userID.
func (s *RowStore) ClearUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM working_memory WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to clear user working memory: %w", err)
	}
	return nil
}
