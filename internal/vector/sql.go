package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hession/researchmate/internal/sqldb"
)

// SQLIndex stores vectors as BLOBs and scores them in Go. It works on both
// SQLite and PostgreSQL and needs no extension, at the cost of a full scan of
// the index per query.
type SQLIndex struct {
	db *sqldb.DB
}

func NewSQLIndex(db *sqldb.DB) (*SQLIndex, error) {
	s := &SQLIndex{db: db}
	blob := db.Pick("BLOB", "BYTEA")
	ts := db.Pick("DATETIME", "TIMESTAMPTZ")
	err := db.ExecAll(
		`CREATE TABLE IF NOT EXISTS vector_indexes (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL,
			created_at `+ts+` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vector_records (
			index_name TEXT NOT NULL,
			id TEXT NOT NULL,
			vector `+blob+` NOT NULL,
			norm REAL NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			updated_at `+ts+` NOT NULL,
			PRIMARY KEY (index_name, id)
		)`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector tables: %w", err)
	}
	return s, nil
}

func (s *SQLIndex) CreateIndex(ctx context.Context, name string, dimension int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO vector_indexes (name, dimension, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING`), name, dimension, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}

func (s *SQLIndex) ListIndexes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM vector_indexes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vector indexes: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan vector index: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLIndex) DeleteIndex(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM vector_records WHERE index_name = ?`), name); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM vector_indexes WHERE name = ?`), name); err != nil {
		return fmt.Errorf("failed to delete vector index: %w", err)
	}
	return tx.Commit()
}

func (s *SQLIndex) dimension(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT dimension FROM vector_indexes WHERE name = ?`), name).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get vector index: %w", err)
	}
	return dim, nil
}

func (s *SQLIndex) Upsert(ctx context.Context, name string, records []Record) error {
	dim, err := s.dimension(ctx, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.db.Rebind(
		`INSERT INTO vector_records (index_name, id, vector, norm, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(index_name, id) DO UPDATE SET
			vector = excluded.vector,
			norm = excluded.norm,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		if err := checkDimension(dim, r.Vector); err != nil {
			return err
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode vector metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, name, r.ID, vectorToBlob(r.Vector), norm(r.Vector), string(meta), now); err != nil {
			return fmt.Errorf("failed to store vector: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLIndex) Query(ctx context.Context, name string, q Query) ([]Result, error) {
	dim, err := s.dimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(dim, q.Vector); err != nil {
		return nil, err
	}
	qnorm := norm(q.Vector)
	if qnorm == 0 {
		return nil, ErrZeroVector
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, vector, norm, metadata FROM vector_records WHERE index_name = ?`), name)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id       string
			blob     []byte
			n        float64
			metaJSON []byte
		)
		if err := rows.Scan(&id, &blob, &n, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		if n == 0 {
			continue
		}
		var meta map[string]string
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			continue
		}
		if !matches(meta, q.Filter) {
			continue
		}
		score := dot(q.Vector, blobToVector(blob)) / (qnorm * n)
		if score >= q.MinScore {
			results = append(results, Result{ID: id, Score: score, Metadata: meta})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vectors: %w", err)
	}
	return rank(results, q.TopK), nil
}

// Delete scans the index and removes records matching filter.
func (s *SQLIndex) Delete(ctx context.Context, name string, filter map[string]string) error {
	if len(filter) == 0 {
		return errEmptyFilter("delete vectors")
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, metadata FROM vector_records WHERE index_name = ?`), name)
	if err != nil {
		return fmt.Errorf("failed to query vectors: %w", err)
	}
	var ids []string
	for rows.Next() {
		var (
			id       string
			metaJSON []byte
			meta     map[string]string
		)
		if err := rows.Scan(&id, &metaJSON); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan vector: %w", err)
		}
		if json.Unmarshal(metaJSON, &meta) == nil && matches(meta, filter) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read vectors: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM vector_records WHERE index_name = ? AND id = ?`), name, id); err != nil {
			return fmt.Errorf("failed to delete vector: %w", err)
		}
	}
	return nil
}
