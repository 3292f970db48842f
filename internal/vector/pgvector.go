package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/hession/researchmate/internal/sqldb"
)

// PgVectorIndex uses the pgvector extension and scores with cosine distance
// (<=>) inside PostgreSQL.
type PgVectorIndex struct {
	db *sqldb.DB
}

// NewPgVectorIndex requires a PostgreSQL handle with the vector extension
// available.
func NewPgVectorIndex(db *sqldb.DB) (*PgVectorIndex, error) {
	if db.Dialect != sqldb.Postgres {
		return nil, fmt.Errorf("pgvector index requires postgres, got %s", db.Dialect)
	}
	err := db.ExecAll(
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS pgvector_indexes (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pgvector_records (
			index_name TEXT NOT NULL REFERENCES pgvector_indexes(name) ON DELETE CASCADE,
			id TEXT NOT NULL,
			embedding vector NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (index_name, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pgvector_records_metadata ON pgvector_records USING GIN (metadata)`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pgvector tables: %w", err)
	}
	return &PgVectorIndex{db: db}, nil
}

func (s *PgVectorIndex) CreateIndex(ctx context.Context, name string, dimension int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pgvector_indexes (name, dimension, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`, name, dimension, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}

func (s *PgVectorIndex) ListIndexes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pgvector_indexes ORDER BY name`)
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

func (s *PgVectorIndex) DeleteIndex(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pgvector_indexes WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete vector index: %w", err)
	}
	return nil
}

func (s *PgVectorIndex) dimension(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM pgvector_indexes WHERE name = $1`, name).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get vector index: %w", err)
	}
	return dim, nil
}

func (s *PgVectorIndex) Upsert(ctx context.Context, name string, records []Record) error {
	dim, err := s.dimension(ctx, name)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, r := range records {
		if err := checkDimension(dim, r.Vector); err != nil {
			return err
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode vector metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pgvector_records (index_name, id, embedding, metadata, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (index_name, id) DO UPDATE SET
				embedding = excluded.embedding,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at`,
			name, r.ID, pgvector.NewVector(r.Vector), string(meta), now)
		if err != nil {
			return fmt.Errorf("failed to store vector: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PgVectorIndex) Query(ctx context.Context, name string, q Query) ([]Result, error) {
	dim, err := s.dimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(dim, q.Vector); err != nil {
		return nil, err
	}
	if norm(q.Vector) == 0 {
		return nil, ErrZeroVector
	}
	filter, err := json.Marshal(q.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vector filter: %w", err)
	}
	if q.Filter == nil {
		filter = []byte("{}")
	}
	limit := q.TopK
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata, 1 - (embedding <=> $1::vector) AS score
		FROM pgvector_records
		WHERE index_name = $2 AND metadata @> $3::jsonb
		ORDER BY embedding <=> $1::vector
		LIMIT $4`,
		pgvector.NewVector(q.Vector), name, string(filter), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r        Result
			metaJSON []byte
		)
		if err := rows.Scan(&r.ID, &metaJSON, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode vector metadata: %w", err)
		}
		if r.Score >= q.MinScore {
			results = append(results, r)
		}
	}
	return results, rows.Err()
}

func (s *PgVectorIndex) Delete(ctx context.Context, name string, filter map[string]string) error {
	if len(filter) == 0 {
		return errEmptyFilter("delete vectors")
	}
	f, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("failed to encode vector filter: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pgvector_records WHERE index_name = $1 AND metadata @> $2::jsonb`,
		name, string(f)); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}
