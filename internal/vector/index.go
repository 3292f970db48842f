// Package vector provides similarity search over message embeddings.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrIndexNotFound     = errors.New("vector index not found")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrZeroVector        = errors.New("query vector has zero norm")
)

// Record is one vector with its metadata.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Query selects the nearest records. Filter keeps only records whose metadata
// contains every key/value pair.
type Query struct {
	Vector   []float32
	TopK     int
	MinScore float64
	Filter   map[string]string
}

// Result is a match with its cosine similarity.
type Result struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// Index is the vector collaborator.
type Index interface {
	CreateIndex(ctx context.Context, name string, dimension int) error
	ListIndexes(ctx context.Context) ([]string, error)
	DeleteIndex(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, records []Record) error
	Query(ctx context.Context, name string, q Query) ([]Result, error)
	// Delete removes every record matching filter. An empty filter is rejected.
	Delete(ctx context.Context, name string, filter map[string]string) error
}

// EnsureIndex creates name unless it already exists.
func EnsureIndex(ctx context.Context, idx Index, name string, dimension int) error {
	names, err := idx.ListIndexes(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	return idx.CreateIndex(ctx, name, dimension)
}

func matches(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func checkDimension(want int, v []float32) error {
	if want > 0 && len(v) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, want, len(v))
	}
	return nil
}

// rank sorts by descending score and truncates to topK.
func rank(results []Result, topK int) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func errEmptyFilter(op string) error {
	return fmt.Errorf("%s: refusing to delete with an empty filter", op)
}
