package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

var errNoEmbedder = errors.New("chromem index stores precomputed embeddings only")

// ChromemIndex is an embedded, in-process index on chromem-go. One chromem
// collection backs each index. Contents are lost on restart.
type ChromemIndex struct {
	db *chromem.DB

	mu   sync.RWMutex
	dims map[string]int
}

func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{db: chromem.NewDB(), dims: make(map[string]int)}
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

func (s *ChromemIndex) CreateIndex(ctx context.Context, name string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dims[name]; ok {
		return nil
	}
	meta := map[string]string{"dimension": strconv.Itoa(dimension)}
	if _, err := s.db.GetOrCreateCollection(name, meta, noEmbedding); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	s.dims[name] = dimension
	return nil
}

func (s *ChromemIndex) ListIndexes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.dims))
	for n := range s.dims {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *ChromemIndex) DeleteIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dims[name]; !ok {
		return nil
	}
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to delete vector index: %w", err)
	}
	delete(s.dims, name)
	return nil
}

func (s *ChromemIndex) collection(name string) (*chromem.Collection, int, error) {
	s.mu.RLock()
	dim, ok := s.dims[name]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	col := s.db.GetCollection(name, noEmbedding)
	if col == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return col, dim, nil
}

// Upsert replaces documents with the same id.
func (s *ChromemIndex) Upsert(ctx context.Context, name string, records []Record) error {
	col, dim, err := s.collection(name)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := checkDimension(dim, r.Vector); err != nil {
			return err
		}
		if norm(r.Vector) == 0 {
			return fmt.Errorf("vector %s: %w", r.ID, ErrZeroVector)
		}
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		doc := chromem.Document{
			ID:        r.ID,
			Content:   r.ID,
			Embedding: normalize(append([]float32{}, r.Vector...)),
			Metadata:  meta,
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to store vector: %w", err)
		}
	}
	return nil
}

func (s *ChromemIndex) Query(ctx context.Context, name string, q Query) ([]Result, error) {
	col, dim, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(dim, q.Vector); err != nil {
		return nil, err
	}
	if norm(q.Vector) == 0 {
		return nil, ErrZeroVector
	}

	// chromem requires nResults <= the number of candidate documents
	limit := q.TopK
	if limit <= 0 || limit > col.Count() {
		limit = col.Count()
	}
	var where map[string]string
	if len(q.Filter) > 0 {
		where = q.Filter
	}

	// chromem scores by dot product, so both sides go in as unit vectors
	unit := normalize(append([]float32{}, q.Vector...))
	var found []chromem.Result
	for ; limit >= 1; limit-- {
		found, err = col.QueryEmbedding(ctx, unit, limit, where, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocs(err) {
			return nil, fmt.Errorf("failed to query vectors: %w", err)
		}
	}
	if limit < 1 {
		return nil, nil
	}

	results := make([]Result, 0, len(found))
	for _, f := range found {
		score := float64(f.Similarity)
		if score < q.MinScore {
			continue
		}
		results = append(results, Result{ID: f.ID, Score: score, Metadata: f.Metadata})
	}
	return rank(results, q.TopK), nil
}

func (s *ChromemIndex) Delete(ctx context.Context, name string, filter map[string]string) error {
	if len(filter) == 0 {
		return errEmptyFilter("delete vectors")
	}
	col, _, err := s.collection(name)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func isInsufficientDocs(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
