// Package knowledge is a long-lived document store searched by meaning. It
// lives beside conversation recall on the same embedder and vector index,
// with one index per collection.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/embedding"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/vector"
)

var log = logger.Named("knowledge")

// Default collections.
const (
	CollectionReports    = "research_reports"
	CollectionNotes      = "research_notes"
	CollectionReferences = "references"
)

// DefaultCollections is used when none are configured.
var DefaultCollections = []string{CollectionReports, CollectionNotes, CollectionReferences}

// Metadata keys written on every document.
const (
	MetaContent    = "content"
	MetaCollection = "collection"
	MetaDateAdded  = "date_added"
	MetaPosition   = "position"
)

// indexPrefix keeps collection indexes apart from the message recall index.
const indexPrefix = "kb_"

var collectionName = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidCollectionName reports whether name can back an index.
func ValidCollectionName(name string) bool { return collectionName.MatchString(name) }

// Document is one stored text with free-form metadata.
type Document struct {
	ID         string            `json:"id,omitempty" yaml:"id"`
	Collection string            `json:"collection" yaml:"collection"`
	Content    string            `json:"content" yaml:"content"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Hit is a search match.
type Hit struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Score      float64           `json:"score"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchRequest selects documents similar to Query. Empty Collections means
// all of them; TopK <= 0 uses the base default.
type SearchRequest struct {
	Query       string
	Collections []string
	TopK        int
	MinScore    *float64
	Filter      map[string]string
}

// Results are hits sorted by descending score. Total counts every hit before
// the TopK cut.
type Results struct {
	Hits  []Hit `json:"results"`
	Total int   `json:"total"`
}

// Base stores and searches documents.
type Base struct {
	embedder    embedding.Embedder
	index       vector.Index
	collections []string
	topK        int
	minScore    float64
	now         func() time.Time
}

// Option configures a Base.
type Option func(*Base)

func WithCollections(names ...string) Option {
	return func(b *Base) {
		if len(names) > 0 {
			b.collections = append([]string(nil), names...)
		}
	}
}

// WithSearchDefaults sets the top-K and minimum score used when a request
// leaves them unset.
func WithSearchDefaults(topK int, minScore float64) Option {
	return func(b *Base) {
		if topK > 0 {
			b.topK = topK
		}
		b.minScore = minScore
	}
}

func WithClock(now func() time.Time) Option { return func(b *Base) { b.now = now } }

func New(embedder embedding.Embedder, index vector.Index, opts ...Option) *Base {
	b := &Base{
		embedder:    embedder,
		index:       index,
		collections: append([]string(nil), DefaultCollections...),
		topK:        5,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Collections returns the configured collection names.
func (b *Base) Collections() []string { return append([]string(nil), b.collections...) }

func (b *Base) known(name string) bool {
	for _, c := range b.collections {
		if c == name {
			return true
		}
	}
	return false
}

func indexName(collection string) string { return indexPrefix + collection }

// Initialize creates the index of every collection. A collection that fails
// is logged and the rest are still created.
func (b *Base) Initialize(ctx context.Context) error {
	var errs []error
	for _, c := range b.collections {
		if err := vector.EnsureIndex(ctx, b.index, indexName(c), b.embedder.Dimension()); err != nil {
			log.Warn("collection %s not initialized: %v", c, err)
			errs = append(errs, fmt.Errorf("collection %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// Add embeds and stores docs, returning their ids in order. Documents without
// an id get a fresh one; an existing id is replaced.
func (b *Base) Add(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return []string{}, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		if !b.known(d.Collection) {
			return nil, apperr.Invalid("add knowledge", fmt.Sprintf("unknown collection %q", d.Collection))
		}
		if strings.TrimSpace(d.Content) == "" {
			return nil, apperr.Invalid("add knowledge", "content is required")
		}
		texts[i] = d.Content
	}

	vecs, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(vecs) != len(docs) {
		return nil, fmt.Errorf("failed to embed documents: got %d vectors for %d documents", len(vecs), len(docs))
	}

	added := b.now().UTC().Format(time.RFC3339)
	ids := make([]string, len(docs))
	byCollection := make(map[string][]vector.Record)
	var order []string
	for i, d := range docs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			id = uuid.New().String()
		}
		ids[i] = id

		meta := make(map[string]string, len(d.Metadata)+4)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta[MetaContent] = d.Content
		meta[MetaCollection] = d.Collection
		meta[MetaPosition] = strconv.Itoa(i)
		if meta[MetaDateAdded] == "" {
			meta[MetaDateAdded] = added
		}

		if _, seen := byCollection[d.Collection]; !seen {
			order = append(order, d.Collection)
		}
		byCollection[d.Collection] = append(byCollection[d.Collection], vector.Record{ID: id, Vector: vecs[i], Metadata: meta})
	}

	for _, c := range order {
		name := indexName(c)
		if err := vector.EnsureIndex(ctx, b.index, name, len(vecs[0])); err != nil {
			return nil, fmt.Errorf("failed to create collection %s: %w", c, err)
		}
		if err := b.index.Upsert(ctx, name, byCollection[c]); err != nil {
			return nil, fmt.Errorf("failed to store documents in %s: %w", c, err)
		}
	}
	log.Info("stored %d documents in %s", len(docs), strings.Join(order, ", "))
	return ids, nil
}

// Search embeds the query once and merges matches across collections.
func (b *Base) Search(ctx context.Context, req SearchRequest) (Results, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Results{}, apperr.Invalid("search knowledge", "query is required")
	}
	collections := req.Collections
	if len(collections) == 0 {
		collections = b.collections
	}
	for _, c := range collections {
		if !b.known(c) {
			return Results{}, apperr.Invalid("search knowledge", fmt.Sprintf("unknown collection %q", c))
		}
	}
	topK := req.TopK
	if topK <= 0 {
		topK = b.topK
	}
	minScore := b.minScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return Results{}, fmt.Errorf("failed to embed query: %w", err)
	}

	hits := []Hit{}
	for _, c := range collections {
		found, err := b.index.Query(ctx, indexName(c), vector.Query{
			Vector:   vec,
			TopK:     topK,
			MinScore: minScore,
			Filter:   req.Filter,
		})
		if errors.Is(err, vector.ErrIndexNotFound) {
			continue
		}
		if err != nil {
			return Results{}, fmt.Errorf("failed to search %s: %w", c, err)
		}
		for _, r := range found {
			hits = append(hits, toHit(c, r))
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	total := len(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return Results{Hits: hits, Total: total}, nil
}

func toHit(collection string, r vector.Result) Hit {
	meta := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		if k == MetaContent {
			continue
		}
		meta[k] = v
	}
	return Hit{ID: r.ID, Collection: collection, Score: r.Score, Content: r.Metadata[MetaContent], Metadata: meta}
}
