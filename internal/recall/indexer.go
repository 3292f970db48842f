package recall

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hession/researchmate/internal/conversation"
	"github.com/hession/researchmate/internal/embedding"
	"github.com/hession/researchmate/internal/vector"
)

// Metadata keys stored with every message vector.
const (
	MetaThreadID   = "thread_id"
	MetaResourceID = "resource_id"
	MetaMessageID  = "message_id"
	MetaRole       = "role"
)

// DefaultIndexName is the vector index holding message embeddings.
const DefaultIndexName = "messages"

// Indexer embeds persisted messages into the vector index.
type Indexer struct {
	embedder embedding.Embedder
	index    vector.Index
	name     string

	mu    sync.Mutex
	ready bool
}

func NewIndexer(embedder embedding.Embedder, index vector.Index, name string) *Indexer {
	if name == "" {
		name = DefaultIndexName
	}
	return &Indexer{embedder: embedder, index: index, name: name}
}

// IndexName returns the vector index name.
func (x *Indexer) IndexName() string { return x.name }

// ensure creates the index on first use. A failed attempt is retried on the
// next call.
func (x *Indexer) ensure(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ready {
		return nil
	}
	if err := vector.EnsureIndex(ctx, x.index, x.name, x.embedder.Dimension()); err != nil {
		return err
	}
	x.ready = true
	return nil
}

// Index embeds and upserts the messages. Messages with no text are skipped.
func (x *Indexer) Index(ctx context.Context, msgs []*conversation.Message) error {
	var (
		texts []string
		keep  []*conversation.Message
	)
	for _, m := range msgs {
		if text := strings.TrimSpace(m.Text()); text != "" {
			texts = append(texts, text)
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	if err := x.ensure(ctx); err != nil {
		return err
	}

	vecs, err := x.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed messages: %w", err)
	}
	if len(vecs) != len(keep) {
		return fmt.Errorf("embedder returned %d vectors for %d messages", len(vecs), len(keep))
	}

	records := make([]vector.Record, len(keep))
	for i, m := range keep {
		records[i] = vector.Record{
			ID:     m.ID,
			Vector: vecs[i],
			Metadata: map[string]string{
				MetaThreadID:   m.ThreadID,
				MetaResourceID: m.ResourceID,
				MetaMessageID:  m.ID,
				MetaRole:       string(m.Role),
			},
		}
	}
	return x.index.Upsert(ctx, x.name, records)
}

// DeleteThread removes every vector of a thread.
func (x *Indexer) DeleteThread(ctx context.Context, threadID string) error {
	if err := x.ensure(ctx); err != nil {
		return err
	}
	return x.index.Delete(ctx, x.name, map[string]string{MetaThreadID: threadID})
}
