package workingmemory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/conversation"
)

// MetadataKey is the thread metadata field holding the working memory blob.
const MetadataKey = "workingMemory"

// ThreadStore is the part of the conversation store BlobStore needs.
type ThreadStore interface {
	GetThreadByID(ctx context.Context, id string) (*conversation.Thread, error)
	UpdateThread(ctx context.Context, id, title string, metadata map[string]any) (*conversation.Thread, error)
}

// BlobStore keeps the whole working memory as one JSON value inside the
// thread's metadata. Every Set is a read-modify-write of the full blob: two
// writers on the same thread can lose each other's update. Use RowStore when
// a thread may be written concurrently.
type BlobStore struct {
	threads ThreadStore
}

func NewBlobStore(threads ThreadStore) *BlobStore {
	return &BlobStore{threads: threads}
}

func (s *BlobStore) thread(ctx context.Context, userID, threadID string) (*conversation.Thread, error) {
	t, err := s.threads.GetThreadByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.ResourceID != userID {
		return nil, nil
	}
	return t, nil
}

// Get returns the empty state when the thread or its blob is missing.
func (s *BlobStore) Get(ctx context.Context, userID, threadID string) (*Progress, error) {
	t, err := s.thread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return NewProgress(), nil
	}
	return decodeBlob(t.Metadata[MetadataKey])
}

// Set returns NotFound when the thread does not exist.
func (s *BlobStore) Set(ctx context.Context, userID, threadID, key string, value any) error {
	t, err := s.thread(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.NotFound("set working memory", threadID)
	}

	p, err := decodeBlob(t.Metadata[MetadataKey])
	if err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := applyKey(p, key, raw); err != nil {
		return err
	}
	blob, err := encodeBlob(p)
	if err != nil {
		return err
	}

	meta := copyMetadata(t.Metadata)
	meta[MetadataKey] = blob
	if _, err := s.threads.UpdateThread(ctx, t.ID, t.Title, meta); err != nil {
		return fmt.Errorf("failed to set working memory %q: %w", key, err)
	}
	return nil
}

// Clear removes the blob. A missing thread has nothing to clear.
func (s *BlobStore) Clear(ctx context.Context, userID, threadID string) error {
	t, err := s.thread(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	if _, ok := t.Metadata[MetadataKey]; !ok {
		return nil
	}
	meta := copyMetadata(t.Metadata)
	delete(meta, MetadataKey)
	if _, err := s.threads.UpdateThread(ctx, t.ID, t.Title, meta); err != nil {
		return fmt.Errorf("failed to clear working memory: %w", err)
	}
	return nil
}

func decodeBlob(v any) (*Progress, error) {
	p := NewProgress()
	if v == nil {
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to read working memory blob: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode working memory blob: %w", err)
	}
	for key, raw := range fields {
		if key == "customData" {
			var custom map[string]json.RawMessage
			if err := json.Unmarshal(raw, &custom); err != nil {
				return nil, fmt.Errorf("failed to decode working memory custom data: %w", err)
			}
			for k, v := range custom {
				setCustom(p, k, v)
			}
			continue
		}
		if err := applyKey(p, key, raw); err != nil {
			return nil, err
		}
	}
	if p.Phase == "" {
		p.Phase = PhaseInitial
	}
	return p, nil
}

func encodeBlob(p *Progress) (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode working memory blob: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to encode working memory blob: %w", err)
	}
	return out, nil
}

func copyMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
