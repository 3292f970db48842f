package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/hession/researchmate/internal/embedding"
	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/vector"
)

func newKnowledgeBase() *knowledge.Base {
	return knowledge.New(embedding.NewHashingEmbedder(128), vector.NewChromemIndex())
}

func TestStoreAndRetrieveKnowledge(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledgeBase()
	store := NewStoreKnowledgeTool(kb)
	retrieve := NewRetrieveKnowledgeTool(kb)

	if !strings.Contains(store.Description(), knowledge.CollectionNotes) {
		t.Errorf("Description should list collections, got %q", store.Description())
	}

	out, err := store.Execute(ctx, map[string]any{
		"collection": knowledge.CollectionNotes,
		"content":    "perovskite cells degrade quickly under humidity",
		"metadata":   map[string]any{"source": "https://example.org/perovskite", "year": float64(2023)},
	})
	if err != nil {
		t.Fatalf("store_knowledge failed: %v", err)
	}
	stored := decode(t, out)
	if stored["stored"] != true || stored["id"] == "" {
		t.Errorf("Unexpected store result: %v", stored)
	}

	_, err = store.Execute(ctx, map[string]any{
		"collection": knowledge.CollectionReferences,
		"content":    "a history of the printing press",
	})
	if err != nil {
		t.Fatalf("store_knowledge failed: %v", err)
	}

	out, err = retrieve.Execute(ctx, map[string]any{
		"query":       "perovskite humidity",
		"collections": " research_notes , ",
		"top_k":       float64(3),
	})
	if err != nil {
		t.Fatalf("retrieve_knowledge failed: %v", err)
	}
	res := decode(t, out)
	hits, _ := res["results"].([]any)
	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit from research_notes, got %v", res)
	}
	hit := hits[0].(map[string]any)
	if hit["id"] != stored["id"] {
		t.Errorf("Expected hit %v, got %v", stored["id"], hit["id"])
	}
	meta := hit["metadata"].(map[string]any)
	if meta["year"] != "2023" || meta["source"] != "https://example.org/perovskite" {
		t.Errorf("Metadata should be kept as strings, got %v", meta)
	}
}

func TestKnowledgeTools_Validation(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledgeBase()

	if _, err := NewStoreKnowledgeTool(kb).Execute(ctx, map[string]any{"collection": "notes"}); err == nil {
		t.Error("Expected error without content")
	}
	if _, err := NewStoreKnowledgeTool(kb).Execute(ctx, map[string]any{"collection": "Bad Name", "content": "x"}); err == nil {
		t.Error("Expected error for invalid collection")
	}
	if _, err := NewRetrieveKnowledgeTool(kb).Execute(ctx, map[string]any{}); err == nil {
		t.Error("Expected error without query")
	}
}

func TestResearchRegistry_KnowledgeTools(t *testing.T) {
	without := NewResearchRegistry(Deps{Search: &fakeProvider{}})
	if _, ok := without.Get("store_knowledge"); ok {
		t.Error("Knowledge tools should be absent without a knowledge base")
	}

	with := NewResearchRegistry(Deps{Search: &fakeProvider{}, Knowledge: newKnowledgeBase()})
	for _, name := range []string{"store_knowledge", "retrieve_knowledge"} {
		if _, ok := with.Get(name); !ok {
			t.Errorf("Expected %s to be registered", name)
		}
	}
	if n := len(with.List()); n != 9 {
		t.Errorf("Expected 9 tools, got %d", n)
	}
}
