package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/hession/researchmate/internal/knowledge"
)

// KnowledgeBase is the part of the knowledge base the tools use.
type KnowledgeBase interface {
	Add(ctx context.Context, docs []knowledge.Document) ([]string, error)
	Search(ctx context.Context, req knowledge.SearchRequest) (knowledge.Results, error)
	Collections() []string
}

// StoreKnowledgeTool adds a document to the knowledge base.
type StoreKnowledgeTool struct {
	kb KnowledgeBase
}

func NewStoreKnowledgeTool(kb KnowledgeBase) *StoreKnowledgeTool { return &StoreKnowledgeTool{kb: kb} }

func (t *StoreKnowledgeTool) Name() string { return "store_knowledge" }

func (t *StoreKnowledgeTool) Description() string {
	return fmt.Sprintf("Store a piece of research in the long-term knowledge base. Collections: %s.",
		strings.Join(t.kb.Collections(), ", "))
}

func (t *StoreKnowledgeTool) Parameters() []ParameterDef {
	return []ParameterDef{
		{Name: "collection", Type: "string", Description: "Target collection", Required: true},
		{Name: "content", Type: "string", Description: "Text to store", Required: true},
		{Name: "metadata", Type: "object", Description: "Flat key/value metadata, e.g. source or title", Required: false},
	}
}

func (t *StoreKnowledgeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	collection, err := requiredString(args, "collection")
	if err != nil {
		return "", err
	}
	content, err := requiredString(args, "content")
	if err != nil {
		return "", err
	}
	meta := map[string]string{}
	if raw, ok := args["metadata"].(map[string]any); ok {
		for k, v := range raw {
			meta[k] = fmt.Sprint(v)
		}
	}
	ids, err := t.kb.Add(ctx, []knowledge.Document{{Collection: collection, Content: content, Metadata: meta}})
	if err != nil {
		return "", err
	}
	log.Info("stored knowledge %s in %s", ids[0], collection)
	return encode(map[string]any{"stored": true, "id": ids[0], "collection": collection})
}

// RetrieveKnowledgeTool searches the knowledge base.
type RetrieveKnowledgeTool struct {
	kb KnowledgeBase
}

func NewRetrieveKnowledgeTool(kb KnowledgeBase) *RetrieveKnowledgeTool {
	return &RetrieveKnowledgeTool{kb: kb}
}

func (t *RetrieveKnowledgeTool) Name() string { return "retrieve_knowledge" }

func (t *RetrieveKnowledgeTool) Description() string {
	return "Search the long-term knowledge base for earlier reports, notes and references."
}

func (t *RetrieveKnowledgeTool) Parameters() []ParameterDef {
	return []ParameterDef{
		{Name: "query", Type: "string", Description: "What to look for", Required: true},
		{Name: "collections", Type: "string", Description: "Comma-separated collections, default all", Required: false},
		{Name: "top_k", Type: "number", Description: "Maximum results", Required: false},
		{Name: "min_score", Type: "number", Description: "Minimum similarity between 0 and 1", Required: false},
	}
}

func (t *RetrieveKnowledgeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return "", err
	}
	req := knowledge.SearchRequest{Query: query}
	for _, c := range strings.Split(optionalString(args, "collections"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			req.Collections = append(req.Collections, c)
		}
	}
	if k, ok := args["top_k"].(float64); ok && k > 0 {
		req.TopK = int(k)
	}
	if s, ok := args["min_score"].(float64); ok {
		req.MinScore = &s
	}
	res, err := t.kb.Search(ctx, req)
	if err != nil {
		return "", err
	}
	for i := range res.Hits {
		res.Hits[i].Content = truncate(res.Hits[i].Content, maxKnowledgeChars)
	}
	return encode(res)
}

const maxKnowledgeChars = 2000
