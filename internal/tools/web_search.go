package tools

import (
	"context"
	"fmt"

	"github.com/hession/researchmate/internal/websearch"
	"github.com/hession/researchmate/internal/workingmemory"
)

// WebSearchTool searches the web, skipping queries and URLs the session has
// already seen.
type WebSearchTool struct {
	provider     websearch.Provider
	defaultLimit int
}

// NewWebSearchTool creates a web search tool over provider.
func NewWebSearchTool(provider websearch.Provider, defaultLimit int) *WebSearchTool {
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	return &WebSearchTool{
		provider:     provider,
		defaultLimit: defaultLimit,
	}
}

func (t *WebSearchTool) Name() string {
	return "search_web"
}

func (t *WebSearchTool) Description() string {
	return "Search the web for fresh information. Queries already run and URLs already processed in this session are skipped."
}

func (t *WebSearchTool) Parameters() []ParameterDef {
	return []ParameterDef{
		{
			Name:        "query",
			Type:        "string",
			Description: "Search query",
			Required:    true,
		},
		{
			Name:        "limit",
			Type:        "number",
			Description: "Number of results to return (default from config)",
			Required:    false,
		},
	}
}

type searchPayload struct {
	Query         string              `json:"query"`
	Results       []websearch.Result  `json:"results"`
	SkippedURLs   []string            `json:"skippedUrls,omitempty"`
	Skipped       bool                `json:"skipped,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	WorkingMemory workingmemory.Stats `json:"workingMemory"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return "", err
	}
	m, err := session(ctx)
	if err != nil {
		return "", err
	}
	if t.provider == nil {
		return "", fmt.Errorf("web search is not configured")
	}

	if m.IsQueryCompleted(query) {
		return encode(searchPayload{
			Query:         query,
			Results:       []websearch.Result{},
			Skipped:       true,
			Reason:        "Query already completed in working memory",
			WorkingMemory: m.Stats(),
		})
	}

	limit := t.defaultLimit
	if val, ok := args["limit"].(float64); ok && val > 0 {
		limit = int(val)
	}

	resp, err := t.provider.Search(ctx, query, limit)
	if err != nil {
		return "", err
	}

	results := make([]websearch.Result, 0, len(resp.Results))
	var skipped []string
	for _, r := range resp.Results {
		if r.URL == "" {
			continue
		}
		if m.IsURLProcessed(r.URL) {
			skipped = append(skipped, r.URL)
			continue
		}
		results = append(results, r)
		m.MarkURLProcessed(r.URL)
	}
	m.MarkQueryCompleted(query)

	return encode(searchPayload{
		Query:         query,
		Results:       results,
		SkippedURLs:   skipped,
		WorkingMemory: m.Stats(),
	})
}
