package websearch

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SearXNGProvider queries a self-hosted SearXNG instance through its JSON
// output format, which must be enabled in the instance settings.
type SearXNGProvider struct {
	engine
	apiKey string
}

func NewSearXNGProvider(baseURL, userAgent, apiKey string, timeout time.Duration) *SearXNGProvider {
	return &SearXNGProvider{
		engine: newEngine("searxng", baseURL, "http://localhost:8080", userAgent, timeout),
		apiKey: strings.TrimSpace(apiKey),
	}
}

func (p *SearXNGProvider) Name() string { return p.name }

type searxngHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searxngPage struct {
	Results []searxngHit `json:"results"`
}

func (p *SearXNGProvider) Search(ctx context.Context, query string, limit int) (Response, error) {
	query, err := cleanQuery(query)
	if err != nil {
		return Response{}, err
	}
	c := newCollector(p.name, limit)

	params := url.Values{
		"q":          {query},
		"format":     {"json"},
		"categories": {"general"},
		"language":   {"auto"},
		"safesearch": {"1"},
		"count":      {strconv.Itoa(c.limit)},
	}
	if p.apiKey != "" {
		params.Set("apikey", p.apiKey)
	}
	var page searxngPage
	if err := p.getJSON(ctx, "/search", params, &page); err != nil {
		return Response{}, err
	}

	for _, hit := range page.Results {
		c.add(hit.Title, hit.URL, hit.Content)
	}
	return c.response(query), nil
}
