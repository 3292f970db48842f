package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultUserAgent = "ResearchMate/0.1"
	defaultTimeout   = 15 * time.Second
	defaultLimit     = 5
	maxErrorBody     = 512
)

// engine is the HTTP plumbing shared by the JSON search backends.
type engine struct {
	name      string
	baseURL   string
	userAgent string
	client    *http.Client
}

func newEngine(name, baseURL, fallbackURL, userAgent string, timeout time.Duration) engine {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = fallbackURL
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return engine{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// getJSON issues GET baseURL+path?params and decodes the body into out.
func (e engine) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint, err := url.Parse(e.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if path != "" {
		endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	}
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", e.name, err)
	}
	defer resp.Body.Close()
	log.Debug("%s %s -> %d in %s", e.name, params.Get("q"), resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s request failed with status %d: %s", e.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", e.name, err)
	}
	return nil
}

// collector gathers at most limit results, dropping blank and repeated URLs.
type collector struct {
	source  string
	limit   int
	seen    map[string]bool
	results []Result
}

func newCollector(source string, limit int) *collector {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &collector{source: source, limit: limit, seen: make(map[string]bool), results: make([]Result, 0, limit)}
}

func (c *collector) full() bool { return len(c.results) >= c.limit }

func (c *collector) add(title, link, snippet string) {
	link = strings.TrimSpace(link)
	if c.full() || link == "" || c.seen[link] {
		return
	}
	c.seen[link] = true
	c.results = append(c.results, Result{
		Title:   strings.TrimSpace(title),
		URL:     link,
		Snippet: strings.TrimSpace(snippet),
		Source:  c.source,
	})
}

func (c *collector) response(query string) Response {
	return Response{Query: query, Provider: c.source, Results: c.results}
}

func cleanQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query cannot be empty")
	}
	return query, nil
}
