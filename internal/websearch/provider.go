// Package websearch queries public search engines.
package websearch

import (
	"context"
	"strings"
	"time"

	"github.com/hession/researchmate/internal/logger"
)

var log = logger.Named("websearch")

// Result is a single search result entry.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// Response is a normalized search response.
type Response struct {
	Query    string   `json:"query"`
	Provider string   `json:"provider"`
	Results  []Result `json:"results"`
}

// Provider performs web searches.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) (Response, error)
}

// Options configures NewProvider.
type Options struct {
	Provider  string // duckduckgo (default) | searxng
	BaseURL   string
	UserAgent string
	APIKey    string
	Timeout   time.Duration
}

// NewProvider builds the configured provider. Unknown names fall back to
// DuckDuckGo.
func NewProvider(opts Options) Provider {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "searxng":
		return NewSearXNGProvider(opts.BaseURL, opts.UserAgent, opts.APIKey, opts.Timeout)
	case "duckduckgo", "ddg", "":
		return NewDuckDuckGoProvider(opts.BaseURL, opts.UserAgent, opts.Timeout)
	default:
		log.Warn("unknown web search provider %q, using duckduckgo", opts.Provider)
		return NewDuckDuckGoProvider(opts.BaseURL, opts.UserAgent, opts.Timeout)
	}
}
