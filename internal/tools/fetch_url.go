package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hession/researchmate/internal/workingmemory"
)

const defaultFetchMaxBytes = int64(200000)

// FetchURLTool retrieves a URL and returns content.
type FetchURLTool struct {
	userAgent      string
	timeout        time.Duration
	defaultMaxSize int64
	client         *http.Client
}

// NewFetchURLTool creates a URL fetch tool.
func NewFetchURLTool(userAgent string, timeout time.Duration) *FetchURLTool {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "ResearchMate/0.1"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FetchURLTool{
		userAgent:      userAgent,
		timeout:        timeout,
		defaultMaxSize: defaultFetchMaxBytes,
		client:         &http.Client{Timeout: timeout},
	}
}

func (t *FetchURLTool) Name() string {
	return "fetch_url"
}

func (t *FetchURLTool) Description() string {
	return "Fetch a URL and return readable content for downstream use. The URL is marked processed in working memory."
}

func (t *FetchURLTool) Parameters() []ParameterDef {
	return []ParameterDef{
		{
			Name:        "url",
			Type:        "string",
			Description: "URL to fetch",
			Required:    true,
		},
		{
			Name:        "max_bytes",
			Type:        "number",
			Description: "Maximum bytes to read from the response body",
			Required:    false,
		},
		{
			Name:        "strip_html",
			Type:        "boolean",
			Description: "Whether to strip HTML tags when content is HTML",
			Required:    false,
		},
	}
}

func (t *FetchURLTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, err := requiredString(args, "url")
	if err != nil {
		return "", err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		return "", fmt.Errorf("invalid url: %s", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme: %s", parsed.Scheme)
	}

	maxBytes := t.defaultMaxSize
	if val, ok := args["max_bytes"].(float64); ok && val > 0 {
		maxBytes = int64(val)
	}

	stripHTML := true
	if val, ok := args["strip_html"].(bool); ok {
		stripHTML = val
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	content := string(body)
	if stripHTML && strings.Contains(strings.ToLower(contentType), "text/html") {
		content = stripHTMLTags(content)
	}

	payload := map[string]any{
		"url":          parsed.String(),
		"status":       resp.StatusCode,
		"content_type": contentType,
		"content":      content,
	}
	if m, ok := workingmemory.FromContext(ctx); ok {
		payload["already_processed"] = m.IsURLProcessed(parsed.String())
		m.MarkURLProcessed(parsed.String())
	}

	return encode(payload)
}

var (
	scriptTag = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	allTags   = regexp.MustCompile(`(?s)<[^>]+>`)
)

func stripHTMLTags(input string) string {
	trimmed := scriptTag.ReplaceAllString(input, " ")
	trimmed = styleTag.ReplaceAllString(trimmed, " ")
	trimmed = allTags.ReplaceAllString(trimmed, " ")
	trimmed = html.UnescapeString(trimmed)
	return strings.Join(strings.Fields(trimmed), " ")
}
