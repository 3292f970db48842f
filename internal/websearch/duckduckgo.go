package websearch

import (
	"context"
	"net/url"
	"time"
)

// DuckDuckGoProvider uses the DuckDuckGo instant answer API. It returns
// abstracts and related topics rather than a full result page.
type DuckDuckGoProvider struct {
	engine
}

func NewDuckDuckGoProvider(baseURL, userAgent string, timeout time.Duration) *DuckDuckGoProvider {
	return &DuckDuckGoProvider{engine: newEngine("duckduckgo", baseURL, "https://api.duckduckgo.com", userAgent, timeout)}
}

func (p *DuckDuckGoProvider) Name() string { return p.name }

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgAnswer struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Results       []ddgTopic `json:"Results"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, limit int) (Response, error) {
	query, err := cleanQuery(query)
	if err != nil {
		return Response{}, err
	}

	params := url.Values{
		"q":             {query},
		"format":        {"json"},
		"no_html":       {"1"},
		"skip_disambig": {"1"},
	}
	var answer ddgAnswer
	if err := p.getJSON(ctx, "", params, &answer); err != nil {
		return Response{}, err
	}

	c := newCollector(p.name, limit)
	if answer.AbstractText != "" {
		title := answer.Heading
		if title == "" {
			title = answer.AbstractText
		}
		c.add(title, answer.AbstractURL, answer.AbstractText)
	}
	for _, r := range answer.Results {
		c.add(r.Text, r.FirstURL, r.Text)
	}
	c.addTopics(answer.RelatedTopics)
	return c.response(query), nil
}

// addTopics flattens nested topic groups depth first.
func (c *collector) addTopics(topics []ddgTopic) {
	for _, t := range topics {
		if c.full() {
			return
		}
		if len(t.Topics) > 0 {
			c.addTopics(t.Topics)
			continue
		}
		c.add(t.Text, t.FirstURL, t.Text)
	}
}
