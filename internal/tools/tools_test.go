package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/websearch"
	"github.com/hession/researchmate/internal/workingmemory"
)

type fakeProvider struct {
	calls   int
	results []websearch.Result
	err     error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Search(ctx context.Context, query string, limit int) (websearch.Response, error) {
	p.calls++
	if p.err != nil {
		return websearch.Response{}, p.err
	}
	return websearch.Response{Query: query, Provider: p.Name(), Results: p.results}, nil
}

func withSession(opts ...workingmemory.Option) (context.Context, *workingmemory.Memory) {
	m := workingmemory.New("test-session", opts...)
	return workingmemory.NewContext(context.Background(), m), m
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, s)
	}
	return out
}

func replying(reply string, err error) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (string, error) {
		return reply, err
	})
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	// Test registration
	tool := NewContextTool()
	err := registry.Register(tool)
	if err != nil {
		t.Fatalf("Failed to register tool: %v", err)
	}

	// Test duplicate registration
	err = registry.Register(tool)
	if err == nil {
		t.Error("Duplicate registration should return error")
	}

	// Test get
	got, exists := registry.Get("get_working_memory_context")
	if !exists {
		t.Error("Should be able to get registered tool")
	}
	if got.Name() != "get_working_memory_context" {
		t.Errorf("Tool name mismatch: expected get_working_memory_context, got %s", got.Name())
	}

	// Test get non-existent tool
	_, exists = registry.Get("not_exist")
	if exists {
		t.Error("Should not get unregistered tool")
	}

	if _, err := registry.Execute(context.Background(), "not_exist", nil); err == nil {
		t.Error("Executing unknown tool should return error")
	}
}

func TestGetSchemas(t *testing.T) {
	registry := NewResearchRegistry(Deps{Search: &fakeProvider{}})
	schemas := registry.GetSchemas()

	if len(schemas) != 7 {
		t.Errorf("Expected 7 tool schemas, got %d", len(schemas))
	}

	// Verify schema format
	for i, schema := range schemas {
		if schema.Type != "function" {
			t.Errorf("Schema type should be function, got %s", schema.Type)
		}
		if schema.Function.Name == "" {
			t.Error("Schema function name should not be empty")
		}
		if schema.Function.Description == "" {
			t.Error("Schema function description should not be empty")
		}
		if i > 0 && schemas[i-1].Function.Name > schema.Function.Name {
			t.Errorf("Schemas should be sorted, %s before %s", schemas[i-1].Function.Name, schema.Function.Name)
		}
	}

	if got := len(registry.LLMTools()); got != 7 {
		t.Errorf("Expected 7 llm tools, got %d", got)
	}
}

func TestWebSearchTool_Dedup(t *testing.T) {
	provider := &fakeProvider{results: []websearch.Result{
		{Title: "Seen", URL: "https://a.example"},
		{Title: "New", URL: "https://b.example"},
		{Title: "No URL"},
	}}
	tool := NewWebSearchTool(provider, 3)
	ctx, m := withSession()
	m.MarkURLProcessed("https://a.example")

	result, err := tool.Execute(ctx, map[string]any{"query": "go generics"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	payload := decode(t, result)
	results := payload["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("Expected 1 new result, got %d", len(results))
	}
	skipped := payload["skippedUrls"].([]any)
	if len(skipped) != 1 || skipped[0] != "https://a.example" {
		t.Errorf("Expected a.example skipped, got %v", skipped)
	}
	if !m.IsURLProcessed("https://b.example") {
		t.Error("New result URL should be marked processed")
	}
	if !m.IsQueryCompleted("go generics") {
		t.Error("Query should be marked completed")
	}

	// the same query again never reaches the provider
	result, err = tool.Execute(ctx, map[string]any{"query": "go generics"})
	if err != nil {
		t.Fatal(err)
	}
	if payload := decode(t, result); payload["skipped"] != true {
		t.Errorf("Repeated query should be skipped, got %v", payload)
	}
	if provider.calls != 1 {
		t.Errorf("Expected 1 provider call, got %d", provider.calls)
	}
}

func TestWebSearchTool_Errors(t *testing.T) {
	tool := NewWebSearchTool(&fakeProvider{}, 0)

	if _, err := tool.Execute(context.Background(), map[string]any{"query": "x"}); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}

	ctx, m := withSession()
	if _, err := tool.Execute(ctx, map[string]any{}); err == nil {
		t.Error("Missing parameter should return error")
	}

	failing := NewWebSearchTool(&fakeProvider{err: errors.New("boom")}, 0)
	if _, err := failing.Execute(ctx, map[string]any{"query": "x"}); err == nil {
		t.Error("Provider failure should return error")
	}
	if m.IsQueryCompleted("x") {
		t.Error("Failed query should not be marked completed")
	}
}

func TestFetchURLTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><style>p{}</style><script>x()</script></head><body><p>Hello &amp; welcome</p></body></html>`))
	}))
	defer server.Close()

	tool := NewFetchURLTool("", 0)
	ctx, m := withSession()

	result, err := tool.Execute(ctx, map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	payload := decode(t, result)
	if payload["content"] != "Hello & welcome" {
		t.Errorf("Unexpected content: %q", payload["content"])
	}
	if !m.IsURLProcessed(server.URL) {
		t.Error("Fetched URL should be marked processed")
	}

	// Test invalid input
	for _, raw := range []string{"not a url", "ftp://example.com/file"} {
		if _, err := tool.Execute(ctx, map[string]any{"url": raw}); err == nil {
			t.Errorf("Expected error for %q", raw)
		}
	}
}

func TestEvaluateResultTool_Fallback(t *testing.T) {
	tool := NewEvaluateResultTool(nil)
	ctx, m := withSession()
	args := map[string]any{"query": "q", "url": "https://a.example", "title": "A title", "content": "body"}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	payload := decode(t, result)
	if payload["isRelevant"] != true || payload["reason"] != "Assumed relevant (fallback)" {
		t.Errorf("Unexpected evaluation: %v", payload)
	}
	findings := m.Findings()
	if len(findings) != 1 || findings[0].Finding != "A title" {
		t.Errorf("Expected one finding titled A title, got %v", findings)
	}

	result, err = tool.Execute(ctx, args)
	if err != nil {
		t.Fatal(err)
	}
	payload = decode(t, result)
	if payload["skipped"] != true || payload["isRelevant"] != false {
		t.Errorf("Processed URL should be skipped, got %v", payload)
	}
	if len(m.Findings()) != 1 {
		t.Error("Skipped result should not add a finding")
	}
}

func TestEvaluateResultTool_Judge(t *testing.T) {
	tests := []struct {
		name         string
		gen          llm.Generator
		wantRelevant bool
		wantReason   string
	}{
		{"relevant", replying("```json\n{\"isRelevant\": true, \"reason\": \"on topic\"}\n```", nil), true, "on topic"},
		{"irrelevant", replying(`Sure: {"isRelevant": false, "reason": "off topic"}`, nil), false, "off topic"},
		{"model error", replying("", errors.New("down")), false, "Evaluation failed"},
		{"no json", replying("I think so", nil), false, "Evaluation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := NewEvaluateResultTool(NewJudge(tt.gen))
			ctx, m := withSession()
			result, err := tool.Execute(ctx, map[string]any{"query": "q", "url": "https://a.example", "content": "snippet text"})
			if err != nil {
				t.Fatal(err)
			}
			payload := decode(t, result)
			if payload["isRelevant"] != tt.wantRelevant || payload["reason"] != tt.wantReason {
				t.Errorf("got %v, want %v/%s", payload, tt.wantRelevant, tt.wantReason)
			}
			if !m.IsURLProcessed("https://a.example") {
				t.Error("Evaluated URL should be marked processed")
			}
			if got := len(m.Findings()); (got == 1) != tt.wantRelevant {
				t.Errorf("findings = %d, relevant = %v", got, tt.wantRelevant)
			}
		})
	}
}

func TestExtractLearningsTool(t *testing.T) {
	reply := `{"learning": "Generics landed in Go 1.18", "followUpQuestions": ["q1", "q2", "q1", "q3", "q4"]}`
	tool := NewExtractLearningsTool(NewJudge(replying(reply, nil)))
	ctx, m := withSession()

	result, err := tool.Execute(ctx, map[string]any{"query": "go generics", "url": "https://go.dev"})
	if err != nil {
		t.Fatal(err)
	}
	payload := decode(t, result)
	if payload["learning"] != "Generics landed in Go 1.18" {
		t.Errorf("Unexpected learning: %v", payload["learning"])
	}
	// capped at three, then deduplicated
	if got := m.FollowUpQuestions(); len(got) != 2 {
		t.Errorf("Expected 2 follow-up questions, got %v", got)
	}
	if got := m.Insights(); len(got) != 1 {
		t.Errorf("Expected 1 insight, got %v", got)
	}
	if f := m.Findings(); len(f) != 1 || f[0].Relevance != "learning" {
		t.Errorf("Expected one learning finding, got %v", f)
	}

	result, err = tool.Execute(ctx, map[string]any{"query": "go generics", "url": "https://go.dev"})
	if err != nil {
		t.Fatal(err)
	}
	if payload := decode(t, result); payload["learning"] != "Skipped duplicate URL" {
		t.Errorf("Expected duplicate skip, got %v", payload)
	}
}

func TestExtractLearningsTool_Failure(t *testing.T) {
	tool := NewExtractLearningsTool(NewJudge(replying("", errors.New("down"))))
	ctx, m := withSession()

	result, err := tool.Execute(ctx, map[string]any{"query": "q", "url": "https://a.example"})
	if err != nil {
		t.Fatal(err)
	}
	if payload := decode(t, result); payload["learning"] != "Extraction failed" {
		t.Errorf("Unexpected payload: %v", payload)
	}
	if len(m.Findings()) != 0 || !m.IsURLProcessed("https://a.example") {
		t.Error("Failed extraction adds nothing but marks the URL")
	}
}

func TestMemoryTools(t *testing.T) {
	ctx, m := withSession(workingmemory.WithStrictPhases(true))

	if _, err := NewRecordDecisionTool().Execute(ctx, map[string]any{"decision": "focus on Go", "reasoning": "team uses it"}); err != nil {
		t.Fatal(err)
	}
	if d := m.Decisions(); len(d) != 1 || d[0].Reasoning != "team uses it" {
		t.Errorf("Unexpected decisions: %v", d)
	}

	phase := NewSetPhaseTool()
	if _, err := phase.Execute(ctx, map[string]any{"phase": "analysis"}); err != nil {
		t.Fatal(err)
	}
	if m.Phase() != workingmemory.PhaseAnalysis {
		t.Errorf("Expected analysis, got %s", m.Phase())
	}
	if _, err := phase.Execute(ctx, map[string]any{"phase": "initial"}); !errors.Is(err, workingmemory.ErrInvalidPhaseTransition) {
		t.Errorf("Expected backwards transition error, got %v", err)
	}
	if _, err := phase.Execute(ctx, map[string]any{"phase": "done"}); !errors.Is(err, workingmemory.ErrInvalidPhase) {
		t.Errorf("Expected invalid phase error, got %v", err)
	}

	m.AddFinding("a finding", "https://a.example", "high")
	result, err := NewContextTool().Execute(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := decode(t, result)
	if !strings.Contains(payload["context"].(string), "a finding") {
		t.Errorf("Context should mention the finding: %v", payload["context"])
	}
	if len(payload["findings"].([]any)) != 1 {
		t.Errorf("Expected 1 finding, got %v", payload["findings"])
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`here you go: {"a":{"b":2}} thanks`, `{"a":{"b":2}}`},
		{"no object", ""},
		{"} backwards {", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
