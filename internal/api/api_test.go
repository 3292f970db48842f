package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hession/researchmate/internal/api"
	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/conversation"
	"github.com/hession/researchmate/internal/embedding"
	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/memory"
	"github.com/hession/researchmate/internal/recall"
	"github.com/hession/researchmate/internal/report"
	"github.com/hession/researchmate/internal/sqldb"
	"github.com/hession/researchmate/internal/vector"
	"github.com/hession/researchmate/internal/workingmemory"
)

type echoModel struct {
	err error
}

func (m *echoModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if wm, ok := workingmemory.FromContext(ctx); ok {
		wm.MarkQueryCompleted("seen")
	}
	return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
}

type server struct {
	handler http.Handler
	model   *echoModel
	svc     *memory.Service
}

func newServer(t *testing.T, opts api.Options) *server {
	t.Helper()
	return newServerWith(t, func(*memory.Service, embedding.Embedder, vector.Index) api.Options { return opts })
}

// newServerWith builds the router from options that depend on the wired service.
func newServerWith(t *testing.T, build func(svc *memory.Service, emb embedding.Embedder, idx vector.Index) api.Options) *server {
	t.Helper()
	db, err := sqldb.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := conversation.NewSQLStore(db)
	require.NoError(t, err)
	rows, err := workingmemory.NewRowStore(db)
	require.NoError(t, err)

	emb := embedding.NewHashingEmbedder(64)
	idx := vector.NewChromemIndex()
	model := &echoModel{}
	svc := memory.NewService(store, workingmemory.NewService(rows), workingmemory.NewRegistry(),
		recall.NewAssembler(store, emb, idx), model,
		memory.WithIndexer(recall.NewIndexer(emb, idx, "")))

	return &server{handler: api.NewRouter(svc, build(svc, emb, idx)), model: model, svc: svc}
}

func (s *server) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestHealth(t *testing.T) {
	s := newServer(t, api.Options{Checks: []api.HealthCheck{
		{Name: "db", Check: func(context.Context) error { return nil }},
	}})
	w, body := s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	s = newServer(t, api.Options{Checks: []api.HealthCheck{
		{Name: "model", Check: func(context.Context) error { return errors.New("circuit open") }},
	}})
	w, body = s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestAuth(t *testing.T) {
	s := newServer(t, api.Options{APIKey: "secret-token"})

	w, body := s.do(t, "GET", "/threads", "u1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, body["success"])

	req := httptest.NewRequest("GET", "/threads", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set(api.UserHeader, "u1")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserIdentityRequired(t *testing.T) {
	s := newServer(t, api.Options{})
	w, body := s.do(t, "GET", "/threads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Not authenticated", body["error"])
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, api.Options{RateLimitRPS: 0.01, RateLimitBurst: 2})
	for i := 0; i < 2; i++ {
		w, _ := s.do(t, "GET", "/threads", "u1", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w, body := s.do(t, "GET", "/threads", "u1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", body["code"])
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t, api.Options{AllowedOrigins: []string{"https://app.example"}})
	req := httptest.NewRequest("OPTIONS", "/chat", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestChatAndHistory(t *testing.T) {
	s := newServer(t, api.Options{})

	w, body := s.do(t, "POST", "/chat", "u1", map[string]any{"threadId": "t1", "message": "hello"})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, true, body["success"])
	asst := body["assistantMessage"].(map[string]any)
	assert.Equal(t, "echo: hello", asst["content"])
	assert.Equal(t, "assistant", asst["role"])

	w, body = s.do(t, "GET", "/history?threadId=t1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].(map[string]any)["content"])

	// another user cannot read the thread
	w, _ = s.do(t, "GET", "/history?threadId=t1", "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = s.do(t, "GET", "/history?threadId=nope", "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["messages"])
}

func TestChatValidation(t *testing.T) {
	s := newServer(t, api.Options{})

	w, body := s.do(t, "POST", "/chat", "u1", map[string]any{"threadId": "t1", "message": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "threadId and message are required", body["error"])

	w, _ = s.do(t, "GET", "/history", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatModelUnavailable(t *testing.T) {
	s := newServer(t, api.Options{})
	s.model.err = apperr.Transient("generate", errors.New("upstream down"))

	w, body := s.do(t, "POST", "/chat", "u1", map[string]any{"threadId": "t1", "message": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, body["success"])
}

func TestThreadLifecycle(t *testing.T) {
	s := newServer(t, api.Options{})

	w, body := s.do(t, "POST", "/threads", "u1", map[string]any{"title": "Orion"})
	require.Equal(t, http.StatusOK, w.Code)
	thread := body["thread"].(map[string]any)
	id := thread["id"].(string)
	assert.Equal(t, "Orion", thread["title"])

	// body is optional
	w, body = s.do(t, "POST", "/threads", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, memory.DefaultThreadTitle, body["thread"].(map[string]any)["title"])

	w, body = s.do(t, "GET", "/threads", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["threads"], 2)

	w, body = s.do(t, "PUT", "/threads/"+id, "u1", map[string]any{"title": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Renamed", body["thread"].(map[string]any)["title"])

	w, _ = s.do(t, "PUT", "/threads/"+id, "u1", map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, "GET", "/threads/"+id, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = s.do(t, "POST", "/threads/cleanup", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["deleted"])
	assert.Equal(t, float64(0), body["kept"])

	w, _ = s.do(t, "DELETE", "/threads/"+id, "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkingMemoryRoutes(t *testing.T) {
	s := newServer(t, api.Options{})
	w, _ := s.do(t, "POST", "/chat", "u1", map[string]any{"threadId": "t1", "message": "start"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, "GET", "/threads/t1/memory", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wm := body["workingMemory"].(map[string]any)
	assert.Equal(t, []any{"seen"}, wm["completedQueries"])
	assert.Equal(t, "initial", wm["phase"])

	w, _ = s.do(t, "POST", "/threads/t1/memory/finding", "u1", map[string]any{"finding": "Orion build compromised", "source": "https://a"})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, "POST", "/threads/t1/memory/insight", "u1", map[string]any{"insight": "supply chain"})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, "PUT", "/threads/t1/memory/phase", "u1", map[string]any{"phase": "analysis"})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, "PUT", "/threads/t1/memory/phase", "u1", map[string]any{"phase": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, "PUT", "/threads/t1/memory", "u1", map[string]any{"key": "followUpQuestions", "value": []string{"who", "seen"}})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, "PUT", "/threads/t1/memory", "u1", map[string]any{"key": "insights", "value": 42})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, "GET", "/threads/t1/memory", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wm = body["workingMemory"].(map[string]any)
	assert.Equal(t, "analysis", wm["phase"])
	assert.Equal(t, []any{"supply chain"}, wm["insights"])
	assert.Len(t, wm["findings"], 1)
	assert.Equal(t, []any{"who"}, body["remainingFollowUps"])
	assert.Contains(t, body["summary"], "Phase: analysis")

	w, _ = s.do(t, "GET", "/threads/t1/memory", "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = s.do(t, "GET", "/sessions", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body["sessions"], "t1")
	w, body = s.do(t, "GET", "/sessions", "u2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["sessions"])

	w, _ = s.do(t, "DELETE", "/threads/t1/memory", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, body = s.do(t, "GET", "/threads/t1/memory", "u1", nil)
	wm = body["workingMemory"].(map[string]any)
	assert.Empty(t, wm["insights"])
	assert.Equal(t, "initial", wm["phase"])
	_, ok := s.svc.Sessions().Lookup(memory.SessionKey("u1", "t1"))
	assert.False(t, ok)
}

func TestSessions_ColonUserIDsDoNotCollide(t *testing.T) {
	s := newServer(t, api.Options{})

	w, _ := s.do(t, "POST", "/chat", "alice:x", map[string]any{"threadId": "secret", "message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, "GET", "/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["sessions"])

	w, body = s.do(t, "GET", "/sessions", "alice:x", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := body["sessions"].(map[string]any)
	assert.Len(t, sessions, 1)
	assert.Contains(t, sessions, "secret")

	_, ok := s.svc.Sessions().Lookup(memory.SessionKey("alice", "x:secret"))
	assert.False(t, ok)
}

// reportModel answers the two report passes.
type reportModel struct{ calls int }

func (m *reportModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.calls++
	if m.calls == 1 {
		return "analysis of " + req.ResourceID, nil
	}
	return "# Report\n\nbody", nil
}

func newKnowledgeServer(t *testing.T) (*server, *reportModel) {
	t.Helper()
	rm := &reportModel{}
	s := newServerWith(t, func(svc *memory.Service, emb embedding.Embedder, idx vector.Index) api.Options {
		kb := knowledge.New(emb, idx)
		return api.Options{Knowledge: kb, Reports: report.New(svc, rm, report.Options{Knowledge: kb})}
	})
	return s, rm
}

func TestKnowledgeRoutes(t *testing.T) {
	s, _ := newKnowledgeServer(t)

	w, body := s.do(t, "GET", "/knowledge/collections", "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["collections"], 3)

	w, body = s.do(t, "POST", "/knowledge", "u1", map[string]any{"documents": []map[string]any{
		{"collection": "research_notes", "content": "lithium battery recycling rates", "metadata": map[string]string{"source": "notes"}},
		{"collection": "references", "content": "medieval castle architecture"},
	}})
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Len(t, body["ids"], 2)

	w, body = s.do(t, "GET", "/knowledge/search?q=lithium+battery+recycling&collections=research_notes&topK=1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, body)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	hit := results[0].(map[string]any)
	assert.Equal(t, "lithium battery recycling rates", hit["content"])
	assert.Equal(t, "research_notes", hit["collection"])

	w, _ = s.do(t, "POST", "/knowledge", "u1", map[string]any{"documents": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, "POST", "/knowledge", "u1", map[string]any{"documents": []map[string]any{{"collection": "nope", "content": "x"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, "GET", "/knowledge/search?q=x&topK=zero", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, "GET", "/knowledge/search", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKnowledgeRoutesAbsentWithoutBase(t *testing.T) {
	s := newServer(t, api.Options{})
	w, _ := s.do(t, "GET", "/knowledge/collections", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, "POST", "/threads/t1/report", "u1", nil)
	assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, w.Code)
}

func TestReportRoute(t *testing.T) {
	s, rm := newKnowledgeServer(t)

	w, _ := s.do(t, "POST", "/chat", "u1", map[string]any{"threadId": "t1", "message": "tell me about tides"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, "POST", "/threads/t1/report", "u1", map[string]any{"topic": "Tides"})
	require.Equal(t, http.StatusOK, w.Code, body)
	rep := body["report"].(map[string]any)
	assert.Equal(t, "Tides", rep["topic"])
	assert.Equal(t, "analysis of u1", rep["analysis"])
	assert.Equal(t, "# Report\n\nbody", rep["markdown"])
	assert.Equal(t, "report-t1", rep["knowledgeId"])
	assert.Equal(t, 2, rm.calls)

	w, _ = s.do(t, "POST", "/threads/t1/report", "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := s.svc.CreateThread(context.Background(), "u1", "")
	require.NoError(t, err)
	threads, err := s.svc.Threads(context.Background(), "u1")
	require.NoError(t, err)
	var empty string
	for _, th := range threads {
		if th.ID != "t1" {
			empty = th.ID
		}
	}
	w, _ = s.do(t, "POST", "/threads/"+empty+"/report", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
