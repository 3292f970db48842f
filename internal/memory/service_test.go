package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/conversation"
	"github.com/hession/researchmate/internal/embedding"
	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/recall"
	"github.com/hession/researchmate/internal/sqldb"
	"github.com/hession/researchmate/internal/vector"
	"github.com/hession/researchmate/internal/workingmemory"
)

// fakeModel records requests and answers with reply, or runs onTurn.
type fakeModel struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    string
	err      error
	onTurn   func(ctx context.Context, req llm.Request)
}

func (f *fakeModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.onTurn != nil {
		f.onTurn(ctx, req)
	}
	if f.err != nil {
		return "", f.err
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
}

func (f *fakeModel) last() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type env struct {
	svc      *Service
	store    conversation.Store
	wm       *workingmemory.Service
	index    vector.Index
	model    *fakeModel
	sessions *workingmemory.Registry
}

type envOptions struct {
	blob      bool
	wrapStore func(conversation.Store) conversation.Store
	wrapIndex func(vector.Index) vector.Index
}

func newEnv(t *testing.T, o envOptions) *env {
	t.Helper()
	db, err := sqldb.OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlStore, err := conversation.NewSQLStore(db)
	require.NoError(t, err)
	var store conversation.Store = sqlStore
	if o.wrapStore != nil {
		store = o.wrapStore(sqlStore)
	}

	var persistence workingmemory.Persistence
	if o.blob {
		persistence = workingmemory.NewBlobStore(sqlStore)
	} else {
		persistence, err = workingmemory.NewRowStore(db)
		require.NoError(t, err)
	}
	wm := workingmemory.NewService(persistence)
	sessions := workingmemory.NewRegistry()

	emb := embedding.NewHashingEmbedder(256)
	var idx vector.Index = vector.NewChromemIndex()
	if o.wrapIndex != nil {
		idx = o.wrapIndex(idx)
	}
	model := &fakeModel{}

	base := time.Date(2020, 1, 1, 8, 0, 0, 0, time.UTC)
	var tick int
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	svc := NewService(store, wm, sessions,
		recall.NewAssembler(store, emb, idx),
		model,
		WithIndexer(recall.NewIndexer(emb, idx, "")),
		WithSystemPrompt("You are a research assistant."),
		WithClock(clock),
	)
	return &env{svc: svc, store: store, wm: wm, index: idx, model: model, sessions: sessions}
}

func send(t *testing.T, e *env, user, thread, msg string) *SendResult {
	t.Helper()
	res, err := e.svc.Send(context.Background(), SendRequest{UserID: user, ThreadID: thread, Message: msg})
	require.NoError(t, err)
	return res
}

func TestSend_PersistsTurn(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	res := send(t, e, "u1", "t1", "hello there")
	assert.Equal(t, "t1", res.ThreadID)
	assert.Equal(t, "hello there", res.UserMessage.Content)
	assert.Equal(t, "echo: hello there", res.AssistantMessage.Content)
	assert.False(t, res.PersistenceFailed)
	assert.Empty(t, res.Warnings)

	history, err := e.svc.History(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, "hello there", history[0].Content)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)

	info, err := e.svc.Thread(ctx, "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, DefaultThreadTitle, info.Title)

	req := e.model.last()
	assert.Equal(t, "You are a research assistant.", req.System)
	assert.Equal(t, "u1", req.ResourceID)
}

func TestSend_IncludesRecentHistory(t *testing.T) {
	e := newEnv(t, envOptions{})
	send(t, e, "u1", "t1", "first question")
	send(t, e, "u1", "t1", "second question")

	msgs := e.model.last().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "second question", msgs[2].Content)
}

func TestSend_RecallsFromOtherThreads(t *testing.T) {
	e := newEnv(t, envOptions{})
	send(t, e, "u1", "old", "my favourite database is postgres with pgvector")
	send(t, e, "u2", "foreign", "my favourite database is postgres too")

	res := send(t, e, "u1", "new", "which database is my favourite")
	assert.False(t, res.RecallDegraded)

	system := e.model.last().System
	assert.Contains(t, system, "Relevant earlier messages")
	assert.Contains(t, system, "postgres with pgvector")
	assert.NotContains(t, system, "postgres too", "recall stays within the user")
}

func TestSend_RejectsEmptyMessage(t *testing.T) {
	e := newEnv(t, envOptions{})
	_, err := e.svc.Send(context.Background(), SendRequest{UserID: "u1", ThreadID: "t1", Message: "  \n"})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.True(t, apperr.IsInvalid(err))
	assert.Empty(t, e.model.requests)
}

func TestSend_ForeignThreadIsNotFound(t *testing.T) {
	e := newEnv(t, envOptions{})
	send(t, e, "u1", "t1", "mine")

	_, err := e.svc.Send(context.Background(), SendRequest{UserID: "u2", ThreadID: "t1", Message: "let me in"})
	assert.True(t, apperr.IsNotFound(err))

	_, err = e.svc.History(context.Background(), "u2", "t1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestSend_WorkingMemoryPrefix(t *testing.T) {
	for _, blob := range []bool{false, true} {
		t.Run(fmt.Sprintf("blob=%v", blob), func(t *testing.T) {
			e := newEnv(t, envOptions{blob: blob})
			ctx := context.Background()
			_, err := e.svc.GetOrCreateThread(ctx, "u1", "t1", "Research")
			require.NoError(t, err)

			// an empty summary is too short to prefix
			res, err := e.svc.Send(ctx, SendRequest{UserID: "u1", ThreadID: "t1", Message: "hi", IncludeWorkingMemory: true})
			require.NoError(t, err)
			assert.Equal(t, "hi", e.model.last().Messages[len(e.model.last().Messages)-1].Content)
			assert.NotEmpty(t, res.WorkingMemorySummary)

			require.NoError(t, e.wm.AddFinding(ctx, "u1", "t1", "Go 1.18 added generics", "https://go.dev/blog", "high"))
			res, err = e.svc.Send(ctx, SendRequest{UserID: "u1", ThreadID: "t1", Message: "what next?", IncludeWorkingMemory: true})
			require.NoError(t, err)

			last := e.model.last().Messages
			content := last[len(last)-1].Content
			assert.True(t, strings.HasPrefix(content, "## Working Memory Summary"))
			assert.Contains(t, content, "Go 1.18 added generics")
			assert.True(t, strings.HasSuffix(content, "\n\n---\n\nUser Message: what next?"))
			assert.Contains(t, res.WorkingMemorySummary, "Key Findings (1)")

			// the stored user message is the original text
			history, err := e.svc.History(ctx, "u1", "t1")
			require.NoError(t, err)
			assert.Equal(t, "what next?", history[2].Content)
		})
	}
}

func TestSend_ToolMutationsAreFlushed(t *testing.T) {
	for _, blob := range []bool{false, true} {
		t.Run(fmt.Sprintf("blob=%v", blob), func(t *testing.T) {
			e := newEnv(t, envOptions{blob: blob})
			e.model.onTurn = func(ctx context.Context, req llm.Request) {
				m, ok := workingmemory.FromContext(ctx)
				require.True(t, ok)
				m.MarkQueryCompleted("go generics")
				m.MarkURLProcessed("https://go.dev/doc")
				m.AddFinding("type parameters", "https://go.dev/doc", "high")
			}
			send(t, e, "u1", "t1", "research go generics")

			p, err := e.wm.Get(context.Background(), "u1", "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"go generics"}, p.CompletedQueries)
			assert.Equal(t, []string{"https://go.dev/doc"}, p.ProcessedURLs)
			require.Len(t, p.Findings, 1)

			// the next turn restores from persistence and sees the URL as processed
			e.model.onTurn = func(ctx context.Context, req llm.Request) {
				m, _ := workingmemory.FromContext(ctx)
				assert.True(t, m.IsURLProcessed("https://go.dev/doc"))
			}
			send(t, e, "u1", "t1", "continue")
		})
	}
}

func TestSend_PersistedStateWinsOverLiveSession(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	send(t, e, "u1", "t1", "start")

	require.NoError(t, e.wm.AddInsight(ctx, "u1", "t1", "added over HTTP"))
	e.model.onTurn = func(ctx context.Context, req llm.Request) {
		m, _ := workingmemory.FromContext(ctx)
		assert.Equal(t, []string{"added over HTTP"}, m.Insights())
	}
	send(t, e, "u1", "t1", "again")
}

type failingSaves struct{ conversation.Store }

func (failingSaves) SaveMessages(context.Context, []*conversation.Message) error {
	return errors.New("disk full")
}

type failingIndex struct{ vector.Index }

func (failingIndex) Query(context.Context, string, vector.Query) ([]vector.Result, error) {
	return nil, errors.New("vector store unavailable")
}

func TestSend_VectorStoreFailureDegradesRecall(t *testing.T) {
	e := newEnv(t, envOptions{wrapIndex: func(idx vector.Index) vector.Index { return failingIndex{idx} }})
	send(t, e, "u1", "t1", "first question")

	res := send(t, e, "u1", "t1", "second question")
	assert.True(t, res.RecallDegraded)
	assert.False(t, res.HistoryDegraded)
	assert.False(t, res.PersistenceFailed)
	assert.Equal(t, "echo: second question", res.AssistantMessage.Content)

	req := e.model.last()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "first question", req.Messages[0].Content)
}

func TestSend_PersistenceFailureKeepsReply(t *testing.T) {
	e := newEnv(t, envOptions{wrapStore: func(s conversation.Store) conversation.Store { return failingSaves{s} }})

	res := send(t, e, "u1", "t1", "are you there")
	assert.Equal(t, "echo: are you there", res.AssistantMessage.Content)
	assert.True(t, res.PersistenceFailed)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "disk full")
}

func TestSend_ModelFailure(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.model.err = apperr.Transient("generate", errors.New("overloaded"))

	_, err := e.svc.Send(context.Background(), SendRequest{UserID: "u1", ThreadID: "t1", Message: "hello"})
	assert.True(t, apperr.IsTransient(err))

	n, err := e.store.CountMessages(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSend_EmptyModelReply(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.model.reply = "   "
	_, err := e.svc.Send(context.Background(), SendRequest{UserID: "u1", ThreadID: "t1", Message: "hello"})
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}

func TestThreads(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	a, err := e.svc.CreateThread(ctx, "u1", "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^thread-\d+-[0-9a-z]{7}$`), a.ID)
	assert.Equal(t, DefaultThreadTitle, a.Title)

	b, err := e.svc.CreateThread(ctx, "u1", "Generics")
	require.NoError(t, err)
	send(t, e, "u1", a.ID, "bump a")

	list, err := e.svc.Threads(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID, "most recently updated first")
	assert.Equal(t, b.ID, list[1].ID)

	renamed, err := e.svc.UpdateThreadTitle(ctx, "u1", b.ID, "Go generics")
	require.NoError(t, err)
	assert.Equal(t, "Go generics", renamed.Title)

	_, err = e.svc.UpdateThreadTitle(ctx, "u1", "missing", "x")
	assert.True(t, apperr.IsNotFound(err))
	_, err = e.svc.UpdateThreadTitle(ctx, "u2", b.ID, "x")
	assert.True(t, apperr.IsNotFound(err))
	_, err = e.svc.UpdateThreadTitle(ctx, "u1", b.ID, " ")
	assert.True(t, apperr.IsInvalid(err))

	others, err := e.svc.Threads(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestHistory_MissingThreadIsEmpty(t *testing.T) {
	e := newEnv(t, envOptions{})
	history, err := e.svc.History(context.Background(), "u1", "nope")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHistory_NormalizesStoredShapes(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	_, err := e.svc.GetOrCreateThread(ctx, "u1", "t1", "")
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, e.store.SaveMessages(ctx, []*conversation.Message{
		{ID: "a", ThreadID: "t1", ResourceID: "u1", Role: conversation.RoleUser, Content: `"plain string"`, Type: conversation.TypeText, CreatedAt: at},
		{ID: "b", ThreadID: "t1", ResourceID: "u1", Role: conversation.RoleAssistant, Content: `{"content":"legacy"}`, Type: conversation.TypeText, CreatedAt: at},
		{ID: "c", ThreadID: "t1", ResourceID: "u1", Role: conversation.RoleAssistant, Content: `{"content":{"format":2,"parts":[]}}`, Type: conversation.TypeV2, CreatedAt: at},
		{ID: "d", ThreadID: "t1", ResourceID: "u1", Role: conversation.RoleTool, Content: `{"content":"tool output"}`, Type: conversation.TypeText, CreatedAt: at},
	}))

	history, err := e.svc.History(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "plain string", history[0].Content)
	assert.Equal(t, "legacy", history[1].Content)
}

func TestDeleteThread(t *testing.T) {
	for _, blob := range []bool{false, true} {
		t.Run(fmt.Sprintf("blob=%v", blob), func(t *testing.T) {
			e := newEnv(t, envOptions{blob: blob})
			ctx := context.Background()
			send(t, e, "u1", "t1", "remember kubernetes operators")
			require.NoError(t, e.wm.AddInsight(ctx, "u1", "t1", "operators reconcile state"))
			send(t, e, "u1", "t2", "unrelated")
			_, ok := e.sessions.Lookup(SessionKey("u1", "t1"))
			require.True(t, ok)

			assert.True(t, apperr.IsNotFound(e.svc.DeleteThread(ctx, "u2", "t1")))
			require.NoError(t, e.svc.DeleteThread(ctx, "u1", "t1"))

			_, err := e.svc.Thread(ctx, "u1", "t1")
			assert.True(t, apperr.IsNotFound(err))
			p, err := e.wm.Get(ctx, "u1", "t1")
			require.NoError(t, err)
			assert.Empty(t, p.Insights)
			_, ok = e.sessions.Lookup(SessionKey("u1", "t1"))
			assert.False(t, ok)

			vec, _ := embedding.NewHashingEmbedder(256).Embed(ctx, "kubernetes operators")
			res, err := e.index.Query(ctx, recall.DefaultIndexName, vector.Query{Vector: vec, TopK: 10, Filter: map[string]string{recall.MetaThreadID: "t1"}})
			require.NoError(t, err)
			assert.Empty(t, res)
		})
	}
}

func TestCleanupEmptyThreads(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	_, err := e.svc.CreateThread(ctx, "u1", "empty one")
	require.NoError(t, err)
	_, err = e.svc.GetOrCreateThread(ctx, "u1", "empty-two", "")
	require.NoError(t, err)
	send(t, e, "u1", "kept", "has messages")

	res, err := e.svc.CleanupEmptyThreads(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Deleted: 2, Kept: 1}, res)

	list, err := e.svc.Threads(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "kept", list[0].ID)
}

func TestSend_SerializesTurnsPerThread(t *testing.T) {
	e := newEnv(t, envOptions{})
	var (
		mu     sync.Mutex
		active int
		peak   int
	)
	e.model.onTurn = func(ctx context.Context, req llm.Request) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}
	// create the thread up front so concurrent first turns do not race on it
	_, err := e.svc.GetOrCreateThread(context.Background(), "u1", "t1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.svc.Send(context.Background(), SendRequest{UserID: "u1", ThreadID: "t1", Message: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, peak)

	n, err := e.store.CountMessages(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}
