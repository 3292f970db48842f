// Package app wires configuration into a running conversation memory service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hession/researchmate/internal/agent"
	"github.com/hession/researchmate/internal/api"
	"github.com/hession/researchmate/internal/breaker"
	"github.com/hession/researchmate/internal/config"
	"github.com/hession/researchmate/internal/conversation"
	"github.com/hession/researchmate/internal/embedding"
	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/memory"
	"github.com/hession/researchmate/internal/recall"
	"github.com/hession/researchmate/internal/report"
	"github.com/hession/researchmate/internal/sqldb"
	"github.com/hession/researchmate/internal/tools"
	"github.com/hession/researchmate/internal/vector"
	"github.com/hession/researchmate/internal/websearch"
	"github.com/hession/researchmate/internal/workingmemory"
)

var log = logger.Named("app")

// Hooks receive agent output as it happens. Both are optional.
type Hooks struct {
	Stream   func(content string)
	ToolCall func(name string, args map[string]any, result string, err error)
}

// App holds the wired components.
type App struct {
	Config *config.Config
	DB     *sqldb.DB
	Store  *conversation.SQLStore
	Memory *memory.Service
	// Knowledge is nil when the knowledge base is disabled.
	Knowledge *knowledge.Base
	Reports   *report.Writer

	model  *llm.Guarded
	embed  *embedding.Guarded
	search *websearch.Limited
	cache  *embedding.Cached
}

// stateful is a guarded dependency exposing its breaker state.
type stateful interface{ State() string }

// Build opens storage and assembles the memory service from cfg.
func Build(cfg *config.Config, hooks Hooks) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := cfg.Memory.Policy()
	if err != nil {
		return nil, fmt.Errorf("invalid memory policy: %w", err)
	}

	db, err := sqldb.Open(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if a.Store, err = conversation.NewSQLStore(db); err != nil {
		return nil, err
	}

	wmOpts := []workingmemory.Option{workingmemory.WithStrictPhases(cfg.Memory.StrictPhases)}
	persistence, err := buildPersistence(cfg, db, a.Store)
	if err != nil {
		return nil, err
	}
	wm := workingmemory.NewService(persistence, wmOpts...)
	sessions := workingmemory.NewRegistry(wmOpts...)

	emb, err := a.buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	index, err := buildIndex(cfg, db)
	if err != nil {
		return nil, err
	}

	prompts, err := config.LoadPromptConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Knowledge.Enabled {
		a.Knowledge = knowledge.New(emb, index,
			knowledge.WithCollections(cfg.Knowledge.Collections...),
			knowledge.WithSearchDefaults(cfg.Knowledge.TopK, cfg.Knowledge.MinScore),
		)
		initCtx, cancel := context.WithTimeout(context.Background(), cfg.Memory.RecallTimeout())
		if err := a.Knowledge.Initialize(initCtx); err != nil {
			log.Warn("knowledge base not fully initialized: %v", err)
		}
		cancel()
	}
	gen, plain, systemPrompt := a.buildGenerator(cfg, prompts, hooks)

	assembler := recall.NewAssembler(a.Store, emb, index,
		recall.WithMinScore(cfg.Memory.MinScore),
		recall.WithRecallTimeout(cfg.Memory.RecallTimeout()),
		recall.WithIndexName(cfg.Memory.IndexName),
	)
	a.Memory = memory.NewService(a.Store, wm, sessions, assembler, gen,
		memory.WithPolicy(policy),
		memory.WithIndexer(recall.NewIndexer(emb, index, cfg.Memory.IndexName)),
		memory.WithSystemPrompt(systemPrompt),
	)

	analysisPrompt, formatPrompt := prompts.GetReportPrompts()
	a.Reports = report.New(a.Memory, plain, report.Options{
		Knowledge:     a.Knowledge,
		Dir:           cfg.Report.Dir,
		Prompts:       report.Prompts{Analysis: analysisPrompt, Format: formatPrompt},
		MaxInputChars: cfg.Report.MaxInputChars,
		Retries:       cfg.Report.Retries,
	})

	log.Info("built: db=%s persistence=%s vectors=%s embedder=%s model=%s/%s preset=%s",
		db.Dialect, cfg.Memory.Persistence, cfg.Memory.VectorBackend, cfg.Embedding.Provider,
		cfg.Model.Provider, cfg.Model.Model, cfg.Memory.Preset)
	ok = true
	return a, nil
}

func buildPersistence(cfg *config.Config, db *sqldb.DB, store *conversation.SQLStore) (workingmemory.Persistence, error) {
	if cfg.Memory.Persistence == "thread" {
		return workingmemory.NewBlobStore(store), nil
	}
	return workingmemory.NewRowStore(db)
}

func buildIndex(cfg *config.Config, db *sqldb.DB) (vector.Index, error) {
	switch cfg.Memory.VectorBackend {
	case "pgvector":
		if db.Dialect != sqldb.Postgres {
			return nil, fmt.Errorf("vector backend pgvector requires a postgres database")
		}
		return vector.NewPgVectorIndex(db)
	case "chromem":
		return vector.NewChromemIndex(), nil
	default:
		return vector.NewSQLIndex(db)
	}
}

func (a *App) buildEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	var inner embedding.Embedder
	if strings.EqualFold(cfg.Embedding.Provider, "openai") {
		inner = embedding.NewOpenAIClient(embedding.Config{
			BaseURL:   cfg.Embedding.BaseURL,
			APIKey:    cfg.Embedding.APIKey,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
		})
	} else {
		inner = embedding.NewHashingEmbedder(cfg.Embedding.Dimension)
	}

	a.embed = embedding.NewGuarded(inner, embedding.GuardOptions{
		RPS:     cfg.Embedding.RateLimitRPS,
		Burst:   int(cfg.Embedding.RateLimitRPS) + 1,
		Timeout: cfg.Memory.RecallTimeout(),
		Breaker: breaker.DefaultConfig("embedding"),
	})
	if cfg.Embedding.CacheEntries <= 0 {
		return a.embed, nil
	}
	cached, err := embedding.NewCached(a.embed, cfg.Embedding.CacheEntries)
	if err != nil {
		return nil, err
	}
	a.cache = cached
	return cached, nil
}

// buildGenerator returns the guarded chat model, a tool-free model for
// reports and the system prompt that fits the chat model. Tools need an
// OpenAI-compatible endpoint with function calling.
func (a *App) buildGenerator(cfg *config.Config, prompts *config.PromptConfig, hooks Hooks) (llm.Generator, llm.Generator, string) {
	breakerCfg := breaker.DefaultConfig("model")

	if strings.EqualFold(cfg.Model.Provider, "anthropic") {
		gen := llm.NewAnthropicGenerator(llm.AnthropicConfig{
			APIKey:    cfg.Model.APIKey,
			BaseURL:   cfg.Model.BaseURL,
			Model:     cfg.Model.Model,
			MaxTokens: cfg.Model.MaxTokens,
		})
		if cfg.Model.ToolsEnabled {
			log.Warn("research tools are not available with the anthropic provider")
		}
		a.model = llm.NewGuarded(gen, cfg.ModelTimeout(), breakerCfg)
		return a.model, a.model, prompts.GetSystemPrompt()
	}

	client := llm.New(llm.ClientConfig{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Model,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.ModelTimeout(),
	})
	if !cfg.Model.ToolsEnabled {
		a.model = llm.NewGuarded(llm.NewChatGenerator(client), cfg.ModelTimeout(), breakerCfg)
		return a.model, a.model, prompts.GetSystemPrompt()
	}

	ws := cfg.WebSearch
	a.search = websearch.NewLimited(websearch.NewProvider(websearch.Options{
		Provider:  ws.Provider,
		BaseURL:   ws.BaseURL,
		UserAgent: ws.UserAgent,
		APIKey:    ws.APIKey,
		Timeout:   time.Duration(ws.TimeoutSeconds) * time.Second,
	}), ws.RateLimitRPS, breaker.DefaultConfig("web search"))

	deps := tools.Deps{
		Search:       a.search,
		SearchLimit:  ws.DefaultLimit,
		Judge:        llm.NewGuarded(llm.NewChatGenerator(client), cfg.ModelTimeout(), breaker.DefaultConfig("judge")),
		UserAgent:    ws.UserAgent,
		FetchTimeout: time.Duration(ws.TimeoutSeconds) * time.Second,
	}
	systemPrompt := prompts.GetResearchPrompt()
	if a.Knowledge != nil {
		deps.Knowledge = a.Knowledge
		systemPrompt = prompts.GetKnowledgePrompt()
	}
	registry := tools.NewResearchRegistry(deps)
	plain := llm.NewGuarded(llm.NewChatGenerator(client), cfg.ModelTimeout(), breaker.DefaultConfig("report"))

	opts := []agent.Option{agent.WithErrorPrefix(prompts.GetErrorPrefix())}
	if hooks.Stream != nil {
		opts = append(opts, agent.WithStreamHandler(hooks.Stream))
	}
	if hooks.ToolCall != nil {
		opts = append(opts, agent.WithToolCallHandler(hooks.ToolCall))
	}
	a.model = llm.NewGuarded(agent.New(client, registry, opts...), cfg.ModelTimeout(), breakerCfg)
	return a.model, plain, systemPrompt
}

// HealthChecks checks the database and reports open breakers.
func (a *App) HealthChecks() []api.HealthCheck {
	checks := []api.HealthCheck{{
		Name:  "database",
		Check: func(ctx context.Context) error { return a.DB.PingContext(ctx) },
	}}
	add := func(name string, s stateful) {
		checks = append(checks, api.HealthCheck{Name: name, Check: func(context.Context) error {
			if state := s.State(); state == "open" {
				return fmt.Errorf("circuit %s", state)
			}
			return nil
		}})
	}
	if a.model != nil {
		add("model", a.model)
	}
	if a.embed != nil {
		add("embedding", a.embed)
	}
	if a.search != nil {
		add("web_search", a.search)
	}
	return checks
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	s := a.Config.Server
	return api.NewRouter(a.Memory, api.Options{
		APIKey:         s.APIKey,
		AllowedOrigins: s.AllowedOrigins,
		RateLimitRPS:   s.RateLimitRPS,
		RateLimitBurst: s.RateLimitBurst,
		Checks:         a.HealthChecks(),
		Knowledge:      a.Knowledge,
		Reports:        a.Reports,
	})
}

// Serve runs the HTTP API until ctx is cancelled, then drains connections.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// Close releases the cache and the database.
func (a *App) Close() error {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
