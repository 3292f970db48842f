package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/conversation"
	"github.com/hession/researchmate/internal/embedding"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/vector"
)

var log = logger.Named("recall")

// Cluster is one recall hit with its neighbouring messages, oldest first.
type Cluster struct {
	MatchID  string
	ThreadID string
	Score    float64
	Messages []*conversation.Message
}

// Context is the assembled context for one model call. Recalled clusters are
// kept apart from the chronological Recent history.
type Context struct {
	Recent   []*conversation.Message
	Recalled []Cluster

	// RecallDegraded is set when recall was attempted and failed.
	RecallDegraded bool
	// HistoryDegraded is set when recent history could not be read.
	HistoryDegraded bool
}

// RecalledBlock renders the recalled clusters as a labelled block for the
// system prompt, or "" when nothing was recalled.
func (c *Context) RecalledBlock() string {
	if len(c.Recalled) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant earlier messages\n")
	b.WriteString("(Recalled by similarity from past conversations; not part of the current exchange.)\n")
	for i, cl := range c.Recalled {
		fmt.Fprintf(&b, "\n### Match %d (score %.2f)\n", i+1, cl.Score)
		for _, m := range cl.Messages {
			marker := ""
			if m.ID == cl.MatchID {
				marker = " *"
			}
			fmt.Fprintf(&b, "[%s %s]%s %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), m.Role, marker, m.Text())
		}
	}
	return b.String()
}

// Assembler builds Contexts from conversation storage and the vector index.
type Assembler struct {
	store    conversation.Store
	embedder embedding.Embedder
	index    vector.Index
	name     string
	minScore float64
	timeout  time.Duration
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithMinScore drops matches scoring below s.
func WithMinScore(s float64) AssemblerOption {
	return func(a *Assembler) { a.minScore = s }
}

// WithRecallTimeout bounds the embed + query + expand step.
func WithRecallTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) { a.timeout = d }
}

// WithIndexName overrides DefaultIndexName.
func WithIndexName(name string) AssemblerOption {
	return func(a *Assembler) { a.name = name }
}

// NewAssembler creates an Assembler. embedder and index may be nil, in which
// case recall is skipped.
func NewAssembler(store conversation.Store, embedder embedding.Embedder, index vector.Index, opts ...AssemblerOption) *Assembler {
	a := &Assembler{store: store, embedder: embedder, index: index, name: DefaultIndexName, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble never fails: history and recall failures are logged and flagged
// on the returned Context.
func (a *Assembler) Assemble(ctx context.Context, resourceID, threadID, query string, policy Policy) *Context {
	out := &Context{}

	if policy.RecentMessageCount > 0 {
		recent, err := a.store.ListMessages(ctx, threadID, policy.RecentMessageCount)
		if err != nil {
			log.Warn("history unavailable for thread %s: %v", threadID, err)
			out.HistoryDegraded = true
		} else {
			out.Recent = recent
		}
	}

	if !policy.Enabled() || strings.TrimSpace(query) == "" || a.embedder == nil || a.index == nil {
		return out
	}

	rctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	clusters, err := a.recall(rctx, resourceID, threadID, query, policy.SemanticRecall, out.Recent)
	if err != nil {
		log.Warn("recall unavailable for thread %s: %v", threadID, err)
		out.RecallDegraded = true
		return out
	}
	out.Recalled = clusters
	return out
}

func (a *Assembler) recall(ctx context.Context, resourceID, threadID, query string, rc *RecallConfig, recent []*conversation.Message) ([]Cluster, error) {
	vec, err := a.embedder.Embed(ctx, strings.TrimSpace(query))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter := map[string]string{MetaResourceID: resourceID}
	if rc.Scope == ScopeThread {
		filter = map[string]string{MetaThreadID: threadID}
	}

	seen := make(map[string]struct{}, len(recent))
	for _, m := range recent {
		seen[m.ID] = struct{}{}
	}

	// over-fetch so that hits already in recent history can be dropped
	results, err := a.index.Query(ctx, a.name, vector.Query{
		Vector:   vec,
		TopK:     rc.TopK + len(recent),
		MinScore: a.minScore,
		Filter:   filter,
	})
	if err != nil {
		if errors.Is(err, vector.ErrIndexNotFound) {
			// nothing has been indexed yet
			return nil, nil
		}
		return nil, fmt.Errorf("query index: %w", err)
	}

	var clusters []Cluster
	for _, r := range results {
		if len(clusters) == rc.TopK {
			break
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		matchThread := r.Metadata[MetaThreadID]
		if matchThread == "" {
			matchThread = threadID
		}

		around, err := a.store.MessagesAround(ctx, matchThread, r.ID, rc.MessageRange, rc.MessageRange)
		if apperr.IsNotFound(err) {
			// vector outlived its message
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("expand match %s: %w", r.ID, err)
		}

		cl := Cluster{MatchID: r.ID, ThreadID: matchThread, Score: r.Score}
		for _, m := range around {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			cl.Messages = append(cl.Messages, m)
		}
		if len(cl.Messages) > 0 {
			clusters = append(clusters, cl)
		}
	}
	return clusters, nil
}
