package workingmemory

import (
	"context"
	"sync"

	"github.com/hession/researchmate/internal/apperr"
)

// Service performs working memory operations against a Persistence. Every
// write is a read-modify-write of one key; the service serializes its own
// writes per (user, thread) but cannot coordinate with other processes.
type Service struct {
	store Persistence
	opts  []Option

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wraps store. opts apply to memories built by Load.
func NewService(store Persistence, opts ...Option) *Service {
	return &Service{store: store, opts: opts, locks: make(map[string]*sync.Mutex)}
}

// Store returns the underlying persistence.
func (s *Service) Store() Persistence { return s.store }

func (s *Service) lock(userID, threadID string) func() {
	key := userID + "\x00" + threadID
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) update(ctx context.Context, userID, threadID, key string, fn func(p *Progress) bool) error {
	unlock := s.lock(userID, threadID)
	defer unlock()

	p, err := s.store.Get(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if !fn(p) {
		return nil
	}
	return s.store.Set(ctx, userID, threadID, key, keyValue(p, key))
}

// Get returns the persisted state.
func (s *Service) Get(ctx context.Context, userID, threadID string) (*Progress, error) {
	return s.store.Get(ctx, userID, threadID)
}

// Set writes one raw key. A value that does not decode as the well-known
// key's type is rejected.
func (s *Service) Set(ctx context.Context, userID, threadID, key string, value any) error {
	if isKnownKey(key) {
		raw, err := encodeValue(value)
		if err != nil {
			return apperr.Invalid("set working memory", err.Error())
		}
		if err := applyKey(NewProgress(), key, raw); err != nil {
			return apperr.Invalid("set working memory", err.Error())
		}
	}
	unlock := s.lock(userID, threadID)
	defer unlock()
	return s.store.Set(ctx, userID, threadID, key, value)
}

// Clear removes all working memory of the thread.
func (s *Service) Clear(ctx context.Context, userID, threadID string) error {
	unlock := s.lock(userID, threadID)
	defer unlock()
	return s.store.Clear(ctx, userID, threadID)
}

// ClearUser removes all working memory of a user when the store supports it.
func (s *Service) ClearUser(ctx context.Context, userID string) error {
	type userClearer interface {
		ClearUser(ctx context.Context, userID string) error
	}
	c, ok := s.store.(userClearer)
	if !ok {
		return apperr.Invalid("clear user working memory", "persistence does not support per-user clear")
	}
	return c.ClearUser(ctx, userID)
}

func (s *Service) AddFinding(ctx context.Context, userID, threadID, finding, source, relevance string) error {
	return s.update(ctx, userID, threadID, KeyFindings, func(p *Progress) bool {
		p.Findings = append(p.Findings, Finding{Finding: finding, Source: source, Relevance: relevance})
		return true
	})
}

// AddInsight skips an insight already present.
func (s *Service) AddInsight(ctx context.Context, userID, threadID, insight string) error {
	return s.update(ctx, userID, threadID, KeyInsights, func(p *Progress) bool {
		if contains(p.Insights, insight) {
			return false
		}
		p.Insights = append(p.Insights, insight)
		return true
	})
}

func (s *Service) AddDecision(ctx context.Context, userID, threadID, decision, reasoning string) error {
	return s.update(ctx, userID, threadID, KeyDecisions, func(p *Progress) bool {
		p.Decisions = append(p.Decisions, Decision{Decision: decision, Reasoning: reasoning})
		return true
	})
}

func (s *Service) MarkURLProcessed(ctx context.Context, userID, threadID, url string) error {
	return s.update(ctx, userID, threadID, KeyProcessedURLs, func(p *Progress) bool {
		if contains(p.ProcessedURLs, url) {
			return false
		}
		p.ProcessedURLs = append(p.ProcessedURLs, url)
		return true
	})
}

func (s *Service) IsURLProcessed(ctx context.Context, userID, threadID, url string) (bool, error) {
	p, err := s.store.Get(ctx, userID, threadID)
	if err != nil {
		return false, err
	}
	return contains(p.ProcessedURLs, url), nil
}

func (s *Service) MarkQueryCompleted(ctx context.Context, userID, threadID, query string) error {
	return s.update(ctx, userID, threadID, KeyCompletedQueries, func(p *Progress) bool {
		if contains(p.CompletedQueries, query) {
			return false
		}
		p.CompletedQueries = append(p.CompletedQueries, query)
		return true
	})
}

func (s *Service) AddFollowUpQuestion(ctx context.Context, userID, threadID, question string) error {
	return s.update(ctx, userID, threadID, KeyFollowUpQuestions, func(p *Progress) bool {
		if contains(p.FollowUpQuestions, question) {
			return false
		}
		p.FollowUpQuestions = append(p.FollowUpQuestions, question)
		return true
	})
}

// SetPhase validates the phase name before writing it.
func (s *Service) SetPhase(ctx context.Context, userID, threadID, phase string) error {
	p, err := ParsePhase(phase)
	if err != nil {
		return apperr.Invalid("set phase", err.Error())
	}
	return s.Set(ctx, userID, threadID, KeyPhase, p)
}

// Summary renders the persisted state for prefixing to a user message.
func (s *Service) Summary(ctx context.Context, userID, threadID string) (string, error) {
	p, err := s.store.Get(ctx, userID, threadID)
	if err != nil {
		return "", err
	}
	return RenderSummary(p), nil
}

// Load builds a live Memory from the persisted state.
func (s *Service) Load(ctx context.Context, userID, threadID, sessionID string) (*Memory, error) {
	p, err := s.store.Get(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	m := New(sessionID, s.opts...)
	m.Restore(p)
	return m, nil
}

// Flush writes every well-known key of m, then any custom data.
func (s *Service) Flush(ctx context.Context, userID, threadID string, m *Memory) error {
	unlock := s.lock(userID, threadID)
	defer unlock()

	p := m.progress
	for _, key := range Keys {
		if err := s.store.Set(ctx, userID, threadID, key, keyValue(p, key)); err != nil {
			return err
		}
	}
	for key, raw := range p.CustomData {
		if err := s.store.Set(ctx, userID, threadID, key, raw); err != nil {
			return err
		}
	}
	return nil
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
