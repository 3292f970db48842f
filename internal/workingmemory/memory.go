package workingmemory

import (
	"fmt"
	"time"
)

// Memory is the working memory of one research session.
//
// Memory does no locking. A session must have a single writer at a time; use
// Registry.Do when several goroutines share a session id.
type Memory struct {
	sessionID string
	startTime time.Time
	entries   []Entry
	progress  *Progress

	urls      map[string]struct{}
	queries   map[string]struct{}
	followUps map[string]struct{}
	insights  map[string]struct{}

	strict bool
	now    func() time.Time
}

// Option configures a Memory.
type Option func(*Memory)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithStrictPhases rejects backwards phase transitions and unknown phases.
func WithStrictPhases(strict bool) Option {
	return func(m *Memory) { m.strict = strict }
}

// New creates an empty session.
func New(sessionID string, opts ...Option) *Memory {
	m := &Memory{sessionID: sessionID, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.startTime = m.now()
	m.entries = []Entry{}
	m.progress = NewProgress()
	m.urls = map[string]struct{}{}
	m.queries = map[string]struct{}{}
	m.followUps = map[string]struct{}{}
	m.insights = map[string]struct{}{}
}

func (m *Memory) log(t EntryType, content any, source string) {
	m.entries = append(m.entries, Entry{Timestamp: m.now(), Type: t, Content: content, Source: source})
}

// SessionID returns the session identifier.
func (m *Memory) SessionID() string { return m.sessionID }

// StartTime returns when the session was created or last cleared.
func (m *Memory) StartTime() time.Time { return m.startTime }

// AddFinding appends a finding. Findings are never deduplicated.
func (m *Memory) AddFinding(finding, source, relevance string) {
	f := Finding{Finding: finding, Source: source, Relevance: relevance}
	m.progress.Findings = append(m.progress.Findings, f)
	m.log(EntryFinding, f, source)
}

// MarkURLProcessed records url as read. Marking it again is a no-op.
func (m *Memory) MarkURLProcessed(url string) {
	if _, ok := m.urls[url]; ok {
		return
	}
	m.urls[url] = struct{}{}
	m.progress.ProcessedURLs = append(m.progress.ProcessedURLs, url)
	m.log(EntryURL, url, "")
}

func (m *Memory) IsURLProcessed(url string) bool {
	_, ok := m.urls[url]
	return ok
}

// MarkQueryCompleted records a search query as done. Queries match exactly.
func (m *Memory) MarkQueryCompleted(query string) {
	if _, ok := m.queries[query]; ok {
		return
	}
	m.queries[query] = struct{}{}
	m.progress.CompletedQueries = append(m.progress.CompletedQueries, query)
}

func (m *Memory) IsQueryCompleted(query string) bool {
	_, ok := m.queries[query]
	return ok
}

// AddFollowUpQuestion queues a question unless it is already queued.
func (m *Memory) AddFollowUpQuestion(question string) {
	if _, ok := m.followUps[question]; ok {
		return
	}
	m.followUps[question] = struct{}{}
	m.progress.FollowUpQuestions = append(m.progress.FollowUpQuestions, question)
	m.log(EntryQuestion, question, "")
}

// AddInsight records an insight unless the same text was already recorded.
func (m *Memory) AddInsight(insight string) {
	if _, ok := m.insights[insight]; ok {
		return
	}
	m.insights[insight] = struct{}{}
	m.progress.Insights = append(m.progress.Insights, insight)
	m.log(EntryInsight, insight, "")
}

// RecordDecision appends a decision with its reasoning.
func (m *Memory) RecordDecision(decision, reasoning string) {
	d := Decision{Decision: decision, Reasoning: reasoning}
	m.progress.Decisions = append(m.progress.Decisions, d)
	m.log(EntryDecision, d, "")
}

// SetPhase moves the session to p. Without strict phases the last write wins
// and no error is returned.
func (m *Memory) SetPhase(p Phase) error {
	if m.strict {
		if !p.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidPhase, p)
		}
		if p.rank() < m.progress.Phase.rank() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, m.progress.Phase, p)
		}
	}
	m.progress.Phase = p
	m.log(EntryPhase, p, "")
	return nil
}

func (m *Memory) Phase() Phase { return m.progress.Phase }

// RemainingFollowUpQuestions returns queued questions not yet searched.
func (m *Memory) RemainingFollowUpQuestions() []string {
	return m.progress.RemainingFollowUpQuestions()
}

func (m *Memory) Findings() []Finding {
	return append([]Finding{}, m.progress.Findings...)
}

func (m *Memory) ProcessedURLs() []string {
	return append([]string{}, m.progress.ProcessedURLs...)
}

func (m *Memory) CompletedQueries() []string {
	return append([]string{}, m.progress.CompletedQueries...)
}

func (m *Memory) FollowUpQuestions() []string {
	return append([]string{}, m.progress.FollowUpQuestions...)
}

func (m *Memory) Insights() []string {
	return append([]string{}, m.progress.Insights...)
}

func (m *Memory) Decisions() []Decision {
	return append([]Decision{}, m.progress.Decisions...)
}

// Entries returns a copy of the audit log.
func (m *Memory) Entries() []Entry {
	return append([]Entry{}, m.entries...)
}

// Progress returns a deep copy of the structured state.
func (m *Memory) Progress() *Progress {
	return m.progress.Clone()
}

// Restore replaces the structured state with p, typically loaded from
// persistence. The audit log and start time are kept.
func (m *Memory) Restore(p *Progress) {
	if p == nil {
		p = NewProgress()
	}
	m.progress = p.Clone()
	if m.progress.Phase == "" {
		m.progress.Phase = PhaseInitial
	}
	m.urls = toSet(m.progress.ProcessedURLs)
	m.queries = toSet(m.progress.CompletedQueries)
	m.followUps = toSet(m.progress.FollowUpQuestions)
	m.insights = toSet(m.progress.Insights)
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Clear discards all state and restarts the session clock.
func (m *Memory) Clear() {
	m.reset()
}

// Duration is the time since the session started.
func (m *Memory) Duration() time.Duration {
	return m.now().Sub(m.startTime)
}

// Stats summarizes the session as counts.
func (m *Memory) Stats() Stats {
	return Stats{
		SessionID:         m.sessionID,
		DurationSeconds:   m.Duration().Seconds(),
		TotalEntries:      len(m.entries),
		Findings:          len(m.progress.Findings),
		URLsProcessed:     len(m.progress.ProcessedURLs),
		QueriesCompleted:  len(m.progress.CompletedQueries),
		FollowUpQuestions: len(m.progress.FollowUpQuestions),
		Insights:          len(m.progress.Insights),
		Decisions:         len(m.progress.Decisions),
		CurrentPhase:      m.progress.Phase,
	}
}

// Export returns a serializable snapshot of the whole session.
func (m *Memory) Export() Snapshot {
	return Snapshot{
		SessionID:        m.sessionID,
		StartTime:        m.startTime,
		DurationMs:       m.Duration().Milliseconds(),
		Entries:          m.Entries(),
		ResearchProgress: m.Progress(),
	}
}
