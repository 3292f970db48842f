// Package workingmemory holds the per-session research scratchpad: what has
// been searched, which URLs were read, what was learned, and which questions
// are still open.
package workingmemory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPhase           = errors.New("invalid research phase")
	ErrInvalidPhaseTransition = errors.New("research phase cannot move backwards")
)

// Phase is the coarse stage of a research session.
type Phase string

const (
	PhaseInitial  Phase = "initial"
	PhaseFollowUp Phase = "follow-up"
	PhaseAnalysis Phase = "analysis"
	PhaseComplete Phase = "complete"
)

// Phases lists every phase in forward order.
var Phases = []Phase{PhaseInitial, PhaseFollowUp, PhaseAnalysis, PhaseComplete}

func (p Phase) rank() int {
	for i, q := range Phases {
		if p == q {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool { return p.rank() >= 0 }

// ParsePhase validates a phase name from an external caller.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
	}
	return p, nil
}

// EntryType classifies an audit log entry.
type EntryType string

const (
	EntryFinding  EntryType = "finding"
	EntryURL      EntryType = "url"
	EntryQuestion EntryType = "question"
	EntryInsight  EntryType = "insight"
	EntryDecision EntryType = "decision"
	EntryPhase    EntryType = "phase"
)

// Entry is one append-only audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EntryType `json:"type"`
	Content   any       `json:"content"`
	Source    string    `json:"source,omitempty"`
}

// Finding is a fact learned during research.
type Finding struct {
	Finding   string `json:"finding"`
	Source    string `json:"source"`
	Relevance string `json:"relevance"`
}

// Decision records a choice the agent made and why.
type Decision struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// Progress is the structured research state. Its JSON form is also the
// persisted form.
type Progress struct {
	Phase             Phase                      `json:"phase"`
	CompletedQueries  []string                   `json:"completedQueries"`
	ProcessedURLs     []string                   `json:"processedUrls"`
	Findings          []Finding                  `json:"findings"`
	FollowUpQuestions []string                   `json:"followUpQuestions"`
	Insights          []string                   `json:"insights"`
	Decisions         []Decision                 `json:"decisions"`
	CustomData        map[string]json.RawMessage `json:"customData,omitempty"`
}

// NewProgress returns the empty state: phase initial, all lists empty.
func NewProgress() *Progress {
	return &Progress{
		Phase:             PhaseInitial,
		CompletedQueries:  []string{},
		ProcessedURLs:     []string{},
		Findings:          []Finding{},
		FollowUpQuestions: []string{},
		Insights:          []string{},
		Decisions:         []Decision{},
	}
}

// Clone returns a deep copy.
func (p *Progress) Clone() *Progress {
	out := &Progress{
		Phase:             p.Phase,
		CompletedQueries:  append([]string{}, p.CompletedQueries...),
		ProcessedURLs:     append([]string{}, p.ProcessedURLs...),
		Findings:          append([]Finding{}, p.Findings...),
		FollowUpQuestions: append([]string{}, p.FollowUpQuestions...),
		Insights:          append([]string{}, p.Insights...),
		Decisions:         append([]Decision{}, p.Decisions...),
	}
	if len(p.CustomData) > 0 {
		out.CustomData = make(map[string]json.RawMessage, len(p.CustomData))
		for k, v := range p.CustomData {
			out.CustomData[k] = append(json.RawMessage{}, v...)
		}
	}
	return out
}

// RemainingFollowUpQuestions returns follow-up questions that have not been
// run as queries yet, in insertion order.
func (p *Progress) RemainingFollowUpQuestions() []string {
	done := make(map[string]struct{}, len(p.CompletedQueries))
	for _, q := range p.CompletedQueries {
		done[q] = struct{}{}
	}
	out := []string{}
	for _, q := range p.FollowUpQuestions {
		if _, ok := done[q]; !ok {
			out = append(out, q)
		}
	}
	return out
}

// Stats is a count summary of a session.
type Stats struct {
	SessionID         string  `json:"sessionId"`
	DurationSeconds   float64 `json:"durationSeconds"`
	TotalEntries      int     `json:"totalEntries"`
	Findings          int     `json:"findings"`
	URLsProcessed     int     `json:"urlsProcessed"`
	QueriesCompleted  int     `json:"queriesCompleted"`
	FollowUpQuestions int     `json:"followUpQuestions"`
	Insights          int     `json:"insights"`
	Decisions         int     `json:"decisions"`
	CurrentPhase      Phase   `json:"currentPhase"`
}

// Snapshot is the full export of a session.
type Snapshot struct {
	SessionID        string    `json:"sessionId"`
	StartTime        time.Time `json:"startTime"`
	DurationMs       int64     `json:"durationMs"`
	Entries          []Entry   `json:"entries"`
	ResearchProgress *Progress `json:"researchProgress"`
}
