package workingmemory

import (
	"context"
	"encoding/json"
	"fmt"
)

// Well-known persistence keys. Any other key is kept in Progress.CustomData.
const (
	KeyFindings          = "findings"
	KeyInsights          = "insights"
	KeyDecisions         = "decisions"
	KeyProcessedURLs     = "processedUrls"
	KeyCompletedQueries  = "completedQueries"
	KeyFollowUpQuestions = "followUpQuestions"
	KeyPhase             = "phase"
)

// Keys lists the well-known keys in flush order.
var Keys = []string{
	KeyFindings, KeyInsights, KeyDecisions, KeyProcessedURLs,
	KeyCompletedQueries, KeyFollowUpQuestions, KeyPhase,
}

// Persistence stores working memory durably, keyed by user and thread.
//
// Get never reports a missing record: an unknown (user, thread) pair yields
// the empty state. Set replaces the value of one key.
type Persistence interface {
	Get(ctx context.Context, userID, threadID string) (*Progress, error)
	Set(ctx context.Context, userID, threadID, key string, value any) error
	Clear(ctx context.Context, userID, threadID string) error
}

// applyKey decodes raw into the field named by key. A JSON null resets a
// well-known key to its empty default.
func applyKey(p *Progress, key string, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		if isKnownKey(key) {
			resetKey(p, key)
		} else {
			setCustom(p, key, json.RawMessage("null"))
		}
		return nil
	}

	var err error
	switch key {
	case KeyFindings:
		err = json.Unmarshal(raw, &p.Findings)
	case KeyInsights:
		err = json.Unmarshal(raw, &p.Insights)
	case KeyDecisions:
		err = json.Unmarshal(raw, &p.Decisions)
	case KeyProcessedURLs:
		err = json.Unmarshal(raw, &p.ProcessedURLs)
	case KeyCompletedQueries:
		err = json.Unmarshal(raw, &p.CompletedQueries)
	case KeyFollowUpQuestions:
		err = json.Unmarshal(raw, &p.FollowUpQuestions)
	case KeyPhase:
		err = json.Unmarshal(raw, &p.Phase)
	default:
		setCustom(p, key, append(json.RawMessage{}, raw...))
	}
	if err != nil {
		return fmt.Errorf("failed to decode working memory key %q: %w", key, err)
	}
	return nil
}

// resetKey puts a well-known key back to its NewProgress value.
func resetKey(p *Progress, key string) {
	empty := NewProgress()
	switch key {
	case KeyFindings:
		p.Findings = empty.Findings
	case KeyInsights:
		p.Insights = empty.Insights
	case KeyDecisions:
		p.Decisions = empty.Decisions
	case KeyProcessedURLs:
		p.ProcessedURLs = empty.ProcessedURLs
	case KeyCompletedQueries:
		p.CompletedQueries = empty.CompletedQueries
	case KeyFollowUpQuestions:
		p.FollowUpQuestions = empty.FollowUpQuestions
	case KeyPhase:
		p.Phase = empty.Phase
	}
}

func setCustom(p *Progress, key string, raw json.RawMessage) {
	if p.CustomData == nil {
		p.CustomData = make(map[string]json.RawMessage)
	}
	p.CustomData[key] = raw
}

func isKnownKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// keyValue returns the current value of a well-known key.
func keyValue(p *Progress, key string) any {
	switch key {
	case KeyFindings:
		return p.Findings
	case KeyInsights:
		return p.Insights
	case KeyDecisions:
		return p.Decisions
	case KeyProcessedURLs:
		return p.ProcessedURLs
	case KeyCompletedQueries:
		return p.CompletedQueries
	case KeyFollowUpQuestions:
		return p.FollowUpQuestions
	case KeyPhase:
		return p.Phase
	}
	return nil
}

func encodeValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode working memory value: %w", err)
	}
	return b, nil
}
