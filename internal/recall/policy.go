// Package recall assembles the model context for a turn: the most recent
// messages of the thread plus semantically similar messages from the past.
package recall

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hession/researchmate/internal/apperr"
)

// Scope bounds which messages semantic recall may return.
type Scope string

const (
	ScopeThread   Scope = "thread"   // the current thread only
	ScopeResource Scope = "resource" // every thread of the user
)

// RecallConfig enables semantic recall.
type RecallConfig struct {
	TopK         int   `yaml:"top_k" json:"topK"`
	MessageRange int   `yaml:"message_range" json:"messageRange"`
	Scope        Scope `yaml:"scope" json:"scope"`
}

// Policy decides what goes into the context window. A nil SemanticRecall
// disables recall.
type Policy struct {
	RecentMessageCount int           `yaml:"last_messages" json:"lastMessages"`
	SemanticRecall     *RecallConfig `yaml:"semantic_recall" json:"semanticRecall,omitempty"`
}

var presets = map[string]Policy{
	"default":     {RecentMessageCount: 20, SemanticRecall: &RecallConfig{TopK: 3, MessageRange: 2, Scope: ScopeResource}},
	"research":    {RecentMessageCount: 30, SemanticRecall: &RecallConfig{TopK: 5, MessageRange: 3, Scope: ScopeResource}},
	"analysis":    {RecentMessageCount: 25, SemanticRecall: &RecallConfig{TopK: 4, MessageRange: 2, Scope: ScopeResource}},
	"lightweight": {RecentMessageCount: 10},
}

// DefaultPolicy is 20 recent messages and top-3 recall across the user's
// threads with two neighbours each side.
func DefaultPolicy() Policy {
	p, _ := PolicyByName("default")
	return p
}

// PolicyByName returns a copy of a named preset.
func PolicyByName(name string) (Policy, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, apperr.Invalid("policy", fmt.Sprintf("unknown preset %q (have %s)", name, strings.Join(PresetNames(), ", ")))
	}
	if p.SemanticRecall != nil {
		rc := *p.SemanticRecall
		p.SemanticRecall = &rc
	}
	return p, nil
}

// PresetNames lists the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Enabled reports whether semantic recall is on.
func (p Policy) Enabled() bool {
	return p.SemanticRecall != nil && p.SemanticRecall.TopK > 0
}

func (p Policy) Validate() error {
	if p.RecentMessageCount < 0 {
		return apperr.Invalid("policy", "last_messages must not be negative")
	}
	if rc := p.SemanticRecall; rc != nil {
		if rc.TopK < 0 || rc.MessageRange < 0 {
			return apperr.Invalid("policy", "semantic_recall top_k and message_range must not be negative")
		}
		switch rc.Scope {
		case ScopeThread, ScopeResource:
		default:
			return apperr.Invalid("policy", fmt.Sprintf("semantic_recall scope must be thread or resource, got %q", rc.Scope))
		}
	}
	return nil
}
