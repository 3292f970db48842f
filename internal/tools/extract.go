package tools

import (
	"context"

	"github.com/hession/researchmate/internal/workingmemory"
)

// ExtractLearningsTool pulls the key learning and follow-up questions out of a
// search result into working memory.
type ExtractLearningsTool struct {
	judge *Judge
}

// NewExtractLearningsTool creates the tool. With a nil judge nothing is
// extracted but the URL is still marked processed.
func NewExtractLearningsTool(judge *Judge) *ExtractLearningsTool {
	return &ExtractLearningsTool{judge: judge}
}

func (t *ExtractLearningsTool) Name() string {
	return "extract_learnings"
}

func (t *ExtractLearningsTool) Description() string {
	return "Extract the key learning and up to 3 follow-up questions from a search result and record them in working memory."
}

func (t *ExtractLearningsTool) Parameters() []ParameterDef {
	return resultParameters
}

type extractPayload struct {
	Learning
	Skipped       bool                `json:"skipped,omitempty"`
	WorkingMemory workingmemory.Stats `json:"workingMemory"`
}

func (t *ExtractLearningsTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	in, err := parseResultArgs(args)
	if err != nil {
		return "", err
	}
	m, err := session(ctx)
	if err != nil {
		return "", err
	}

	if m.IsURLProcessed(in.url) {
		return encode(extractPayload{
			Learning:      Learning{Learning: "Skipped duplicate URL", FollowUpQuestions: []string{}},
			Skipped:       true,
			WorkingMemory: m.Stats(),
		})
	}

	learning := Learning{FollowUpQuestions: []string{}}
	if t.judge != nil {
		res, err := t.judge.Extract(ctx, in.query, in.title, in.url, in.content)
		if err != nil {
			log.Warn("extract %s: %v", in.url, err)
			learning = Learning{Learning: "Extraction failed", FollowUpQuestions: []string{}}
		} else {
			learning = res
			if learning.FollowUpQuestions == nil {
				learning.FollowUpQuestions = []string{}
			}

			if learning.Learning != "" {
				m.AddFinding(learning.Learning, in.url, "learning")
				m.AddInsight(learning.Learning)
			}
			for _, q := range learning.FollowUpQuestions {
				m.AddFollowUpQuestion(q)
			}
		}
	}
	m.MarkURLProcessed(in.url)

	return encode(extractPayload{Learning: learning, WorkingMemory: m.Stats()})
}
