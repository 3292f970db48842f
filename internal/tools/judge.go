package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hession/researchmate/internal/llm"
)

// maxFollowUps caps the follow-up questions taken from one extraction.
const maxFollowUps = 3

// Evaluation is the model's verdict on a search result.
type Evaluation struct {
	IsRelevant bool   `json:"isRelevant"`
	Reason     string `json:"reason"`
}

// Learning is what the model extracted from a search result.
type Learning struct {
	Learning          string   `json:"learning"`
	FollowUpQuestions []string `json:"followUpQuestions"`
}

// Judge asks a model for structured verdicts and parses the JSON reply.
type Judge struct {
	gen llm.Generator
}

func NewJudge(gen llm.Generator) *Judge {
	return &Judge{gen: gen}
}

const judgeSystem = "You are a careful research assistant. Reply with a single JSON object and nothing else."

// Evaluate asks whether a result helps answer query.
func (j *Judge) Evaluate(ctx context.Context, query, title, url, content string) (Evaluation, error) {
	prompt := fmt.Sprintf(`Evaluate whether this search result is relevant to "%s". Respond with JSON {"isRelevant": boolean, "reason": string}.

Title: %s
URL: %s
Content: %s...`, query, title, url, truncate(content, 600))

	var out Evaluation
	if err := j.ask(ctx, prompt, &out); err != nil {
		return Evaluation{}, err
	}
	return out, nil
}

// Extract asks for the key learning of a result and follow-up questions.
func (j *Judge) Extract(ctx context.Context, query, title, url, content string) (Learning, error) {
	prompt := fmt.Sprintf(`Research query: "%s"
Extract a key learning and up to %d follow-up questions from this result. Respond with JSON {"learning": string, "followUpQuestions": [string]}.

Title: %s
URL: %s
Content: %s...`, query, maxFollowUps, title, url, truncate(content, 1500))

	var out Learning
	if err := j.ask(ctx, prompt, &out); err != nil {
		return Learning{}, err
	}
	out.Learning = strings.TrimSpace(out.Learning)
	if len(out.FollowUpQuestions) > maxFollowUps {
		out.FollowUpQuestions = out.FollowUpQuestions[:maxFollowUps]
	}
	return out, nil
}

func (j *Judge) ask(ctx context.Context, prompt string, v any) error {
	reply, err := j.gen.Generate(ctx, llm.Request{
		System:   judgeSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return err
	}
	raw := extractJSON(reply)
	if raw == "" {
		return fmt.Errorf("model reply has no JSON object")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to parse model reply: %w", err)
	}
	return nil
}

// extractJSON returns the outermost {...} of s, ignoring code fences and any
// prose around it.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
