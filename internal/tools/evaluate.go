package tools

import (
	"context"

	"github.com/hession/researchmate/internal/workingmemory"
)

var resultParameters = []ParameterDef{
	{Name: "query", Type: "string", Description: "The original research query", Required: true},
	{Name: "url", Type: "string", Description: "URL of the search result", Required: true},
	{Name: "title", Type: "string", Description: "Title of the search result", Required: false},
	{Name: "content", Type: "string", Description: "Content or snippet of the search result", Required: false},
}

type resultArgs struct {
	query, url, title, content string
}

func parseResultArgs(args map[string]any) (resultArgs, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return resultArgs{}, err
	}
	url, err := requiredString(args, "url")
	if err != nil {
		return resultArgs{}, err
	}
	return resultArgs{
		query:   query,
		url:     url,
		title:   optionalString(args, "title"),
		content: optionalString(args, "content"),
	}, nil
}

// EvaluateResultTool judges a search result and records relevant ones as
// findings.
type EvaluateResultTool struct {
	judge *Judge
}

// NewEvaluateResultTool creates the tool. A nil judge treats every new
// result as relevant.
func NewEvaluateResultTool(judge *Judge) *EvaluateResultTool {
	return &EvaluateResultTool{judge: judge}
}

func (t *EvaluateResultTool) Name() string {
	return "evaluate_result"
}

func (t *EvaluateResultTool) Description() string {
	return "Evaluate whether a search result is relevant to the research query. Relevant results are recorded as findings."
}

func (t *EvaluateResultTool) Parameters() []ParameterDef {
	return resultParameters
}

type evaluatePayload struct {
	Evaluation
	Skipped       bool                `json:"skipped,omitempty"`
	WorkingMemory workingmemory.Stats `json:"workingMemory"`
}

func (t *EvaluateResultTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	in, err := parseResultArgs(args)
	if err != nil {
		return "", err
	}
	m, err := session(ctx)
	if err != nil {
		return "", err
	}

	if m.IsURLProcessed(in.url) {
		return encode(evaluatePayload{
			Evaluation:    Evaluation{IsRelevant: false, Reason: "URL already processed"},
			Skipped:       true,
			WorkingMemory: m.Stats(),
		})
	}

	eval := Evaluation{IsRelevant: true, Reason: "Assumed relevant (fallback)"}
	if t.judge != nil {
		res, err := t.judge.Evaluate(ctx, in.query, in.title, in.url, in.content)
		if err != nil {
			log.Warn("evaluate %s: %v", in.url, err)
			eval = Evaluation{IsRelevant: false, Reason: "Evaluation failed"}
		} else {
			eval = res
		}
	}

	m.MarkURLProcessed(in.url)
	if eval.IsRelevant {
		finding := in.title
		if finding == "" {
			finding = truncate(in.content, 120)
		}
		m.AddFinding(finding, in.url, eval.Reason)
	}

	return encode(evaluatePayload{Evaluation: eval, WorkingMemory: m.Stats()})
}
