package tools

import (
	"context"

	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/workingmemory"
)

var log = logger.Named("tools")

// RecordDecisionTool records a research decision and its reasoning.
type RecordDecisionTool struct{}

func NewRecordDecisionTool() *RecordDecisionTool { return &RecordDecisionTool{} }

func (t *RecordDecisionTool) Name() string { return "record_decision" }

func (t *RecordDecisionTool) Description() string {
	return "Record a research decision together with the reasoning behind it."
}

func (t *RecordDecisionTool) Parameters() []ParameterDef {
	return []ParameterDef{
		{Name: "decision", Type: "string", Description: "The decision taken", Required: true},
		{Name: "reasoning", Type: "string", Description: "Why it was taken", Required: false},
	}
}

func (t *RecordDecisionTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	decision, err := requiredString(args, "decision")
	if err != nil {
		return "", err
	}
	m, err := session(ctx)
	if err != nil {
		return "", err
	}
	m.RecordDecision(decision, optionalString(args, "reasoning"))
	return encode(map[string]any{"recorded": true, "workingMemory": m.Stats()})
}

// SetPhaseTool moves the research session to another phase.
type SetPhaseTool struct{}

func NewSetPhaseTool() *SetPhaseTool { return &SetPhaseTool{} }

func (t *SetPhaseTool) Name() string { return "set_research_phase" }

func (t *SetPhaseTool) Description() string {
	return "Set the research phase: initial, follow-up, analysis or complete."
}

func (t *SetPhaseTool) Parameters() []ParameterDef {
	return []ParameterDef{
		{Name: "phase", Type: "string", Description: "initial | follow-up | analysis | complete", Required: true},
	}
}

func (t *SetPhaseTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	name, err := requiredString(args, "phase")
	if err != nil {
		return "", err
	}
	phase, err := workingmemory.ParsePhase(name)
	if err != nil {
		return "", err
	}
	m, err := session(ctx)
	if err != nil {
		return "", err
	}
	previous := m.Phase()
	if err := m.SetPhase(phase); err != nil {
		return "", err
	}
	return encode(map[string]any{"previous": previous, "phase": m.Phase()})
}

// ContextTool returns the session's working memory to the model.
type ContextTool struct{}

func NewContextTool() *ContextTool { return &ContextTool{} }

func (t *ContextTool) Name() string { return "get_working_memory_context" }

func (t *ContextTool) Description() string {
	return "Retrieve the current working memory: summary, findings, processed URLs and open follow-up questions."
}

func (t *ContextTool) Parameters() []ParameterDef { return nil }

func (t *ContextTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	m, err := session(ctx)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{
		"summary":           m.Summary(),
		"context":           m.ContextForAgent(),
		"stats":             m.Stats(),
		"processedUrls":     m.ProcessedURLs(),
		"findings":          m.Findings(),
		"followUpQuestions": m.FollowUpQuestions(),
	})
}
