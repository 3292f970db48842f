package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hession/researchmate/internal/workingmemory"
)

// ErrNoSession is returned by tools that need a working-memory session when
// the context carries none.
var ErrNoSession = errors.New("no working memory session in context")

// Tool tool interface
type Tool interface {
	Name() string                                                     // Tool name
	Description() string                                              // Tool description (for LLM)
	Parameters() []ParameterDef                                       // Parameter definitions
	Execute(ctx context.Context, args map[string]any) (string, error) // Execute
}

// ParameterDef parameter definition
type ParameterDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string" | "number" | "boolean"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

func session(ctx context.Context) (*workingmemory.Memory, error) {
	m, ok := workingmemory.FromContext(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	return m, nil
}

func requiredString(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing required parameter: %s", name)
	}
	return strings.TrimSpace(v), nil
}

func optionalString(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return strings.TrimSpace(v)
}

func encode(payload any) (string, error) {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}
	return string(b), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
