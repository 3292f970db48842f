package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/websearch"
)

// Registry tool registry
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register registers a tool
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already exists", name)
	}

	r.tools[name] = tool
	return nil
}

// Get gets a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List lists all tools sorted by name
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Execute executes a tool by name
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, exists := r.Get(name)
	if !exists {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

// ToolSchema tool schema (for Function Calling)
type ToolSchema struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

// FunctionSchema function schema
type FunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// GetSchemas gets all tool schemas for Function Calling, in name order
func (r *Registry) GetSchemas() []ToolSchema {
	tools := r.List()
	schemas := make([]ToolSchema, 0, len(tools))
	for _, tool := range tools {
		schema := ToolSchema{
			Type: "function",
			Function: FunctionSchema{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  buildParameterSchema(tool.Parameters()),
			},
		}
		schemas = append(schemas, schema)
	}
	return schemas
}

// LLMTools converts the schemas to the chat client's tool type.
func (r *Registry) LLMTools() []llm.Tool {
	schemas := r.GetSchemas()
	out := make([]llm.Tool, len(schemas))
	for i, schema := range schemas {
		out[i] = llm.Tool{
			Type: schema.Type,
			Function: llm.ToolFunction{
				Name:        schema.Function.Name,
				Description: schema.Function.Description,
				Parameters:  schema.Function.Parameters,
			},
		}
	}
	return out
}

// buildParameterSchema builds parameter schema
func buildParameterSchema(params []ParameterDef) map[string]interface{} {
	properties := make(map[string]interface{})
	required := make([]string, 0)

	for _, param := range params {
		properties[param.Name] = map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}

	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

// Deps are the collaborators of the research tool set.
type Deps struct {
	Search       websearch.Provider
	SearchLimit  int
	Judge        llm.Generator // nil disables model judging
	UserAgent    string
	FetchTimeout time.Duration
	Knowledge    KnowledgeBase // nil leaves out the knowledge tools
}

// NewResearchRegistry creates and registers the research tools
func NewResearchRegistry(deps Deps) *Registry {
	registry := NewRegistry()

	var judge *Judge
	if deps.Judge != nil {
		judge = NewJudge(deps.Judge)
	}

	tools := []Tool{
		NewWebSearchTool(deps.Search, deps.SearchLimit),
		NewFetchURLTool(deps.UserAgent, deps.FetchTimeout),
		NewEvaluateResultTool(judge),
		NewExtractLearningsTool(judge),
		NewRecordDecisionTool(),
		NewSetPhaseTool(),
		NewContextTool(),
	}
	if deps.Knowledge != nil {
		tools = append(tools, NewStoreKnowledgeTool(deps.Knowledge), NewRetrieveKnowledgeTool(deps.Knowledge))
	}

	for _, tool := range tools {
		_ = registry.Register(tool) // Ignore errors as we know these tool names won't conflict
	}

	return registry
}
