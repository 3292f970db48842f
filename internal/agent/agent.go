// Package agent runs the tool-calling loop on top of the chat client.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/tools"
)

const (
	// MaxToolIterations maximum number of tool call iterations
	MaxToolIterations = 10

	defaultErrorPrefix = "Error"
)

var log = logger.Named("agent")

// ChatClient is the subset of llm.Client the agent drives.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error)
	ChatStream(ctx context.Context, messages []llm.Message, tools []llm.Tool, handler llm.StreamHandler) (*llm.ChatResponse, error)
}

// Agent answers a request, calling registered tools until the model replies
// with plain text. It implements llm.Generator.
type Agent struct {
	llm             ChatClient
	registry        *tools.Registry
	errorPrefix     string
	streamHandler   func(content string)
	toolCallHandler func(name string, args map[string]any, result string, err error)
}

// Option agent configuration option
type Option func(*Agent)

// WithStreamHandler sets the stream output handler
func WithStreamHandler(handler func(content string)) Option {
	return func(a *Agent) {
		a.streamHandler = handler
	}
}

// WithToolCallHandler sets the tool call handler
func WithToolCallHandler(handler func(name string, args map[string]any, result string, err error)) Option {
	return func(a *Agent) {
		a.toolCallHandler = handler
	}
}

// WithErrorPrefix sets the text that precedes a tool error fed back to the model
func WithErrorPrefix(prefix string) Option {
	return func(a *Agent) {
		if prefix != "" {
			a.errorPrefix = prefix
		}
	}
}

// New creates a new Agent instance. A nil registry disables tools.
func New(client ChatClient, reg *tools.Registry, opts ...Option) *Agent {
	agent := &Agent{
		llm:         client,
		registry:    reg,
		errorPrefix: defaultErrorPrefix,
	}

	// Apply options
	for _, opt := range opts {
		opt(agent)
	}

	return agent
}

// Generate runs the agent loop. Tools receive ctx, so a working-memory
// session attached to it is what they read and update.
func (a *Agent) Generate(ctx context.Context, req llm.Request) (string, error) {
	messages := req.Wire()
	var llmTools []llm.Tool
	if a.registry != nil {
		llmTools = a.registry.LLMTools()
	}
	log.Debug("thread %s: prompt ~%d tokens, %d tools", req.ThreadID, estimateMessages(messages), len(llmTools))

	// Agent loop
	for i := 0; i < MaxToolIterations; i++ {
		resp, err := a.call(ctx, messages, llmTools)
		if err != nil {
			return "", fmt.Errorf("failed to call LLM: %w", err)
		}

		// If no tool calls, return final response
		if len(resp.ToolCalls) == 0 {
			return finalText(resp)
		}

		// Add assistant message (with tool calls)
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Execute each tool call
		for _, toolCall := range resp.ToolCalls {
			messages = append(messages, a.runTool(ctx, toolCall))
		}
	}

	// out of iterations: ask once more with tools withheld
	log.Warn("thread %s: tool iteration limit %d reached", req.ThreadID, MaxToolIterations)
	resp, err := a.call(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("failed to call LLM: %w", err)
	}
	return finalText(resp)
}

func (a *Agent) call(ctx context.Context, messages []llm.Message, llmTools []llm.Tool) (*llm.ChatResponse, error) {
	if a.streamHandler != nil {
		return a.llm.ChatStream(ctx, messages, llmTools, a.streamHandler)
	}
	return a.llm.Chat(ctx, messages, llmTools)
}

func finalText(resp *llm.ChatResponse) (string, error) {
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

// runTool executes one call and returns the tool message for it. Failures
// are reported to the model rather than aborting the turn.
func (a *Agent) runTool(ctx context.Context, toolCall llm.ToolCall) llm.Message {
	var (
		args    map[string]any
		result  string
		toolErr error
	)
	if err := json.Unmarshal([]byte(orEmptyObject(toolCall.Function.Arguments)), &args); err != nil {
		toolErr = fmt.Errorf("failed to parse tool arguments: %w", err)
	} else if a.registry == nil {
		toolErr = fmt.Errorf("tool not found: %s", toolCall.Function.Name)
	} else {
		result, toolErr = a.registry.Execute(ctx, toolCall.Function.Name, args)
	}

	// Notify tool call status
	if a.toolCallHandler != nil {
		a.toolCallHandler(toolCall.Function.Name, args, result, toolErr)
	}

	content := result
	if toolErr != nil {
		log.Warn("tool %s failed: %v", toolCall.Function.Name, toolErr)
		content = fmt.Sprintf("%s: %v", a.errorPrefix, toolErr)
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: toolCall.ID,
	}
}

func orEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

func estimateMessages(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		n += EstimateTokens(m.Content)
	}
	return n
}

// EstimateTokens roughly estimates the token count of text
func EstimateTokens(text string) int {
	// about 3 bytes per token across English and CJK text
	return len(text) / 3
}
