// Package llm talks to chat-completion models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ClientConfig configures an OpenAI-compatible chat endpoint.
type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client is an OpenAI-compatible chat-completions client.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client

	// retryBackoff is the base delay between ChatWithRetry attempts.
	retryBackoff time.Duration
}

// Message is one chat message on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the assistant turn.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// StreamHandler receives content deltas as they arrive.
type StreamHandler func(content string)

// Tool is a function-calling schema.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type choice struct {
	Index        int         `json:"index"`
	Message      Message     `json:"message"`
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

// streamDelta carries the per-call index that stream chunks use to
// address partial tool calls.
type streamDelta struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Index    *int         `json:"index"`
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function FunctionCall `json:"function"`
	} `json:"tool_calls"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// New creates a client. A zero Timeout means 120s.
func New(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		httpClient:   &http.Client{Timeout: timeout},
		retryBackoff: time.Second,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Chat sends a non-streaming request.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error) {
	return c.chat(ctx, messages, tools, false, nil)
}

// ChatStream sends a streaming request; handler may be nil.
func (c *Client) ChatStream(ctx context.Context, messages []Message, tools []Tool, handler StreamHandler) (*ChatResponse, error) {
	return c.chat(ctx, messages, tools, true, handler)
}

func (c *Client) chat(ctx context.Context, messages []Message, tools []Tool, stream bool, handler StreamHandler) (*ChatResponse, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      stream,
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, string(body))
	}

	if stream {
		return readStream(resp.Body, handler)
	}
	return readResponse(resp.Body)
}

func readResponse(body io.Reader) (*ChatResponse, error) {
	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("API returned empty response")
	}
	msg := resp.Choices[0].Message
	return &ChatResponse{Content: msg.Content, ToolCalls: msg.ToolCalls}, nil
}

// readStream consumes server-sent events, concatenating content deltas and
// merging tool-call fragments by their index.
func readStream(body io.Reader, handler StreamHandler) (*ChatResponse, error) {
	reader := bufio.NewReader(body)
	var content strings.Builder
	calls := make(map[int]*ToolCall)

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read streaming response: %w", err)
		}
		done := err == io.EOF

		line = strings.TrimSpace(line)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if data == "[DONE]" {
				break
			}
			var chunk chatResponse
			if json.Unmarshal([]byte(data), &chunk) == nil && len(chunk.Choices) > 0 {
				delta := chunk.Choices[0].Delta
				if delta.Content != "" {
					content.WriteString(delta.Content)
					if handler != nil {
						handler(delta.Content)
					}
				}
				for _, tc := range delta.ToolCalls {
					idx := callIndex(calls, tc.Index, tc.ID)
					if existing, ok := calls[idx]; ok {
						existing.Function.Arguments += tc.Function.Arguments
						if tc.Function.Name != "" {
							existing.Function.Name = tc.Function.Name
						}
						continue
					}
					typ := tc.Type
					if typ == "" {
						typ = "function"
					}
					calls[idx] = &ToolCall{ID: tc.ID, Type: typ, Function: tc.Function}
				}
			}
		}
		if done {
			break
		}
	}

	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	var toolCalls []ToolCall
	for _, i := range idxs {
		toolCalls = append(toolCalls, *calls[i])
	}
	return &ChatResponse{Content: content.String(), ToolCalls: toolCalls}, nil
}

// callIndex resolves which call a fragment belongs to. Providers that omit
// the index send the id on the first fragment only.
func callIndex(calls map[int]*ToolCall, index *int, id string) int {
	if index != nil {
		return *index
	}
	if id == "" {
		if len(calls) == 0 {
			return 0
		}
		return len(calls) - 1
	}
	for i, c := range calls {
		if c.ID == id {
			return i
		}
	}
	return len(calls)
}

// ChatWithRetry retries failed requests with a linearly growing delay.
func (c *Client) ChatWithRetry(ctx context.Context, messages []Message, tools []Tool, maxRetries int) (*ChatResponse, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		resp, err := c.Chat(ctx, messages, tools)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i == maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * c.retryBackoff):
		}
	}
	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
