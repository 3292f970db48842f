package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/tools"
	"github.com/hession/researchmate/internal/workingmemory"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{
			name:     "empty string",
			text:     "",
			expected: 0,
		},
		{
			name:     "short text",
			text:     "Hello",
			expected: 1, // 5 / 3 = 1
		},
		{
			name:     "medium text",
			text:     "Hello World, this is a test message.",
			expected: 12, // 36 / 3 = 12
		},
		{
			name:     "chinese text",
			text:     "你好世界",
			expected: 4, // 12 bytes (3 bytes per character) / 3 = 4
		},
		{
			name:     "mixed text",
			text:     "Hello 世界",
			expected: 4, // 12 / 3 = 4
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.text)
			if got != tt.expected {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.expected)
			}
		})
	}
}

func TestWithStreamHandler(t *testing.T) {
	var handlerCalled bool
	handler := func(content string) {
		handlerCalled = true
	}

	agent := &Agent{}
	opt := WithStreamHandler(handler)
	opt(agent)

	if agent.streamHandler == nil {
		t.Error("streamHandler should be set")
	}

	// Call the handler to verify it works
	agent.streamHandler("test")
	if !handlerCalled {
		t.Error("streamHandler should have been called")
	}
}

func TestWithToolCallHandler(t *testing.T) {
	var handlerCalled bool
	handler := func(name string, args map[string]any, result string, err error) {
		handlerCalled = true
	}

	agent := &Agent{}
	opt := WithToolCallHandler(handler)
	opt(agent)

	if agent.toolCallHandler == nil {
		t.Error("toolCallHandler should be set")
	}

	// Call the handler to verify it works
	agent.toolCallHandler("test", nil, "", nil)
	if !handlerCalled {
		t.Error("toolCallHandler should have been called")
	}
}

func TestMaxToolIterations(t *testing.T) {
	if MaxToolIterations != 10 {
		t.Errorf("MaxToolIterations should be 10, got %d", MaxToolIterations)
	}
}

type scriptedClient struct {
	responses []*llm.ChatResponse
	requests  [][]llm.Message
	toolSets  [][]llm.Tool
	streamed  int
	err       error
}

func (c *scriptedClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	c.requests = append(c.requests, append([]llm.Message{}, messages...))
	c.toolSets = append(c.toolSets, tools)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &llm.ChatResponse{Content: "done"}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) ChatStream(ctx context.Context, messages []llm.Message, tools []llm.Tool, handler llm.StreamHandler) (*llm.ChatResponse, error) {
	c.streamed++
	resp, err := c.Chat(ctx, messages, tools)
	if err == nil {
		handler(resp.Content)
	}
	return resp, err
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func TestGenerate_ToolLoop(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "record_decision", `{"decision":"use Go","reasoning":"fast"}`)}},
		{Content: "  Decided.  "},
	}}
	reg := tools.NewRegistry()
	reg.Register(tools.NewRecordDecisionTool())

	var calls []string
	a := New(client, reg, WithToolCallHandler(func(name string, args map[string]any, result string, err error) {
		calls = append(calls, name)
		if err != nil {
			t.Errorf("tool failed: %v", err)
		}
	}))

	m := workingmemory.New("s1")
	ctx := workingmemory.NewContext(context.Background(), m)
	reply, err := a.Generate(ctx, llm.Request{System: "sys", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply != "Decided." {
		t.Errorf("Unexpected reply %q", reply)
	}
	if len(calls) != 1 || calls[0] != "record_decision" {
		t.Errorf("Unexpected tool calls %v", calls)
	}
	if d := m.Decisions(); len(d) != 1 || d[0].Decision != "use Go" {
		t.Errorf("Tool should update the session in ctx, got %v", d)
	}

	second := client.requests[1]
	if len(second) != 4 {
		t.Fatalf("Expected system, user, assistant, tool messages, got %d", len(second))
	}
	if second[0].Role != llm.RoleSystem || second[3].Role != llm.RoleTool || second[3].ToolCallID != "c1" {
		t.Errorf("Unexpected message sequence: %+v", second)
	}
	if len(client.toolSets[0]) != 1 {
		t.Errorf("Expected 1 tool offered, got %d", len(client.toolSets[0]))
	}
}

func TestGenerate_ToolErrorsGoBackToModel(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			toolCall("c1", "missing_tool", `{}`),
			toolCall("c2", "record_decision", `not json`),
			toolCall("c3", "record_decision", ``),
		}},
		{Content: "sorry"},
	}}
	reg := tools.NewRegistry()
	reg.Register(tools.NewRecordDecisionTool())
	a := New(client, reg, WithErrorPrefix("Tool error"))

	reply, err := a.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "sorry" {
		t.Errorf("Unexpected reply %q", reply)
	}
	msgs := client.requests[1]
	for _, m := range msgs[len(msgs)-3:] {
		if !strings.HasPrefix(m.Content, "Tool error: ") {
			t.Errorf("Expected tool error message, got %q", m.Content)
		}
	}
}

func TestGenerate_IterationLimit(t *testing.T) {
	responses := make([]*llm.ChatResponse, 0, MaxToolIterations)
	for i := 0; i < MaxToolIterations; i++ {
		responses = append(responses, &llm.ChatResponse{ToolCalls: []llm.ToolCall{toolCall("c", "get_working_memory_context", "{}")}})
	}
	client := &scriptedClient{responses: responses}
	reg := tools.NewRegistry()
	reg.Register(tools.NewContextTool())

	ctx := workingmemory.NewContext(context.Background(), workingmemory.New("s"))
	reply, err := New(client, reg).Generate(ctx, llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "loop"}}})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "done" {
		t.Errorf("Unexpected reply %q", reply)
	}
	if len(client.requests) != MaxToolIterations+1 {
		t.Errorf("Expected %d calls, got %d", MaxToolIterations+1, len(client.requests))
	}
	if last := client.toolSets[len(client.toolSets)-1]; last != nil {
		t.Error("Final call should withhold tools")
	}
}

func TestGenerate_Errors(t *testing.T) {
	a := New(&scriptedClient{err: errors.New("down")}, nil)
	if _, err := a.Generate(context.Background(), llm.Request{}); err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("Expected wrapped client error, got %v", err)
	}

	a = New(&scriptedClient{responses: []*llm.ChatResponse{{Content: "   "}}}, nil)
	if _, err := a.Generate(context.Background(), llm.Request{}); !errors.Is(err, llm.ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestGenerate_Streams(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{Content: "streamed"}}}
	var got strings.Builder
	a := New(client, nil, WithStreamHandler(func(content string) { got.WriteString(content) }))

	if _, err := a.Generate(context.Background(), llm.Request{}); err != nil {
		t.Fatal(err)
	}
	if client.streamed != 1 || got.String() != "streamed" {
		t.Errorf("Expected one streamed call, got %d / %q", client.streamed, got.String())
	}
}
