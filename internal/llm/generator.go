package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Request is one model turn: a system prompt plus the conversation so far.
// ThreadID and ResourceID identify the conversation for generators that
// bind tools to a session.
type Request struct {
	System     string
	Messages   []Message
	ThreadID   string
	ResourceID string
}

// Generator produces the assistant reply for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ChatGenerator generates with a plain chat-completions call, no tools.
type ChatGenerator struct {
	client *Client
}

func NewChatGenerator(client *Client) *ChatGenerator {
	return &ChatGenerator{client: client}
}

func (g *ChatGenerator) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.client.Chat(ctx, req.Wire(), nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Wire returns the messages with the system prompt prepended.
func (r Request) Wire() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	if r.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.System})
	}
	return append(out, r.Messages...)
}
