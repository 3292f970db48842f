// Package conversation stores threads and their messages.
package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hession/researchmate/internal/content"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message types as stored in the type column.
const (
	TypeV2   = "v2"
	TypeText = "text"
)

// Store is the conversation storage collaborator.
type Store interface {
	// Threads
	SaveThread(ctx context.Context, thread *Thread) (*Thread, error)
	GetThreadByID(ctx context.Context, id string) (*Thread, error) // nil, nil when missing
	UpdateThread(ctx context.Context, id, title string, metadata map[string]any) (*Thread, error)
	DeleteThread(ctx context.Context, id string) error
	GetThreadsByResourceID(ctx context.Context, resourceID string) ([]*Thread, error)

	// Messages
	SaveMessages(ctx context.Context, msgs []*Message) error
	ListMessages(ctx context.Context, threadID string, limit int) ([]*Message, error)
	MessagesAround(ctx context.Context, threadID, messageID string, before, after int) ([]*Message, error)
	CountMessages(ctx context.Context, threadID string) (int, error)

	Close() error
}

// Thread is one conversation owned by a resource (user).
type Thread struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resourceId"`
	Title      string         `json:"title"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Message is a stored message. Content holds the serialized payload exactly as
// written, which may be any historical layout; use Text to read it.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId"`
	ResourceID string    `json:"resourceId"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Text returns the normalized display text of the message.
func (m *Message) Text() string {
	return content.NormalizeJSON([]byte(m.Content))
}

// Classify returns the layout of the stored payload.
func (m *Message) Classify() content.Content {
	return content.ClassifyJSON([]byte(m.Content))
}

type v2Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type v2Content struct {
	Format int      `json:"format"`
	Parts  []v2Part `json:"parts"`
}

// NewTextMessage builds a message with text encoded in the v2 parts layout.
func NewTextMessage(id, threadID, resourceID string, role Role, text string, at time.Time) *Message {
	payload := struct {
		Content v2Content `json:"content"`
	}{Content: v2Content{Format: 2, Parts: []v2Part{{Type: "text", Text: text}}}}
	if text == "" {
		payload.Content.Parts = []v2Part{}
	}
	b, _ := json.Marshal(payload)
	return &Message{
		ID:         id,
		ThreadID:   threadID,
		ResourceID: resourceID,
		Role:       role,
		Content:    string(b),
		Type:       TypeV2,
		CreatedAt:  at,
	}
}
