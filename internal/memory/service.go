// Package memory runs a conversational turn end to end: it assembles the
// context window, calls the model, persists the exchange and keeps working
// memory in step with durable storage.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/conversation"
	"github.com/hession/researchmate/internal/llm"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/recall"
	"github.com/hession/researchmate/internal/workingmemory"
)

var log = logger.Named("memory")

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = apperr.Invalid("send", "cannot send empty message")

// Default thread titles.
const (
	DefaultThreadTitle = "New Chat"
	ChatThreadTitle    = "Chat"
)

// summaryPrefixMin is the summary length past which working memory is
// prefixed to the user message.
const summaryPrefixMin = 50

// ChatMessage is a message as returned to callers.
type ChatMessage struct {
	ID        string            `json:"id"`
	Role      conversation.Role `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"createdAt"`
}

// SendRequest is one user turn.
type SendRequest struct {
	UserID               string
	ThreadID             string
	Message              string
	IncludeWorkingMemory bool
}

// SendResult is the completed turn. PersistenceFailed means the reply was
// generated but some of it may not have been stored; Warnings says what.
type SendResult struct {
	ThreadID             string      `json:"threadId"`
	UserMessage          ChatMessage `json:"userMessage"`
	AssistantMessage     ChatMessage `json:"assistantMessage"`
	WorkingMemorySummary string      `json:"workingMemorySummary,omitempty"`
	RecallDegraded       bool        `json:"recallDegraded,omitempty"`
	HistoryDegraded      bool        `json:"historyDegraded,omitempty"`
	PersistenceFailed    bool        `json:"persistenceFailed,omitempty"`
	Warnings             []string    `json:"warnings,omitempty"`
}

func (r *SendResult) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warn("thread %s: %s", r.ThreadID, msg)
	r.PersistenceFailed = true
	r.Warnings = append(r.Warnings, msg)
}

// Service is the conversation memory facade used by the API and the REPL.
type Service struct {
	store     conversation.Store
	wm        *workingmemory.Service
	sessions  *workingmemory.Registry
	assembler *recall.Assembler
	indexer   *recall.Indexer
	gen       llm.Generator

	policy       recall.Policy
	systemPrompt string
	now          func() time.Time
	newID        func() string
}

// Option configures a Service.
type Option func(*Service)

func WithPolicy(p recall.Policy) Option { return func(s *Service) { s.policy = p } }

func WithSystemPrompt(prompt string) Option { return func(s *Service) { s.systemPrompt = prompt } }

// WithIndexer embeds every persisted message for later recall.
func WithIndexer(x *recall.Indexer) Option { return func(s *Service) { s.indexer = x } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func NewService(store conversation.Store, wm *workingmemory.Service, sessions *workingmemory.Registry,
	assembler *recall.Assembler, gen llm.Generator, opts ...Option) *Service {
	s := &Service{
		store:     store,
		wm:        wm,
		sessions:  sessions,
		assembler: assembler,
		gen:       gen,
		policy:    recall.DefaultPolicy(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionKey is the working-memory session id of a thread. The user id is
// length-prefixed so that no (user, thread) pair shares a key with another.
func SessionKey(userID, threadID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + ":" + threadID
}

// ParseSessionKey splits a key built by SessionKey.
func ParseSessionKey(key string) (userID, threadID string, ok bool) {
	head, rest, found := strings.Cut(key, ":")
	if !found {
		return "", "", false
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 || n >= len(rest) || rest[n] != ':' {
		return "", "", false
	}
	return rest[:n], rest[n+1:], true
}

// Policy returns the active context policy.
func (s *Service) Policy() recall.Policy { return s.policy }

// Sessions returns the live working-memory registry.
func (s *Service) Sessions() *workingmemory.Registry { return s.sessions }

// WorkingMemory returns the persistent working-memory service.
func (s *Service) WorkingMemory() *workingmemory.Service { return s.wm }

// Send runs one turn. Turns on the same thread are serialized.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if req.UserID == "" || req.ThreadID == "" {
		return nil, apperr.Invalid("send", "user id and thread id are required")
	}
	if _, err := s.GetOrCreateThread(ctx, req.UserID, req.ThreadID, ""); err != nil {
		return nil, err
	}

	var result *SendResult
	err := s.sessions.Do(SessionKey(req.UserID, req.ThreadID), func(m *workingmemory.Memory) error {
		var err error
		result, err = s.turn(ctx, req, m)
		return err
	})
	return result, err
}

func (s *Service) turn(ctx context.Context, req SendRequest, m *workingmemory.Memory) (*SendResult, error) {
	result := &SendResult{ThreadID: req.ThreadID}

	// persisted state wins over whatever the live session holds
	if p, err := s.wm.Get(ctx, req.UserID, req.ThreadID); err != nil {
		log.Warn("thread %s: working memory unavailable, using live session: %v", req.ThreadID, err)
	} else {
		m.Restore(p)
	}

	enhanced := req.Message
	if req.IncludeWorkingMemory {
		summary := workingmemory.RenderSummary(m.Progress())
		result.WorkingMemorySummary = summary
		if len(strings.TrimSpace(summary)) > summaryPrefixMin {
			enhanced = summary + "\n\n---\n\nUser Message: " + req.Message
		}
	}

	assembled := s.assembler.Assemble(ctx, req.UserID, req.ThreadID, req.Message, s.policy)
	result.RecallDegraded = assembled.RecallDegraded
	result.HistoryDegraded = assembled.HistoryDegraded

	genReq := llm.Request{
		System:     s.buildSystem(assembled),
		Messages:   append(historyMessages(assembled.Recent), llm.Message{Role: llm.RoleUser, Content: enhanced}),
		ThreadID:   req.ThreadID,
		ResourceID: req.UserID,
	}
	reply, err := s.gen.Generate(workingmemory.NewContext(ctx, m), genReq)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, fmt.Errorf("failed to generate response: %w", llm.ErrEmptyResponse)
	}

	now := s.now()
	userMsg := conversation.NewTextMessage(s.newID(), req.ThreadID, req.UserID, conversation.RoleUser, req.Message, now)
	asstMsg := conversation.NewTextMessage(s.newID(), req.ThreadID, req.UserID, conversation.RoleAssistant, reply, now.Add(time.Millisecond))
	result.UserMessage = toChat(userMsg, req.Message)
	result.AssistantMessage = toChat(asstMsg, reply)

	if err := s.store.SaveMessages(ctx, []*conversation.Message{userMsg, asstMsg}); err != nil {
		result.warn("messages not saved: %v", err)
	} else if s.indexer != nil {
		if err := s.indexer.Index(ctx, []*conversation.Message{userMsg, asstMsg}); err != nil {
			result.warn("messages not indexed for recall: %v", err)
		}
	}

	if err := s.touchThread(ctx, req.ThreadID); err != nil {
		result.warn("thread not updated: %v", err)
	}
	if err := s.wm.Flush(ctx, req.UserID, req.ThreadID, m); err != nil {
		result.warn("working memory not saved: %v", err)
	}
	return result, nil
}

func (s *Service) buildSystem(c *recall.Context) string {
	parts := make([]string, 0, 2)
	if s.systemPrompt != "" {
		parts = append(parts, s.systemPrompt)
	}
	if block := c.RecalledBlock(); block != "" {
		parts = append(parts, block)
	}
	return strings.Join(parts, "\n\n")
}

// touchThread bumps updatedAt, re-reading metadata so a working-memory blob
// written meanwhile is kept.
func (s *Service) touchThread(ctx context.Context, threadID string) error {
	t, err := s.store.GetThreadByID(ctx, threadID)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.NotFound("update thread", threadID)
	}
	title := t.Title
	if title == "" {
		title = ChatThreadTitle
	}
	_, err = s.store.UpdateThread(ctx, threadID, title, t.Metadata)
	return err
}

// historyMessages keeps user and assistant turns with text.
func historyMessages(msgs []*conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		text := m.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: text})
	}
	return out
}

func toChat(m *conversation.Message, text string) ChatMessage {
	return ChatMessage{ID: m.ID, Role: m.Role, Content: text, CreatedAt: m.CreatedAt}
}
