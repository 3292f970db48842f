package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/conversation"
)

// ThreadInfo is a thread as listed to its owner.
type ThreadInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CleanupResult counts threads removed and kept by CleanupEmptyThreads.
type CleanupResult struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
}

func toInfo(t *conversation.Thread) ThreadInfo {
	title := t.Title
	if title == "" {
		title = DefaultThreadTitle
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = t.CreatedAt
	}
	return ThreadInfo{ID: t.ID, Title: title, CreatedAt: t.CreatedAt, UpdatedAt: updated}
}

// OwnedThread returns the thread if it exists and belongs to userID. A thread
// owned by someone else is reported as not found.
func (s *Service) OwnedThread(ctx context.Context, userID, threadID string) (*conversation.Thread, error) {
	t, err := s.store.GetThreadByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.ResourceID != userID {
		return nil, apperr.NotFound("thread", threadID)
	}
	return t, nil
}

// Thread returns one of the user's threads.
func (s *Service) Thread(ctx context.Context, userID, threadID string) (ThreadInfo, error) {
	t, err := s.OwnedThread(ctx, userID, threadID)
	if err != nil {
		return ThreadInfo{}, err
	}
	return toInfo(t), nil
}

// GetOrCreateThread returns the thread, creating it for userID when missing.
func (s *Service) GetOrCreateThread(ctx context.Context, userID, threadID, title string) (ThreadInfo, error) {
	t, err := s.store.GetThreadByID(ctx, threadID)
	if err != nil {
		return ThreadInfo{}, err
	}
	if t != nil {
		if t.ResourceID != userID {
			return ThreadInfo{}, apperr.NotFound("thread", threadID)
		}
		return toInfo(t), nil
	}

	if title == "" {
		title = DefaultThreadTitle
	}
	now := s.now()
	t, err = s.store.SaveThread(ctx, &conversation.Thread{
		ID:         threadID,
		ResourceID: userID,
		Title:      title,
		Metadata:   map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return ThreadInfo{}, err
	}
	log.Info("created thread %s for %s", threadID, userID)
	return toInfo(t), nil
}

// NewThreadID returns an id of the form thread-<unix ms>-<7 base36 chars>.
func NewThreadID(now time.Time) string {
	suffix := strconv.FormatUint(rand.Uint64(), 36)
	for len(suffix) < 7 {
		suffix = "0" + suffix
	}
	return fmt.Sprintf("thread-%d-%s", now.UnixMilli(), suffix[:7])
}

func (s *Service) CreateThread(ctx context.Context, userID, title string) (ThreadInfo, error) {
	return s.GetOrCreateThread(ctx, userID, NewThreadID(s.now()), title)
}

// Threads lists the user's threads, most recently updated first.
func (s *Service) Threads(ctx context.Context, userID string) ([]ThreadInfo, error) {
	threads, err := s.store.GetThreadsByResourceID(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ThreadInfo, 0, len(threads))
	for _, t := range threads {
		out = append(out, toInfo(t))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Service) UpdateThreadTitle(ctx context.Context, userID, threadID, title string) (ThreadInfo, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return ThreadInfo{}, apperr.Invalid("update thread", "title is required")
	}
	t, err := s.OwnedThread(ctx, userID, threadID)
	if err != nil {
		return ThreadInfo{}, err
	}
	updated, err := s.store.UpdateThread(ctx, threadID, title, t.Metadata)
	if err != nil {
		return ThreadInfo{}, err
	}
	return toInfo(updated), nil
}

// History returns the thread's user and assistant messages with normalized
// text, oldest first. Messages with no text are dropped. A missing thread has
// an empty history.
func (s *Service) History(ctx context.Context, userID, threadID string) ([]ChatMessage, error) {
	t, err := s.store.GetThreadByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return []ChatMessage{}, nil
	}
	if t.ResourceID != userID {
		return nil, apperr.NotFound("thread", threadID)
	}

	msgs, err := s.store.ListMessages(ctx, threadID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		text := m.Text()
		if text == "" {
			continue
		}
		out = append(out, toChat(m, text))
	}
	return out, nil
}

// DeleteThread removes the thread with its messages, working memory, recall
// vectors and live session. Only the thread deletion itself is fatal.
func (s *Service) DeleteThread(ctx context.Context, userID, threadID string) error {
	if _, err := s.OwnedThread(ctx, userID, threadID); err != nil {
		return err
	}
	// row-per-key state outlives the thread, so clear it first
	if err := s.wm.Clear(ctx, userID, threadID); err != nil && !apperr.IsNotFound(err) {
		log.Warn("thread %s: working memory not cleared: %v", threadID, err)
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	if s.indexer != nil {
		if err := s.indexer.DeleteThread(ctx, threadID); err != nil {
			log.Warn("thread %s: recall vectors not deleted: %v", threadID, err)
		}
	}
	s.sessions.Clear(SessionKey(userID, threadID))
	log.Info("deleted thread %s", threadID)
	return nil
}

// CleanupEmptyThreads deletes the user's threads that have no messages. A
// thread that cannot be checked is kept.
func (s *Service) CleanupEmptyThreads(ctx context.Context, userID string) (CleanupResult, error) {
	threads, err := s.store.GetThreadsByResourceID(ctx, userID)
	if err != nil {
		return CleanupResult{}, err
	}
	var res CleanupResult
	for _, t := range threads {
		n, err := s.store.CountMessages(ctx, t.ID)
		if err != nil {
			log.Warn("cleanup: cannot count messages of %s: %v", t.ID, err)
			res.Kept++
			continue
		}
		if n > 0 {
			res.Kept++
			continue
		}
		if err := s.DeleteThread(ctx, userID, t.ID); err != nil {
			log.Warn("cleanup: cannot delete %s: %v", t.ID, err)
			res.Kept++
			continue
		}
		res.Deleted++
	}
	log.Info("cleanup for %s: deleted %d, kept %d", userID, res.Deleted, res.Kept)
	return res, nil
}
