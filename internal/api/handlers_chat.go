package api

import (
	"net/http"
	"strings"

	"github.com/hession/researchmate/internal/memory"
)

type ChatHandler struct {
	svc *memory.Service
}

func NewChatHandler(svc *memory.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

type chatRequest struct {
	ThreadID             string `json:"threadId"`
	Message              string `json:"message"`
	IncludeWorkingMemory *bool  `json:"includeWorkingMemory"`
}

// Send handles POST /chat
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ThreadID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "threadId and message are required")
		return
	}
	include := true
	if req.IncludeWorkingMemory != nil {
		include = *req.IncludeWorkingMemory
	}

	result, err := h.svc.Send(r.Context(), memory.SendRequest{
		UserID:               GetUserID(r),
		ThreadID:             req.ThreadID,
		Message:              req.Message,
		IncludeWorkingMemory: include,
	})
	if err != nil {
		writeFailure(w, r, err, err.Error())
		return
	}

	writeOK(w, map[string]any{
		"userMessage":       result.UserMessage,
		"assistantMessage":  result.AssistantMessage,
		"recallDegraded":    result.RecallDegraded,
		"historyDegraded":   result.HistoryDegraded,
		"persistenceFailed": result.PersistenceFailed,
		"warnings":          result.Warnings,
	})
}

// History handles GET /history?threadId=
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("threadId")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}
	msgs, err := h.svc.History(r.Context(), GetUserID(r), threadID)
	if err != nil {
		writeFailure(w, r, err, "Failed to get history")
		return
	}
	writeOK(w, map[string]any{"messages": msgs})
}
