package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hession/researchmate/internal/memory"
	"github.com/hession/researchmate/internal/workingmemory"
)

// MemoryHandler exposes a thread's persisted working memory. Writes go to
// durable storage; the next turn restores them into the live session.
type MemoryHandler struct {
	svc *memory.Service
}

func NewMemoryHandler(svc *memory.Service) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

// owned resolves the path thread and checks that the caller owns it.
func (h *MemoryHandler) owned(w http.ResponseWriter, r *http.Request) (userID, threadID string, ok bool) {
	userID, threadID = GetUserID(r), chi.URLParam(r, "threadId")
	if _, err := h.svc.OwnedThread(r.Context(), userID, threadID); err != nil {
		writeFailure(w, r, err, "Failed to load thread")
		return "", "", false
	}
	return userID, threadID, true
}

// Get handles GET /threads/{threadId}/memory
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, threadID, ok := h.owned(w, r)
	if !ok {
		return
	}
	p, err := h.svc.WorkingMemory().Get(r.Context(), userID, threadID)
	if err != nil {
		writeFailure(w, r, err, "Failed to get working memory")
		return
	}
	writeOK(w, map[string]any{
		"workingMemory":      p,
		"remainingFollowUps": p.RemainingFollowUpQuestions(),
		"summary":            workingmemory.RenderSummary(p),
	})
}

type setKeyRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Set handles PUT /threads/{threadId}/memory
func (h *MemoryHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req setKeyRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	userID, threadID, ok := h.owned(w, r)
	if !ok {
		return
	}
	if req.Key == workingmemory.KeyPhase {
		var phase string
		if err := json.Unmarshal(req.Value, &phase); err != nil {
			writeError(w, http.StatusBadRequest, "phase must be a string")
			return
		}
		h.setPhase(w, r, userID, threadID, phase)
		return
	}
	value := req.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if err := h.svc.WorkingMemory().Set(r.Context(), userID, threadID, req.Key, value); err != nil {
		writeFailure(w, r, err, "Failed to update working memory")
		return
	}
	writeOK(w, map[string]any{"key": req.Key})
}

// Clear handles DELETE /threads/{threadId}/memory
func (h *MemoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	userID, threadID, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.svc.WorkingMemory().Clear(r.Context(), userID, threadID); err != nil {
		writeFailure(w, r, err, "Failed to clear working memory")
		return
	}
	h.svc.Sessions().Clear(memory.SessionKey(userID, threadID))
	writeOK(w, nil)
}

type findingRequest struct {
	Finding   string `json:"finding"`
	Source    string `json:"source"`
	Relevance string `json:"relevance"`
}

// AddFinding handles POST /threads/{threadId}/memory/finding
func (h *MemoryHandler) AddFinding(w http.ResponseWriter, r *http.Request) {
	var req findingRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Finding) == "" {
		writeError(w, http.StatusBadRequest, "finding is required")
		return
	}
	if req.Relevance == "" {
		req.Relevance = "medium"
	}
	userID, threadID, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.svc.WorkingMemory().AddFinding(r.Context(), userID, threadID, req.Finding, req.Source, req.Relevance); err != nil {
		writeFailure(w, r, err, "Failed to add finding")
		return
	}
	writeOK(w, nil)
}

type insightRequest struct {
	Insight string `json:"insight"`
}

// AddInsight handles POST /threads/{threadId}/memory/insight
func (h *MemoryHandler) AddInsight(w http.ResponseWriter, r *http.Request) {
	var req insightRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Insight) == "" {
		writeError(w, http.StatusBadRequest, "insight is required")
		return
	}
	userID, threadID, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.svc.WorkingMemory().AddInsight(r.Context(), userID, threadID, req.Insight); err != nil {
		writeFailure(w, r, err, "Failed to add insight")
		return
	}
	writeOK(w, nil)
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

// SetPhase handles PUT /threads/{threadId}/memory/phase
func (h *MemoryHandler) SetPhase(w http.ResponseWriter, r *http.Request) {
	var req phaseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	userID, threadID, ok := h.owned(w, r)
	if !ok {
		return
	}
	h.setPhase(w, r, userID, threadID, req.Phase)
}

func (h *MemoryHandler) setPhase(w http.ResponseWriter, r *http.Request, userID, threadID, phase string) {
	if err := h.svc.WorkingMemory().SetPhase(r.Context(), userID, threadID, phase); err != nil {
		writeFailure(w, r, err, "Failed to set phase")
		return
	}
	writeOK(w, map[string]any{"phase": phase})
}

// Sessions handles GET /sessions. Only the caller's live sessions are listed.
func (h *MemoryHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	userID := GetUserID(r)
	out := map[string]workingmemory.Snapshot{}
	for key, snap := range h.svc.Sessions().ExportAll() {
		if owner, threadID, ok := memory.ParseSessionKey(key); ok && owner == userID {
			out[threadID] = snap
		}
	}
	writeOK(w, map[string]any{"sessions": out})
}
