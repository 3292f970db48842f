package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hession/researchmate/internal/memory"
)

type ThreadHandler struct {
	svc *memory.Service
}

func NewThreadHandler(svc *memory.Service) *ThreadHandler {
	return &ThreadHandler{svc: svc}
}

type threadRequest struct {
	Title string `json:"title"`
}

// List handles GET /threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	threads, err := h.svc.Threads(r.Context(), GetUserID(r))
	if err != nil {
		writeFailure(w, r, err, "Failed to get threads")
		return
	}
	writeOK(w, map[string]any{"threads": threads})
}

// Create handles POST /threads. The body is optional.
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req threadRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	thread, err := h.svc.CreateThread(r.Context(), GetUserID(r), req.Title)
	if err != nil {
		writeFailure(w, r, err, "Failed to create thread")
		return
	}
	writeOK(w, map[string]any{"thread": thread})
}

// Get handles GET /threads/{threadId}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	thread, err := h.svc.Thread(r.Context(), GetUserID(r), chi.URLParam(r, "threadId"))
	if err != nil {
		writeFailure(w, r, err, "Failed to get thread")
		return
	}
	writeOK(w, map[string]any{"thread": thread})
}

// Update handles PUT /threads/{threadId}
func (h *ThreadHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req threadRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	thread, err := h.svc.UpdateThreadTitle(r.Context(), GetUserID(r), chi.URLParam(r, "threadId"), req.Title)
	if err != nil {
		writeFailure(w, r, err, "Failed to update thread")
		return
	}
	writeOK(w, map[string]any{"thread": thread})
}

// Delete handles DELETE /threads/{threadId}
func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteThread(r.Context(), GetUserID(r), chi.URLParam(r, "threadId")); err != nil {
		writeFailure(w, r, err, "Failed to delete thread")
		return
	}
	writeOK(w, nil)
}

// Cleanup handles POST /threads/cleanup
func (h *ThreadHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CleanupEmptyThreads(r.Context(), GetUserID(r))
	if err != nil {
		writeFailure(w, r, err, "Failed to cleanup threads")
		return
	}
	writeOK(w, map[string]any{
		"message": fmt.Sprintf("Cleanup complete: deleted %d empty threads, kept %d threads with messages", res.Deleted, res.Kept),
		"deleted": res.Deleted,
		"kept":    res.Kept,
	})
}
