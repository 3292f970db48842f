package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/report"
)

// KnowledgeHandler serves the shared knowledge base.
type KnowledgeHandler struct {
	kb *knowledge.Base
}

func NewKnowledgeHandler(kb *knowledge.Base) *KnowledgeHandler {
	return &KnowledgeHandler{kb: kb}
}

type addDocumentsRequest struct {
	Documents []knowledge.Document `json:"documents"`
}

// Add handles POST /knowledge
func (h *KnowledgeHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addDocumentsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents are required")
		return
	}
	ids, err := h.kb.Add(r.Context(), req.Documents)
	if err != nil {
		writeFailure(w, r, err, "Failed to store documents")
		return
	}
	writeOK(w, map[string]any{"ids": ids})
}

// Search handles GET /knowledge/search?q=&collections=&topK=&minScore=
func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := knowledge.SearchRequest{Query: q.Get("q")}
	for _, c := range strings.Split(q.Get("collections"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			req.Collections = append(req.Collections, c)
		}
	}
	if v := q.Get("topK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "topK must be a positive integer")
			return
		}
		req.TopK = n
	}
	if v := q.Get("minScore"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "minScore must be a number")
			return
		}
		req.MinScore = &f
	}
	res, err := h.kb.Search(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err, "Failed to search knowledge base")
		return
	}
	writeOK(w, map[string]any{"results": res.Hits, "total": res.Total})
}

// Collections handles GET /knowledge/collections
func (h *KnowledgeHandler) Collections(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"collections": h.kb.Collections()})
}

// ReportHandler writes research reports for threads.
type ReportHandler struct {
	writer *report.Writer
}

func NewReportHandler(writer *report.Writer) *ReportHandler {
	return &ReportHandler{writer: writer}
}

type reportRequest struct {
	Topic string `json:"topic"`
}

// Write handles POST /threads/{threadId}/report
func (h *ReportHandler) Write(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rep, err := h.writer.Write(r.Context(), report.Request{
		UserID:   GetUserID(r),
		ThreadID: chi.URLParam(r, "threadId"),
		Topic:    req.Topic,
	})
	if err != nil {
		writeFailure(w, r, err, "Failed to write report")
		return
	}
	writeOK(w, map[string]any{"report": rep})
}
