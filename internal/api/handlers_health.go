package api

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck checks one dependency. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ServiceCheck is the reported state of one dependency.
type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                  `json:"status"`
	Services map[string]ServiceCheck `json:"services"`
}

const healthTimeout = 3 * time.Second

type HealthHandler struct {
	checks []HealthCheck
}

func NewHealthHandler(checks []HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Services: make(map[string]ServiceCheck, len(h.checks))}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			resp.Services[c.Name] = ServiceCheck{Status: "error", Message: err.Error()}
			resp.Status = "degraded"
			continue
		}
		resp.Services[c.Name] = ServiceCheck{Status: "ok"}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
