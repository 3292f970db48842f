// Package api serves the conversation memory over HTTP.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/logger"
	"github.com/hession/researchmate/internal/memory"
	"github.com/hession/researchmate/internal/report"
)

var log = logger.Named("api")

// Options configures the router.
type Options struct {
	// APIKey guards every route except /health. Empty disables the check.
	APIKey         string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	Checks         []HealthCheck
	// Knowledge and Reports add their routes when set.
	Knowledge *knowledge.Base
	Reports   *report.Writer
}

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(svc *memory.Service, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(CORS(opts.AllowedOrigins))
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recovery)

	healthH := NewHealthHandler(opts.Checks)
	chatH := NewChatHandler(svc)
	threadH := NewThreadHandler(svc)
	memoryH := NewMemoryHandler(svc)

	r.Get("/health", healthH.Health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.APIKey))
		r.Use(UserIdentity)
		if opts.RateLimitRPS > 0 {
			r.Use(RateLimit(NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)))
		}

		r.Post("/chat", chatH.Send)
		r.Get("/history", chatH.History)
		r.Get("/sessions", memoryH.Sessions)

		if opts.Knowledge != nil {
			knowledgeH := NewKnowledgeHandler(opts.Knowledge)
			r.Route("/knowledge", func(r chi.Router) {
				r.Post("/", knowledgeH.Add)
				r.Get("/search", knowledgeH.Search)
				r.Get("/collections", knowledgeH.Collections)
			})
		}

		r.Route("/threads", func(r chi.Router) {
			r.Get("/", threadH.List)
			r.Post("/", threadH.Create)
			r.Post("/cleanup", threadH.Cleanup)
			r.Get("/{threadId}", threadH.Get)
			r.Put("/{threadId}", threadH.Update)
			r.Delete("/{threadId}", threadH.Delete)
			if opts.Reports != nil {
				r.Post("/{threadId}/report", NewReportHandler(opts.Reports).Write)
			}

			r.Route("/{threadId}/memory", func(r chi.Router) {
				r.Get("/", memoryH.Get)
				r.Put("/", memoryH.Set)
				r.Delete("/", memoryH.Clear)
				r.Post("/finding", memoryH.AddFinding)
				r.Post("/insight", memoryH.AddInsight)
				r.Put("/phase", memoryH.SetPhase)
			})
		})
	})

	return r
}
