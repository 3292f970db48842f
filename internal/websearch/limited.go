package websearch

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/breaker"
)

// Limited throttles a provider and stops calling it while it keeps failing.
type Limited struct {
	inner   Provider
	limiter *rate.Limiter
	breaker *breaker.Breaker
}

// NewLimited wraps inner with rps requests per second (burst 1) and a
// breaker. rps <= 0 disables throttling.
func NewLimited(inner Provider, rps float64, cfg breaker.Config) *Limited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker.New(cfg),
	}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Search(ctx context.Context, query string, limit int) (Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Response{}, apperr.Transient("web search", err)
	}
	out, err := l.breaker.Execute(ctx, func() (interface{}, error) {
		return l.inner.Search(ctx, query, limit)
	})
	if err != nil {
		return Response{}, apperr.Transient("web search", err)
	}
	return out.(Response), nil
}

// State reports the breaker state.
func (l *Limited) State() string { return l.breaker.State() }
