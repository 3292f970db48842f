package embedding

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/breaker"
)

// Guarded bounds calls to a remote embedder: a rate limiter, a per-call
// timeout and a circuit breaker. Every failure surfaces as ErrTransient so
// callers can degrade.
type Guarded struct {
	inner   Embedder
	limiter *rate.Limiter
	breaker *breaker.Breaker
	timeout time.Duration
}

// GuardOptions configures Guarded. Zero RPS disables rate limiting.
type GuardOptions struct {
	RPS     float64
	Burst   int
	Timeout time.Duration
	Breaker breaker.Config
}

func NewGuarded(inner Embedder, opts GuardOptions) *Guarded {
	g := &Guarded{inner: inner, timeout: opts.Timeout}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	if opts.Breaker.Name == "" {
		opts.Breaker = breaker.DefaultConfig("embedding")
	}
	g.breaker = breaker.New(opts.Breaker)
	return g
}

func (g *Guarded) Dimension() int { return g.inner.Dimension() }

// State reports the breaker state.
func (g *Guarded) State() string { return g.breaker.State() }

func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := g.call(ctx, "embed", func(ctx context.Context) (interface{}, error) {
		return g.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (g *Guarded) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := g.call(ctx, "embed batch", func(ctx context.Context) (interface{}, error) {
		return g.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float32), nil
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, apperr.Transient(op, err)
		}
	}
	v, err := g.breaker.Execute(ctx, func() (interface{}, error) { return fn(ctx) })
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	return v, nil
}
