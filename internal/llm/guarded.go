package llm

import (
	"context"
	"errors"
	"time"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/breaker"
)

// Guarded wraps a Generator with a timeout and a circuit breaker. Failures
// other than an empty response surface as ErrTransient.
type Guarded struct {
	inner   Generator
	breaker *breaker.Breaker
	timeout time.Duration
}

func NewGuarded(inner Generator, timeout time.Duration, cfg breaker.Config) *Guarded {
	if cfg.Name == "" {
		cfg = breaker.DefaultConfig("model")
	}
	return &Guarded{inner: inner, breaker: breaker.New(cfg), timeout: timeout}
}

func (g *Guarded) Generate(ctx context.Context, req Request) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	v, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.inner.Generate(ctx, req)
	})
	if errors.Is(err, ErrEmptyResponse) {
		return "", err
	}
	if err != nil {
		return "", apperr.Transient("generate", err)
	}
	return v.(string), nil
}

// State reports the breaker state.
func (g *Guarded) State() string { return g.breaker.State() }
