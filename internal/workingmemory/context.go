package workingmemory

import "context"

type ctxKey struct{}

// NewContext returns a context carrying the live session memory.
func NewContext(ctx context.Context, m *Memory) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the session memory carried by ctx, if any.
func FromContext(ctx context.Context) (*Memory, bool) {
	m, ok := ctx.Value(ctxKey{}).(*Memory)
	return m, ok && m != nil
}
