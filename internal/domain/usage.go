package domain

import (
	"context"
	"sync/atomic"
)

type tokenUsageKey struct{}

// TokenUsage collects endpoint token usage for a single HTTP request.
// The handler puts a pointer into the context; clients add to it; the handler reads it for response headers.
// Pool workers may add concurrently, hence the atomics.
type TokenUsage struct {
	embedding  atomic.Int64
	generation atomic.Int64
}

// NewContextWithUsage returns a context with an attached usage collector.
func NewContextWithUsage(ctx context.Context) (context.Context, *TokenUsage) {
	u := &TokenUsage{}
	return context.WithValue(ctx, tokenUsageKey{}, u), u
}

// UsageFromContext extracts the usage collector from context. Returns nil if not set.
func UsageFromContext(ctx context.Context) *TokenUsage {
	u, _ := ctx.Value(tokenUsageKey{}).(*TokenUsage)
	return u
}

// AddEmbedding records consumed embedding tokens. Safe on a nil receiver.
func (u *TokenUsage) AddEmbedding(n int) {
	if u != nil && n > 0 {
		u.embedding.Add(int64(n))
	}
}

// AddGeneration records consumed generation tokens. Safe on a nil receiver.
func (u *TokenUsage) AddGeneration(n int) {
	if u != nil && n > 0 {
		u.generation.Add(int64(n))
	}
}

// EmbeddingTokens returns the embedding tokens recorded so far.
func (u *TokenUsage) EmbeddingTokens() int64 {
	if u == nil {
		return 0
	}
	return u.embedding.Load()
}

// GenerationTokens returns the generation tokens recorded so far.
func (u *TokenUsage) GenerationTokens() int64 {
	if u == nil {
		return 0
	}
	return u.generation.Load()
}
