package domain

import (
	"context"
	"fmt"
)

// InputType tells asymmetric embedding models which side of retrieval a text is on.
type InputType string

const (
	// InputQuery marks search queries.
	InputQuery InputType = "query"
	// InputPassage marks documents being ingested.
	InputPassage InputType = "passage"
)

// IsValid checks the input type against the supported set.
func (t InputType) IsValid() bool { return t == InputQuery || t == InputPassage }

// TruncateSide selects which end of an over-length text is dropped before submission.
type TruncateSide string

const (
	// TruncateNone submits texts as-is; the endpoint rejects over-length input.
	TruncateNone TruncateSide = "NONE"
	// TruncateStart drops the head of the text.
	TruncateStart TruncateSide = "START"
	// TruncateEnd drops the tail of the text.
	TruncateEnd TruncateSide = "END"
)

// IsValid checks the truncation side against the supported set.
func (s TruncateSide) IsValid() bool {
	return s == TruncateNone || s == TruncateStart || s == TruncateEnd
}

// Truncate cuts text to at most maxChars runes on the configured side. maxChars <= 0 disables it.
func (s TruncateSide) Truncate(text string, maxChars int) string {
	if maxChars <= 0 || s == TruncateNone || s == "" {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if s == TruncateStart {
		return string(runes[len(runes)-maxChars:])
	}
	return string(runes[:maxChars])
}

// EmbeddingRequest is a single call to the embedding endpoint (one sub-batch).
type EmbeddingRequest struct {
	Texts     []string
	InputType InputType
	Truncate  TruncateSide
}

// BatchEmbeddingResult carries one vector per input text, in input order, and aggregate token usage.
type BatchEmbeddingResult struct {
	Embeddings   [][]float32
	PromptTokens int
	TotalTokens  int
}

// EmbeddingTransport sends one embedding request to an external endpoint.
type EmbeddingTransport interface {
	EmbedBatch(ctx context.Context, req EmbeddingRequest) (BatchEmbeddingResult, error)
}

// Embedder vectorizes texts under the full client policy: batching, caching, rate limiting and retries.
type Embedder interface {
	Embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error)
}

// HealthChecker verifies endpoint availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// InstructionTransport prepends a per-input-type instruction to every text.
// OpenAI-style endpoints have no input_type field, so asymmetric models are steered by prefix instead.
type InstructionTransport struct {
	inner        EmbeddingTransport
	instructions map[InputType]string
}

// NewInstructionTransport creates a decorator with query and passage instructions.
func NewInstructionTransport(inner EmbeddingTransport, query, passage string) *InstructionTransport {
	return &InstructionTransport{
		inner: inner,
		instructions: map[InputType]string{
			InputQuery:   query,
			InputPassage: passage,
		},
	}
}

// EmbedBatch prefixes texts and delegates to the inner transport.
func (t *InstructionTransport) EmbedBatch(ctx context.Context, req EmbeddingRequest) (BatchEmbeddingResult, error) {
	instruction := t.instructions[req.InputType]
	if instruction != "" {
		prefixed := make([]string, len(req.Texts))
		for i, text := range req.Texts {
			prefixed[i] = instruction + text
		}
		req.Texts = prefixed
	}

	res, err := t.inner.EmbedBatch(ctx, req)
	if err != nil {
		return BatchEmbeddingResult{}, fmt.Errorf("instruction embed: %w", err)
	}
	return res, nil
}

// HealthCheck forwards to the inner transport when it supports health checks.
func (t *InstructionTransport) HealthCheck(ctx context.Context) error {
	if hc, ok := t.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
