package vecpipe

import (
	"context"
	"fmt"

	"github.com/kailas-cloud/vecpipe/internal/domain"
)

// InputType tells asymmetric embedding models which side of retrieval a text is on.
type InputType = domain.InputType

// Input types passed to Embedder.Embed.
const (
	InputQuery   = domain.InputQuery
	InputPassage = domain.InputPassage
)

// Embedder converts texts to vectors, one per text in input order.
// Batching, retries and caching are applied by the client around it.
type Embedder interface {
	Embed(ctx context.Context, texts []string, inputType InputType) (EmbeddingResult, error)
}

// EmbeddingResult carries the vectors and token usage of one call.
type EmbeddingResult struct {
	Embeddings  [][]float32
	TotalTokens int
}

// embedderAdapter lets a public Embedder act as the endpoint transport.
type embedderAdapter struct {
	inner Embedder
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, req domain.EmbeddingRequest) (domain.BatchEmbeddingResult, error) {
	r, err := a.inner.Embed(ctx, req.Texts, req.InputType)
	if err != nil {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("embed: %w", err)
	}
	return domain.BatchEmbeddingResult{
		Embeddings:   r.Embeddings,
		PromptTokens: r.TotalTokens,
		TotalTokens:  r.TotalTokens,
	}, nil
}

// errNoEmbedder is returned by Ingest and Query when no Embedder is configured.
var errNoEmbedder = fmt.Errorf("vecpipe: embedder not configured (use WithEmbedder): %w", domain.ErrInvalidArgument)
