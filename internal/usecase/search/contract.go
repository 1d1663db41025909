package search

import (
	"context"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/usecase/collection"
)

// Embedder vectorizes texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string, inputType domain.InputType) ([][]float32, error)
}

// Collection runs vector searches.
type Collection interface {
	Search(ctx context.Context, req collection.SearchRequest) ([]domain.Hit, error)
	Metric() (schema.MetricType, bool)
}
