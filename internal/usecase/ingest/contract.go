package ingest

import (
	"context"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/pool"
)

// Embedder vectorizes texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string, inputType domain.InputType) ([][]float32, error)
}

// Collection stores records.
type Collection interface {
	Schema() (schema.CollectionSchema, bool)
	Insert(ctx context.Context, rec schema.Record) (string, error)
}

// Submitter schedules work on the worker pool.
type Submitter interface {
	Submit(ctx context.Context, task pool.Task) (*pool.Future, error)
}
