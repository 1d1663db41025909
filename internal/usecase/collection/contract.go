package collection

import (
	"context"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/index"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

// Engine stores one collection's records and serves its indexes.
type Engine interface {
	// LoadSchema returns the persisted schema, nil when none was defined.
	LoadSchema(ctx context.Context) (*schema.CollectionSchema, error)
	// Define replaces the collection, dropping all records and indexes.
	Define(ctx context.Context, s schema.CollectionSchema) error
	// Built returns the specs of indexes whose build completed.
	Built(ctx context.Context) (map[string]schema.IndexSpec, error)
	NextID(ctx context.Context) (int64, error)
	Put(ctx context.Context, docID string, rec schema.Record) error
	Count(ctx context.Context) (int, error)
	BuildIndex(ctx context.Context, req index.BuildRequest) error
	Search(ctx context.Context, q index.Query) ([]domain.Hit, error)
	Close() error
}
