package chi

import (
	"context"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	dombatch "github.com/kailas-cloud/vecpipe/internal/domain/batch"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	collectionuc "github.com/kailas-cloud/vecpipe/internal/usecase/collection"
	"github.com/kailas-cloud/vecpipe/internal/usecase/generation"
	healthuc "github.com/kailas-cloud/vecpipe/internal/usecase/health"
	"github.com/kailas-cloud/vecpipe/internal/usecase/ingest"
	"github.com/kailas-cloud/vecpipe/internal/usecase/rag"
	searchuc "github.com/kailas-cloud/vecpipe/internal/usecase/search"
	usageuc "github.com/kailas-cloud/vecpipe/internal/usecase/usage"
)

// Collection is the schema, index and record surface of the collection manager.
type Collection interface {
	Schema() (schema.CollectionSchema, bool)
	Define(ctx context.Context, s schema.CollectionSchema) error
	BuildIndex(ctx context.Context, field string, spec schema.IndexSpec) error
	Insert(ctx context.Context, rec schema.Record) (string, error)
	Search(ctx context.Context, req collectionuc.SearchRequest) ([]domain.Hit, error)
	Status(ctx context.Context) (collectionuc.Status, error)
}

// Ingester embeds and stores raw documents.
type Ingester interface {
	Ingest(ctx context.Context, docs []ingest.Document) ([]dombatch.Result, error)
}

// Searcher answers text queries.
type Searcher interface {
	Query(ctx context.Context, req searchuc.Request) ([]domain.Hit, error)
}

// Chatter answers conversations with retrieved context.
type Chatter interface {
	Chat(ctx context.Context, messages []domain.Message, override *domain.ParamsOverride) (rag.Answer, error)
	ChatStream(
		ctx context.Context, messages []domain.Message, override *domain.ParamsOverride,
	) (*generation.Stream, []domain.Hit, error)
}

// HealthReporter aggregates component checks.
type HealthReporter interface {
	Check(ctx context.Context) healthuc.Report
}

// UsageReporter reports token budget state.
type UsageReporter interface {
	GetReport(ctx context.Context, period usageuc.Period) usageuc.Report
}
