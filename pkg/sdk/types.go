package vecpipe

import (
	"github.com/kailas-cloud/vecpipe/internal/domain"
	dombatch "github.com/kailas-cloud/vecpipe/internal/domain/batch"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/domain/search/filter"
	collectionuc "github.com/kailas-cloud/vecpipe/internal/usecase/collection"
	"github.com/kailas-cloud/vecpipe/internal/usecase/ingest"
)

// Collection model, shared with the HTTP API.
type (
	Schema       = schema.CollectionSchema
	Field        = schema.FieldDefinition
	IndexSpec    = schema.IndexSpec
	BuildParams  = schema.BuildParams
	SearchParams = schema.SearchParams
	Record       = schema.Record
	Hit          = domain.Hit
	Document     = ingest.Document
	Status       = collectionuc.Status
	Filter       = filter.Definition
	Condition    = filter.ConditionDefinition
	Range        = filter.RangeDefinition
)

// Field data types.
const (
	Int64       = schema.Int64
	Int32       = schema.Int32
	Float       = schema.Float
	Double      = schema.Double
	Bool        = schema.Bool
	VarChar     = schema.VarChar
	JSON        = schema.JSON
	FloatVector = schema.FloatVector
)

// Index and metric types.
const (
	IndexGPUCagra      = schema.IndexGPUCagra
	IndexGPUBruteForce = schema.IndexGPUBruteForce
	IndexFlat          = schema.IndexFlat
	IndexHNSW          = schema.IndexHNSW
	IndexSTLSort       = schema.IndexSTLSort
	IndexInverted      = schema.IndexInverted

	MetricL2     = schema.MetricL2
	MetricIP     = schema.MetricIP
	MetricCosine = schema.MetricCosine
)

// SearchRequest is a top-k search with a caller-supplied vector.
type SearchRequest struct {
	Vector       []float32
	TopK         int
	Filter       *Filter
	OutputFields []string
	Params       *SearchParams // nil = the index's search params
}

// QueryRequest is a top-k search for a text, embedded as a query.
type QueryRequest struct {
	Text           string
	TopK           int
	Filter         *Filter
	OutputFields   []string
	Params         *SearchParams
	ScoreThreshold *float32
}

// ItemStatus is the outcome of one record or document in a batch.
type ItemStatus = dombatch.ItemStatus

// Item statuses.
const (
	StatusOK      = dombatch.StatusOK
	StatusError   = dombatch.StatusError
	StatusSkipped = dombatch.StatusSkipped
)

// ItemResult is the outcome of one input of Insert or Ingest, at its input position.
type ItemResult struct {
	Index  int
	ID     string
	Status ItemStatus
	Err    error
}

// BatchResult collects per-item outcomes.
type BatchResult struct {
	Items   []ItemResult
	OK      int
	Failed  int
	Skipped int
}

func toBatchResult(results []dombatch.Result) BatchResult {
	sum := dombatch.Summarize(results)
	out := BatchResult{
		Items:   make([]ItemResult, len(results)),
		OK:      sum.OK,
		Failed:  sum.Failed,
		Skipped: sum.Skipped,
	}
	for i, r := range results {
		out.Items[i] = ItemResult{Index: r.Index(), ID: r.DocID(), Status: r.Status(), Err: r.Err()}
	}
	return out
}
