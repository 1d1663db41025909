// Package index holds the engine-facing requests of the vector collection: builds and searches.
package index

import (
	"context"
	"time"

	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/domain/search/filter"
)

// Throttle paces build work in vectors. *rate.Limiter satisfies it.
type Throttle interface {
	WaitN(ctx context.Context, n int) error
}

// BuildRequest asks an engine to (re)build the index of one field.
// Scalars lists every scalar index that is ready, so engines that build one
// combined index (FT.CREATE) can include them.
type BuildRequest struct {
	Field     string
	Spec      schema.IndexSpec
	Scalars   map[string]schema.IndexSpec
	BatchSize int
	Throttle  Throttle // nil = unthrottled
}

// Query is a top-k similarity search against a built vector index.
type Query struct {
	Field        string
	Vector       []float32
	TopK         int
	Metric       schema.MetricType
	Params       schema.SearchParams
	Filter       filter.Expression
	OutputFields []string
}

// State is the lifecycle of one field index.
type State string

// Index states.
const (
	StateNone     State = "none"
	StateBuilding State = "building"
	StateReady    State = "ready"
)

// Status describes one field index.
type Status struct {
	Field   string            `json:"field"`
	State   State             `json:"state"`
	Spec    *schema.IndexSpec `json:"spec,omitempty"`
	BuiltAt time.Time         `json:"built_at,omitzero"`
}
