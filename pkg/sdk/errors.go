package vecpipe

import "github.com/kailas-cloud/vecpipe/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrNotFound          = domain.ErrNotFound
	ErrInvalidArgument   = domain.ErrInvalidArgument
	ErrSchemaInvalid     = domain.ErrSchemaInvalid
	ErrDimensionMismatch = domain.ErrDimensionMismatch
	ErrIndexNotReady     = domain.ErrIndexNotReady
	ErrEndpoint          = domain.ErrEndpoint
	ErrRetryExhausted    = domain.ErrRetryExhausted
	ErrTimeoutExceeded   = domain.ErrTimeoutExceeded
	ErrPoolSaturated     = domain.ErrPoolSaturated
)
