package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument signals a malformed request that is not a schema violation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSchemaInvalid signals an invalid schema definition or a record that does not conform to it.
	ErrSchemaInvalid = errors.New("schema invalid")
	// ErrDimensionMismatch signals a vector whose length differs from the configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrIndexNotReady signals a search against a vector field without a completed build.
	ErrIndexNotReady = errors.New("index not ready")

	// ErrTransientEndpoint signals a retryable endpoint failure (5xx from the retryable set, transport errors).
	ErrTransientEndpoint = errors.New("transient endpoint error")
	// ErrEndpoint signals a non-retryable endpoint failure.
	ErrEndpoint = errors.New("endpoint error")
	// ErrRetryExhausted signals that all configured attempts failed.
	ErrRetryExhausted = errors.New("retry exhausted")
	// ErrTimeoutExceeded signals an endpoint call that did not answer within the configured timeout.
	ErrTimeoutExceeded = errors.New("timeout exceeded")
	// ErrStreamTimeout signals a streaming generation that stalled longer than the chunk timeout.
	ErrStreamTimeout = errors.New("stream timeout")

	// ErrRateLimitExceeded signals an exhausted request window. Handled inside the rate limiter.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrPoolSaturated signals that the worker pool queue is full.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrQuotaExceeded signals an exhausted token budget.
	ErrQuotaExceeded = errors.New("token quota exceeded")
)

// EndpointError is a failed call to an external endpoint with the HTTP status it answered with.
// Status 0 means the request never got a response (connection refused, reset, DNS).
type EndpointError struct {
	Endpoint string
	Status   int
	Message  string
	Err      error
}

func (e *EndpointError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: transport failure: %s", e.Endpoint, msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, msg)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// Is reports the taxonomy kind so callers can match without knowing the retryable set.
// Transport failures and 5xx are transient; the retry controller decides with its own set.
func (e *EndpointError) Is(target error) bool {
	switch target {
	case ErrTransientEndpoint:
		return e.Status == 0 || e.Status >= http.StatusInternalServerError
	case ErrEndpoint:
		return true
	}
	return false
}

// RetryExhaustedError wraps the last failure after all attempts were spent.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetryExhausted.Error(), e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last cause to errors.Is / errors.As.
func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Last} }

// DimensionMismatchError carries the expected and actual vector length.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %d, got %d", ErrDimensionMismatch.Error(), e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }
