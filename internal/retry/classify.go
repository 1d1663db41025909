package retry

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/kailas-cloud/vecpipe/internal/domain"
)

// Classify decides whether err is worth another attempt.
// Retryable: endpoint statuses in the configured set, responses that never arrived
// (status 0, refused or reset connections, network timeouts) and per-attempt timeouts.
// Everything else, including unknown errors, is Fatal.
func (c *Controller) Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}

	var epErr *domain.EndpointError
	if errors.As(err, &epErr) {
		if epErr.Status == 0 || c.retryable[epErr.Status] {
			return Retryable
		}
		return Fatal
	}

	if errors.Is(err, domain.ErrTimeoutExceeded) {
		return Retryable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	return Fatal
}

// IsRetryableStatus reports whether an HTTP status is in the configured set.
func (c *Controller) IsRetryableStatus(status int) bool { return c.retryable[status] }
