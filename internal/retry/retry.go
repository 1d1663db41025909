// Package retry runs endpoint calls with bounded exponential backoff.
//
// Operations report an explicit Attempt tagged Success, Retryable or Fatal; the Controller owns the loop.
// Classify maps errors to tags for callers that just have a (value, error) pair.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/logger"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// Outcome tags the result of one attempt.
type Outcome int

// Attempt outcomes.
const (
	Success Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Attempt is the tagged result of one operation call.
type Attempt[T any] struct {
	Value   T
	Err     error
	Outcome Outcome
}

// Ok tags a successful attempt.
func Ok[T any](v T) Attempt[T] { return Attempt[T]{Value: v, Outcome: Success} }

// Again tags a failure worth retrying.
func Again[T any](err error) Attempt[T] { return Attempt[T]{Err: err, Outcome: Retryable} }

// Stop tags a failure that must surface immediately.
func Stop[T any](err error) Attempt[T] { return Attempt[T]{Err: err, Outcome: Fatal} }

// Policy is the error-handling configuration.
type Policy struct {
	MaxRetries      int
	BackoffFactor   time.Duration
	MaxBackoff      time.Duration // 0 = uncapped
	Jitter          bool
	RetryableStatus []int
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller retries operations according to a Policy. Safe for concurrent use;
// every Do call has its own attempt counter and backoff state.
type Controller struct {
	policy    Policy
	retryable map[int]bool
	sleep     SleepFunc
	logger    *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// New creates a controller.
func New(p Policy, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		policy:    p,
		retryable: make(map[int]bool, len(p.RetryableStatus)),
		sleep:     sleepCtx,
		logger:    logger,
	}
	for _, code := range p.RetryableStatus {
		c.retryable[code] = true
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do runs op until it succeeds, fails fatally, or MaxRetries retries are spent.
// Exhaustion returns *domain.RetryExhaustedError wrapping the last failure.
// A done context stops the loop and its error is returned as-is.
func Do[T any](ctx context.Context, c *Controller, op func(context.Context) Attempt[T]) (T, error) {
	var zero T
	b := c.newBackOff()
	log := logger.Or(ctx, c.logger)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		a := op(ctx)
		switch a.Outcome {
		case Success:
			metrics.RetryAttemptsTotal.WithLabelValues("success").Inc()
			return a.Value, nil
		case Fatal:
			metrics.RetryAttemptsTotal.WithLabelValues("fatal").Inc()
			return zero, a.Err
		}

		metrics.RetryAttemptsTotal.WithLabelValues("retryable").Inc()
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if attempt >= c.policy.MaxRetries {
			metrics.RetryAttemptsTotal.WithLabelValues("exhausted").Inc()
			return zero, &domain.RetryExhaustedError{Attempts: attempt + 1, Last: a.Err}
		}

		delay := b.NextBackOff()
		log.Warn("Retrying endpoint call",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(a.Err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// Call is Do for operations that return a plain (value, error); errors are tagged with Classify.
func Call[T any](ctx context.Context, c *Controller, fn func(context.Context) (T, error)) (T, error) {
	return Do(ctx, c, func(ctx context.Context) Attempt[T] {
		v, err := fn(ctx)
		if err == nil {
			return Ok(v)
		}
		return Tag[T](c, err)
	})
}

// Tag turns a failed attempt into Again or Stop according to Classify.
func Tag[T any](c *Controller, err error) Attempt[T] {
	if c.Classify(err) == Retryable {
		return Again[T](err)
	}
	return Stop[T](err)
}

// newBackOff builds the delay generator: factor * 2^n, capped, optionally jittered.
func (c *Controller) newBackOff() *backoff.ExponentialBackOff {
	maxInterval := c.policy.MaxBackoff
	if maxInterval <= 0 {
		maxInterval = 24 * time.Hour
	}
	jitter := 0.0
	if c.policy.Jitter {
		jitter = 0.5
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.policy.BackoffFactor),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(jitter),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMaxElapsedTime(0),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
