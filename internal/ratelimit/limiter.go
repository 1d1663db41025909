// Package ratelimit gates outbound endpoint requests under a requests-per-minute budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

const defaultWindow = time.Minute

// Limiter admits at most rpm acquisitions in any rolling window.
// It keeps the timestamps of the last rpm admissions in a ring; the oldest one decides when the next slot opens.
type Limiter struct {
	rpm    int
	window time.Duration
	pause  time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	stamps []time.Time
	oldest int
	filled int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the one-minute window.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. rpm <= 0 disables limiting.
// pause caps a single suspension; 0 means sleep until the oldest admission leaves the window.
func New(rpm int, pause time.Duration, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		rpm:    rpm,
		window: defaultWindow,
		pause:  pause,
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(l)
	}
	if rpm > 0 {
		l.stamps = make([]time.Time, rpm)
	}
	return l
}

// Acquire blocks until a slot is available or ctx is done.
// Exhaustion is handled here and never returned; the only error is the context's.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.rpm <= 0 {
		return nil
	}

	var start time.Time
	for {
		wait, ok := l.tryAcquire()
		if ok {
			if !start.IsZero() {
				metrics.RateLimitWaitsTotal.Inc()
				metrics.RateLimitWaitSeconds.Observe(time.Since(start).Seconds())
			}
			return nil
		}
		if start.IsZero() {
			start = time.Now()
			l.logger.Debug("Rate limit window exhausted, pausing",
				zap.Error(domain.ErrRateLimitExceeded),
				zap.Int("requests_per_minute", l.rpm),
				zap.Duration("wait", wait),
			)
		}
		if l.pause > 0 && l.pause < wait {
			wait = l.pause
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire admits the caller or returns how long until the oldest admission expires.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.filled < l.rpm {
		l.stamps[l.filled] = now
		l.filled++
		return 0, true
	}

	expires := l.stamps[l.oldest].Add(l.window)
	if !now.Before(expires) {
		l.stamps[l.oldest] = now
		l.oldest = (l.oldest + 1) % l.rpm
		return 0, true
	}
	return expires.Sub(now), false
}

// Available returns how many acquisitions would succeed right now.
func (l *Limiter) Available() int {
	if l == nil || l.rpm <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	free := l.rpm - l.filled
	for i := 0; i < l.filled; i++ {
		if !now.Before(l.stamps[(l.oldest+i)%l.rpm].Add(l.window)) {
			free++
		}
	}
	return free
}
