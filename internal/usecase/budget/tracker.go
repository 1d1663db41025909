// Package budget enforces daily and monthly token caps across embedding and generation calls.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// Action defines behavior when the token budget is exceeded.
type Action string

const (
	// ActionWarn logs a warning but allows the request.
	ActionWarn Action = "warn"
	// ActionReject blocks the request with domain.ErrQuotaExceeded.
	ActionReject Action = "reject"
)

// Store is the persistence interface for budget counters.
type Store interface {
	IncrBy(ctx context.Context, key string, val int64) error
	Get(ctx context.Context, key string) (int64, error)
}

// Tracker is an in-memory token budget with optional write-behind persistence.
// Check and Record never leave the process; Record queues deltas that Flush writes to the store.
type Tracker struct {
	mu             sync.Mutex
	dailyUsed      int64
	monthlyUsed    int64
	dailyLimit     int64
	monthlyLimit   int64
	action         Action
	keyPrefix      string
	lastDayReset   time.Time
	lastMonthReset time.Time
	store          Store
	pending        map[string]int64 // store key -> unflushed tokens
	now            func() time.Time
	logger         *zap.Logger
}

// Config holds budget limits. Zero limits mean unlimited.
type Config struct {
	Daily     int64
	Monthly   int64
	Action    Action
	KeyPrefix string // e.g. "vecpipe:"
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now, for day and month rollover tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker with the given limits.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Tracker {
	b := &Tracker{
		dailyLimit:   cfg.Daily,
		monthlyLimit: cfg.Monthly,
		action:       cfg.Action,
		keyPrefix:    cfg.KeyPrefix,
		pending:      make(map[string]int64),
		now:          time.Now,
		logger:       logger,
	}
	for _, o := range opts {
		o(b)
	}
	now := b.now().UTC()
	b.lastDayReset = truncateToDay(now)
	b.lastMonthReset = truncateToMonth(now)
	return b
}

// WithStore attaches a persistence store and loads the current counters.
func (b *Tracker) WithStore(ctx context.Context, store Store) *Tracker {
	b.store = store
	b.loadFromStore(ctx)
	return b
}

func (b *Tracker) loadFromStore(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	if val, err := b.store.Get(ctx, b.dailyKey(now)); err == nil {
		b.dailyUsed = val
	} else {
		b.logger.Warn("Failed to load daily budget from store", zap.Error(err))
	}
	if val, err := b.store.Get(ctx, b.monthlyKey(now)); err == nil {
		b.monthlyUsed = val
	} else {
		b.logger.Warn("Failed to load monthly budget from store", zap.Error(err))
	}

	b.logger.Info("Budget loaded from store",
		zap.Int64("daily_used", b.dailyUsed),
		zap.Int64("monthly_used", b.monthlyUsed),
	)
}

func (b *Tracker) dailyKey(t time.Time) string {
	return fmt.Sprintf("%sbudget:tokens:daily:%s", b.keyPrefix, t.Format("2006-01-02"))
}

func (b *Tracker) monthlyKey(t time.Time) string {
	return fmt.Sprintf("%sbudget:tokens:monthly:%s", b.keyPrefix, t.Format("2006-01"))
}

// Check verifies the budget allows a new request. In-memory only (hot path).
func (b *Tracker) Check(_ context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()

	dailyExceeded := b.dailyLimit > 0 && b.dailyUsed >= b.dailyLimit
	monthlyExceeded := b.monthlyLimit > 0 && b.monthlyUsed >= b.monthlyLimit
	if !dailyExceeded && !monthlyExceeded {
		return nil
	}

	if b.action == ActionReject {
		return domain.ErrQuotaExceeded
	}

	b.logger.Warn("Token budget exceeded",
		zap.Int64("daily_used", b.dailyUsed),
		zap.Int64("daily_limit", b.dailyLimit),
		zap.Int64("monthly_used", b.monthlyUsed),
		zap.Int64("monthly_limit", b.monthlyLimit),
	)
	return nil
}

// Record registers consumed tokens and refreshes the remaining-budget gauges.
// With a store attached the delta is queued for the next Flush.
func (b *Tracker) Record(tokens int64) {
	if b == nil || tokens <= 0 {
		return
	}
	b.mu.Lock()
	b.resetIfNeeded()
	b.dailyUsed += tokens
	b.monthlyUsed += tokens
	if b.store != nil {
		now := b.now().UTC()
		b.pending[b.dailyKey(now)] += tokens
		b.pending[b.monthlyKey(now)] += tokens
	}
	daily, monthly := b.remaining()
	b.mu.Unlock()

	metrics.BudgetTokensRemaining.WithLabelValues("daily").Set(float64(daily))
	metrics.BudgetTokensRemaining.WithLabelValues("monthly").Set(float64(monthly))
}

// Flush writes queued deltas to the store. Deltas that fail to persist are
// requeued for the next flush.
func (b *Tracker) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.store == nil || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make(map[string]int64, len(batch))
	store := b.store
	b.mu.Unlock()

	var errs []error
	for key, delta := range batch {
		if err := store.IncrBy(ctx, key, delta); err != nil {
			errs = append(errs, err)
			b.mu.Lock()
			b.pending[key] += delta
			b.mu.Unlock()
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("Failed to persist token budget", zap.Int("failed_keys", len(errs)), zap.Error(err))
		return fmt.Errorf("flush budget: %w", err)
	}
	return nil
}

// Run flushes every interval until ctx is done. The final flush is the caller's job,
// after request intake has stopped.
func (b *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fctx, cancel := context.WithTimeout(ctx, interval)
			_ = b.Flush(fctx)
			cancel()
		}
	}
}

// remaining returns tokens left per period, -1 when unlimited. Caller holds mu.
func (b *Tracker) remaining() (daily, monthly int64) {
	return left(b.dailyLimit, b.dailyUsed), left(b.monthlyLimit, b.monthlyUsed)
}

func left(limit, used int64) int64 {
	if limit == 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// RemainingDaily returns tokens left in the daily budget (-1 if unlimited).
func (b *Tracker) RemainingDaily() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	d, _ := b.remaining()
	return d
}

// RemainingMonthly returns tokens left in the monthly budget (-1 if unlimited).
func (b *Tracker) RemainingMonthly() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	_, m := b.remaining()
	return m
}

// DailyLimit returns the configured daily cap (0 if unlimited).
func (b *Tracker) DailyLimit() int64 { return b.dailyLimit }

// MonthlyLimit returns the configured monthly cap (0 if unlimited).
func (b *Tracker) MonthlyLimit() int64 { return b.monthlyLimit }

// DailyUsed returns tokens consumed today.
func (b *Tracker) DailyUsed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	return b.dailyUsed
}

// MonthlyUsed returns tokens consumed this month.
func (b *Tracker) MonthlyUsed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	return b.monthlyUsed
}

// resetIfNeeded zeroes counters when the day or month rolls over.
func (b *Tracker) resetIfNeeded() {
	now := b.now().UTC()
	today := truncateToDay(now)
	thisMonth := truncateToMonth(now)

	if today.After(b.lastDayReset) {
		b.dailyUsed = 0
		b.lastDayReset = today
	}
	if thisMonth.After(b.lastMonthReset) {
		b.monthlyUsed = 0
		b.lastMonthReset = thisMonth
	}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func truncateToMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
