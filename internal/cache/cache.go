// Package cache is the bounded TTL cache in front of the embedding and generation endpoints.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/vecpipe/internal/logger"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// Tier is a slower second level consulted on a memory miss and filled after compute.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Codec serializes values for a Tier.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps fingerprints to values with LRU eviction and TTL expiry.
// Cached values are shared between callers and must be treated as read-only.
type Cache[V any] struct {
	name  string
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu    sync.Mutex
	items *lru.Cache[string, *entry[V]]
	group singleflight.Group

	tier   Tier
	codec  Codec[V]
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithTier attaches a persistent second level.
func WithTier[V any](t Tier, codec Codec[V]) Option[V] {
	return func(c *Cache[V]) {
		c.tier = t
		c.codec = codec
	}
}

// WithSweepInterval enables the background expiry sweep.
func WithSweepInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.sweep = d }
}

// WithClock overrides time.Now.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New creates a cache holding at most maxSize entries for ttl each.
func New[V any](name string, maxSize int, ttl time.Duration, logger *zap.Logger, opts ...Option[V]) (*Cache[V], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache[V]{
		name:   name,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With(zap.String("cache", name)),
		stop:   make(chan struct{}),
	}
	items, err := lru.NewWithEvict[string, *entry[V]](maxSize, func(string, *entry[V]) {
		metrics.CacheEntries.WithLabelValues(name).Dec()
	})
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", name, err)
	}
	c.items = items

	for _, o := range opts {
		o(c)
	}
	if c.sweep > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return c, nil
}

// Get returns a live entry. An expired entry is removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items.Get(key)
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Add inserts or refreshes a value, evicting the least recently used entry when full.
func (c *Cache[V]) Add(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.items.Contains(key) {
		metrics.CacheEntries.WithLabelValues(c.name).Inc()
	}
	c.items.Add(key, &entry[V]{value: v, expiresAt: c.now().Add(c.ttl)})
}

// GetOrCompute returns the cached value for key or runs compute once, however many callers ask concurrently.
// Late callers wait for the in-flight result. The computation keeps the first caller's context values
// but not its cancellation: any caller whose ctx ends just stops waiting, and the others still get the
// result. Compute must bound itself with its own timeout. Errors reach every waiter and are never cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		metrics.CacheTotal.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		ctx := flightCtx
		// Another flight may have filled the entry between our miss and becoming leader.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		if v, ok := c.fromTier(ctx, key); ok {
			metrics.CacheTotal.WithLabelValues(c.name, "tier_hit").Inc()
			c.Add(key, v)
			return v, nil
		}

		metrics.CacheTotal.WithLabelValues(c.name, "miss").Inc()
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Add(key, v)
		c.toTier(ctx, key, v)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			metrics.CacheTotal.WithLabelValues(c.name, "shared").Inc()
		}
		return res.Val.(V), nil
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.items.Keys() {
		if e, ok := c.items.Peek(key); ok && !now.Before(e.expiresAt) {
			c.items.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache[V]) Len() int { return c.items.Len() }

// Close stops the sweep goroutine.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Cache[V]) sweepLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.sweep)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("Swept expired cache entries", zap.Int("removed", n))
			}
		}
	}
}

func (c *Cache[V]) fromTier(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.tier == nil {
		return zero, false
	}
	data, ok, err := c.tier.Get(ctx, key)
	if err != nil {
		logger.Or(ctx, c.logger).Warn("Failed to read persistent cache", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := c.codec.Decode(data)
	if err != nil {
		logger.Or(ctx, c.logger).Warn("Failed to decode persistent cache entry", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return v, true
}

func (c *Cache[V]) toTier(ctx context.Context, key string, v V) {
	if c.tier == nil {
		return
	}
	data, err := c.codec.Encode(v)
	if err != nil {
		logger.Or(ctx, c.logger).Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.tier.Set(ctx, key, data, c.ttl); err != nil {
		logger.Or(ctx, c.logger).Warn("Failed to write persistent cache", zap.String("key", key), zap.Error(err))
	}
}
