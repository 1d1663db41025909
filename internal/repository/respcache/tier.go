// Package respcache is the persistent second cache tier for endpoint responses, kept in the KV store.
package respcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/vecpipe/internal/db"
)

// store is the consumer interface for the response cache (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Tier stores encoded responses under {prefix}cache:{namespace}:{fingerprint}.
// Redis expiry mirrors the in-memory TTL, so no sweep is needed on this side.
type Tier struct {
	store     store
	keyPrefix string
}

// New creates a tier for one cache namespace (e.g. "embedding", "generation").
func New(s store, prefix, namespace string) *Tier {
	return &Tier{
		store:     s,
		keyPrefix: prefix + "cache:" + namespace + ":",
	}
}

// Get returns the stored bytes; ok is false on a miss.
func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.store.Get(ctx, t.keyPrefix+key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("response cache get: %w", err)
	}
	return data, true, nil
}

// Set writes value with the given TTL.
func (t *Tier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.store.SetWithTTL(ctx, t.keyPrefix+key, value, ttl); err != nil {
		return fmt.Errorf("response cache set: %w", err)
	}
	return nil
}
