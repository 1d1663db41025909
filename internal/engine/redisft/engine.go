// Package redisft stores the collection in Redis or Valkey hashes and serves it through FT vector indexes.
//
// Every vector build creates a new versioned FT index over the record prefix. The active index
// is recorded under a pointer key and only replaced once the server reports indexing complete,
// so searches never see a half-built index.
package redisft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/db"
	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/index"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/logger"
)

// store is the consumer interface for the engine (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Incr(ctx context.Context, key string) (int64, error)
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	DropIndex(ctx context.Context, name string) error
	IndexInfo(ctx context.Context, name string) (*db.IndexInfo, error)
	SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
	SearchCount(ctx context.Context, index, keyPrefix string) (int, error)
}

var errNoSchema = fmt.Errorf("collection not defined: %w", domain.ErrNotFound)

// Config holds key layout and build polling settings.
type Config struct {
	KeyPrefix    string
	PollInterval time.Duration // FT.INFO polling while the server indexes, default 500ms
	BuildTimeout time.Duration // default 30m
}

// active is the persisted pointer to the completed build of one field.
// Scalar fields have no FT index of their own and leave Name empty.
type active struct {
	Name string           `json:"name,omitempty"`
	Spec schema.IndexSpec `json:"spec"`
}

// Engine implements usecase/collection.Engine on a Redis-compatible store.
type Engine struct {
	store  store
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	schema  *schema.CollectionSchema
	indexes map[string]active
}

// New creates an engine. Call LoadSchema and Built to restore persisted state.
func New(s store, cfg Config, log *zap.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: s, cfg: cfg, logger: log, indexes: make(map[string]active)}
}

// --- key layout ---

func (e *Engine) schemaKey() string { return e.cfg.KeyPrefix + "schema" }

func (e *Engine) base(collection string) string { return e.cfg.KeyPrefix + collection + ":" }

func (e *Engine) recordPrefix(collection string) string { return e.base(collection) + "rec:" }

func (e *Engine) recordKey(collection, docID string) string {
	return e.recordPrefix(collection) + docID
}

func (e *Engine) seqKey(collection string) string { return e.base(collection) + "seq" }

func (e *Engine) versionKey(collection string) string { return e.base(collection) + "ver" }

func (e *Engine) indexKey(collection, field string) string {
	return e.base(collection) + "index:" + field
}

func (e *Engine) indexName(collection string, version int64) string {
	return fmt.Sprintf("%sidx:v%d", e.base(collection), version)
}

func (e *Engine) current() (schema.CollectionSchema, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.schema == nil {
		return schema.CollectionSchema{}, errNoSchema
	}
	return *e.schema, nil
}

// LoadSchema reads the persisted schema.
func (e *Engine) LoadSchema(ctx context.Context) (*schema.CollectionSchema, error) {
	raw, err := e.store.Get(ctx, e.schemaKey())
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get schema: %w", err)
	}
	var s schema.CollectionSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	e.mu.Lock()
	e.schema = &s
	e.indexes = make(map[string]active)
	e.mu.Unlock()
	return &s, nil
}

// Define replaces the collection: active FT indexes are dropped and every key of the
// previous collection is deleted before the new schema is stored.
func (e *Engine) Define(ctx context.Context, s schema.CollectionSchema) error {
	if !db.IsValidIdentifier(s.Name) {
		return &schema.Error{Reason: fmt.Sprintf("collection name %q must match [a-zA-Z0-9_:-]+", s.Name)}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	names := []string{s.Name}
	if e.schema != nil && e.schema.Name != s.Name {
		names = append(names, e.schema.Name)
	}
	for _, a := range e.indexes {
		if a.Name == "" {
			continue
		}
		if err := e.store.DropIndex(ctx, a.Name); err != nil && !errors.Is(err, db.ErrIndexNotFound) {
			return fmt.Errorf("drop index %s: %w", a.Name, err)
		}
	}
	for _, name := range names {
		if err := e.purge(ctx, name); err != nil {
			return err
		}
	}

	if err := e.store.Set(ctx, e.schemaKey(), data); err != nil {
		return fmt.Errorf("set schema: %w", err)
	}
	e.schema = &s
	e.indexes = make(map[string]active)
	return nil
}

func (e *Engine) purge(ctx context.Context, collection string) error {
	keys, err := e.store.Scan(ctx, e.base(collection)+"*")
	if err != nil {
		return fmt.Errorf("scan %s: %w", collection, err)
	}
	if err := e.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete %s: %w", collection, err)
	}
	return nil
}

// Built reads the index pointers. Pointers to FT indexes that no longer exist are ignored.
func (e *Engine) Built(ctx context.Context) (map[string]schema.IndexSpec, error) {
	e.mu.RLock()
	sp := e.schema
	e.mu.RUnlock()
	if sp == nil {
		return nil, nil
	}
	s := *sp

	loaded := make(map[string]active)
	for _, f := range s.Fields {
		raw, err := e.store.Get(ctx, e.indexKey(s.Name, f.Name))
		if errors.Is(err, db.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get index pointer %s: %w", f.Name, err)
		}
		var a active
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode index pointer %s: %w", f.Name, err)
		}
		if a.Name != "" {
			if _, err := e.store.IndexInfo(ctx, a.Name); err != nil {
				logger.Or(ctx, e.logger).Warn("Index pointer without FT index",
					zap.String("field", f.Name), zap.String("index", a.Name), zap.Error(err))
				continue
			}
		}
		loaded[f.Name] = a
	}

	e.mu.Lock()
	e.indexes = loaded
	e.mu.Unlock()

	out := make(map[string]schema.IndexSpec, len(loaded))
	for name, a := range loaded {
		out[name] = a.Spec
	}
	return out, nil
}

// NextID increments the collection sequence.
func (e *Engine) NextID(ctx context.Context) (int64, error) {
	s, err := e.current()
	if err != nil {
		return 0, err
	}
	id, err := e.store.Incr(ctx, e.seqKey(s.Name))
	if err != nil {
		return 0, fmt.Errorf("incr sequence: %w", err)
	}
	return id, nil
}

// Put upserts a record hash. The server indexes it into every FT index over the prefix.
func (e *Engine) Put(ctx context.Context, docID string, rec schema.Record) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	fields, err := encodeRecord(s, rec)
	if err != nil {
		return err
	}
	key := e.recordKey(s.Name, docID)
	if err := e.store.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// Count returns the number of stored records.
func (e *Engine) Count(ctx context.Context) (int, error) {
	s, err := e.current()
	if err != nil {
		return 0, err
	}
	e.mu.RLock()
	a := e.indexes[s.VectorField().Name]
	e.mu.RUnlock()

	prefix := e.recordPrefix(s.Name)
	if a.Name != "" {
		return e.store.SearchCount(ctx, a.Name, prefix)
	}
	keys, err := e.store.Scan(ctx, prefix+"*")
	if err != nil {
		return 0, fmt.Errorf("scan records: %w", err)
	}
	return len(keys), nil
}

// BuildIndex records a scalar index, or creates a new FT index for the vector field,
// waits for the server to finish indexing and then flips the active pointer to it.
func (e *Engine) BuildIndex(ctx context.Context, req index.BuildRequest) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	f, ok := s.Field(req.Field)
	if !ok {
		return fmt.Errorf("field %q: %w", req.Field, domain.ErrNotFound)
	}
	log := logger.Or(ctx, e.logger).With(zap.String("field", f.Name))

	if f.DataType != schema.FloatVector {
		return e.activate(ctx, s.Name, f.Name, active{Spec: req.Spec})
	}

	// Indexing runs inside the server; batch size and throughput pacing have no client-side hook.
	log.Debug("Vector build delegated to the server",
		zap.Int("batch_size", req.BatchSize),
		zap.Bool("throttled", req.Throttle != nil),
	)

	ver, err := e.store.Incr(ctx, e.versionKey(s.Name))
	if err != nil {
		return fmt.Errorf("incr index version: %w", err)
	}
	name := e.indexName(s.Name, ver)

	def, err := buildIndex(name, e.recordPrefix(s.Name), s, req.Spec, req.Scalars)
	if err != nil {
		return &schema.Error{Reason: err.Error()}
	}
	if err := e.store.CreateIndex(ctx, def); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}

	if err := e.waitIndexed(ctx, name); err != nil {
		if derr := e.store.DropIndex(context.WithoutCancel(ctx), name); derr != nil {
			log.Warn("Drop unfinished index", zap.String("index", name), zap.Error(derr))
		}
		return err
	}

	e.mu.RLock()
	prev := e.indexes[f.Name].Name
	e.mu.RUnlock()

	if err := e.activate(ctx, s.Name, f.Name, active{Name: name, Spec: req.Spec}); err != nil {
		return err
	}
	if prev != "" && prev != name {
		if err := e.store.DropIndex(ctx, prev); err != nil && !errors.Is(err, db.ErrIndexNotFound) {
			log.Warn("Drop previous index", zap.String("index", prev), zap.Error(err))
		}
	}
	log.Info("Index activated", zap.String("index", name), zap.String("previous", prev))
	return nil
}

func (e *Engine) activate(ctx context.Context, collection, field string, a active) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode index pointer: %w", err)
	}
	if err := e.store.Set(ctx, e.indexKey(collection, field), data); err != nil {
		return fmt.Errorf("set index pointer %s: %w", field, err)
	}
	e.mu.Lock()
	e.indexes[field] = a
	e.mu.Unlock()
	return nil
}

func (e *Engine) waitIndexed(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BuildTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		info, err := e.store.IndexInfo(ctx, name)
		if err != nil {
			return fmt.Errorf("index info %s: %w", name, err)
		}
		if info.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for index %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Search runs a KNN query against the active FT index of the vector field.
// The server returns hits ordered by distance, which is also the score order of every metric.
func (e *Engine) Search(ctx context.Context, q index.Query) ([]domain.Hit, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	a := e.indexes[q.Field]
	e.mu.RUnlock()
	if a.Name == "" {
		return nil, fmt.Errorf("field %q: %w", q.Field, domain.ErrIndexNotReady)
	}

	filters, err := rewriteFilter(s, q.Filter)
	if err != nil {
		return nil, err
	}

	// Without RETURN the server ships every field including the vector blob.
	returnFields := q.OutputFields
	if len(returnFields) == 0 {
		returnFields = []string{s.Primary().Name}
	}

	knn := &db.KNNQuery{
		IndexName:    a.Name,
		VectorField:  q.Field,
		Filters:      filters,
		Vector:       q.Vector,
		K:            q.TopK,
		ReturnFields: returnFields,
	}
	if a.Spec.IndexType == schema.IndexHNSW || a.Spec.IndexType == schema.IndexGPUCagra {
		knn.EFRuntime = q.Params.SearchWidth
	}

	sr, err := e.store.SearchKNN(ctx, knn)
	if err != nil {
		return nil, fmt.Errorf("search knn %s: %w", a.Name, err)
	}

	prefix := e.recordPrefix(s.Name)
	hits := make([]domain.Hit, 0, len(sr.Entries))
	for _, entry := range sr.Entries {
		hits = append(hits, domain.Hit{
			DocID:  strings.TrimPrefix(entry.Key, prefix),
			Score:  score(q.Metric, entry.Score),
			Fields: decodeFields(s, entry.Fields, q.OutputFields),
		})
	}
	return hits, nil
}

// Close is a no-op; the store is owned by the caller.
func (e *Engine) Close() error { return nil }
