// Package flat is the in-process vector engine: records in memory, exact top-k search over
// immutable index snapshots, state persisted as zstd-compressed files under a data directory.
package flat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/index"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

// snapshot is an immutable built index. Vector snapshots hold the records present when the build started.
type snapshot struct {
	Spec    schema.IndexSpec
	IDs     []string
	Vectors [][]float32 // unit length for COSINE
}

// Engine implements the collection engine contract in memory.
type Engine struct {
	dir    string // "" = no persistence
	logger *zap.Logger

	mu      sync.RWMutex
	schema  *schema.CollectionSchema
	records map[string]schema.Record
	order   []string
	seq     atomic.Int64
	indexes map[string]*atomic.Pointer[snapshot]
	wal     *os.File // inserts since the last snapshot; nil without persistence
}

// New opens an engine persisting under dir. An empty dir keeps everything in memory.
func New(dir string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		dir:     dir,
		logger:  logger,
		records: make(map[string]schema.Record),
		indexes: make(map[string]*atomic.Pointer[snapshot]),
	}
	if dir != "" {
		if err := e.load(); err != nil {
			return nil, fmt.Errorf("load %s: %w", dir, err)
		}
		if err := e.openWAL(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema returns the schema restored from disk, if any.
func (e *Engine) LoadSchema(_ context.Context) (*schema.CollectionSchema, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.schema == nil {
		return nil, nil
	}
	s := *e.schema
	return &s, nil
}

// Define drops all records and indexes and installs s.
func (e *Engine) Define(_ context.Context, s schema.CollectionSchema) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.schema = &s
	e.records = make(map[string]schema.Record)
	e.order = nil
	e.seq.Store(0)
	e.indexes = make(map[string]*atomic.Pointer[snapshot])

	return e.persistAll()
}

// Built returns the specs of completed builds.
func (e *Engine) Built(_ context.Context) (map[string]schema.IndexSpec, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]schema.IndexSpec, len(e.indexes))
	for name, p := range e.indexes {
		if snap := p.Load(); snap != nil {
			out[name] = snap.Spec
		}
	}
	return out, nil
}

// NextID returns the next auto-id key.
func (e *Engine) NextID(_ context.Context) (int64, error) {
	return e.seq.Add(1), nil
}

// Put stores a normalized record. An existing id is overwritten.
// With a data dir the record is in the insert log before Put returns.
func (e *Engine) Put(_ context.Context, docID string, rec schema.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.schema == nil {
		return fmt.Errorf("no schema defined: %w", domain.ErrNotFound)
	}
	if err := e.appendWAL(walEntry{Seq: e.seq.Load(), ID: docID, Record: rec}); err != nil {
		return err
	}
	if _, ok := e.records[docID]; !ok {
		e.order = append(e.order, docID)
	}
	e.records[docID] = rec
	return nil
}

// Count returns the number of stored records.
func (e *Engine) Count(_ context.Context) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records), nil
}

// BuildIndex builds a snapshot of the records present now and swaps it in when complete.
func (e *Engine) BuildIndex(ctx context.Context, req index.BuildRequest) error {
	e.mu.RLock()
	if e.schema == nil {
		e.mu.RUnlock()
		return fmt.Errorf("no schema defined: %w", domain.ErrNotFound)
	}
	f, ok := e.schema.Field(req.Field)
	if !ok {
		e.mu.RUnlock()
		return fmt.Errorf("field %q: %w", req.Field, domain.ErrNotFound)
	}
	var ids []string
	var raw [][]float32
	if f.DataType == schema.FloatVector {
		ids = slices.Clone(e.order)
		raw = make([][]float32, len(ids))
		for i, id := range ids {
			raw[i], _ = e.records[id][f.Name].([]float32)
		}
	}
	e.mu.RUnlock()

	snap := &snapshot{Spec: req.Spec, IDs: ids, Vectors: make([][]float32, len(raw))}
	batch := max(req.BatchSize, 1)
	for start := 0; start < len(raw); start += batch {
		end := min(start+batch, len(raw))
		if req.Throttle != nil {
			if err := req.Throttle.WaitN(ctx, end-start); err != nil {
				return fmt.Errorf("build throttle: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := start; i < end; i++ {
			v := slices.Clone(raw[i])
			if req.Spec.MetricType == schema.MetricCosine {
				normalize(v)
			}
			snap.Vectors[i] = v
		}
	}

	e.mu.Lock()
	p, ok := e.indexes[req.Field]
	if !ok {
		p = &atomic.Pointer[snapshot]{}
		e.indexes[req.Field] = p
	}
	p.Store(snap)
	err := e.persistAll()
	e.mu.Unlock()

	e.logger.Debug("Flat index built",
		zap.String("field", req.Field),
		zap.Int("vectors", len(snap.IDs)),
		zap.Int("batch_size", batch),
	)
	return err
}

type candidate struct {
	id    string
	score float32
}

// Search scans the current snapshot of q.Field.
func (e *Engine) Search(ctx context.Context, q index.Query) ([]domain.Hit, error) {
	e.mu.RLock()
	p := e.indexes[q.Field]
	e.mu.RUnlock()

	var snap *snapshot
	if p != nil {
		snap = p.Load()
	}
	if snap == nil {
		return nil, fmt.Errorf("field %q: %w", q.Field, domain.ErrIndexNotReady)
	}

	query := slices.Clone(q.Vector)
	if q.Metric == schema.MetricCosine {
		normalize(query)
	}

	filtered := !q.Filter.IsEmpty()
	cands := make([]candidate, 0, len(snap.IDs))
	for i, id := range snap.IDs {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if filtered && !e.matches(id, q) {
			continue
		}
		cands = append(cands, candidate{id: id, score: score(q.Metric, query, snap.Vectors[i])})
	}

	ascending := q.Metric.Ascending()
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.score == b.score:
			return 0
		case (a.score < b.score) == ascending:
			return -1
		}
		return 1
	})
	if len(cands) > q.TopK {
		cands = cands[:q.TopK]
	}

	hits := make([]domain.Hit, len(cands))
	e.mu.RLock()
	for i, c := range cands {
		hits[i] = domain.Hit{DocID: c.id, Score: c.score, Fields: project(e.records[c.id], q.OutputFields)}
	}
	e.mu.RUnlock()
	return hits, nil
}

func (e *Engine) matches(id string, q index.Query) bool {
	e.mu.RLock()
	rec := e.records[id]
	e.mu.RUnlock()
	return q.Filter.Eval(func(key string) (any, bool) {
		v, ok := rec[key]
		return v, ok
	})
}

func project(rec schema.Record, fields []string) map[string]any {
	if len(fields) == 0 || rec == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, name := range fields {
		if v, ok := rec[name]; ok {
			out[name] = v
		}
	}
	return out
}

// Close flushes state to disk.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.persistAll(), e.closeWAL())
}

// score is squared euclidean distance for L2 and dot product for IP and (normalized) COSINE.
func score(metric schema.MetricType, a, b []float32) float32 {
	if metric == schema.MetricL2 {
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
