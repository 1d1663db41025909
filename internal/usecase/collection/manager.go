// Package collection manages the schema, records and index lifecycle of the vector collection.
package collection

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/index"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/domain/search/filter"
	"github.com/kailas-cloud/vecpipe/internal/logger"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// ErrNoCollection is returned before a schema has been defined.
var ErrNoCollection = fmt.Errorf("collection not defined: %w", domain.ErrNotFound)

// Config holds the manager policy.
type Config struct {
	EmbeddingDim   int
	TopKCap        int
	BuildBatchSize int
	BuildRateLimit float64 // vectors/s, 0 = unthrottled
}

// SearchRequest is a top-k query against the vector field.
type SearchRequest struct {
	Vector       []float32
	TopK         int
	Filter       filter.Expression
	OutputFields []string
	Params       *schema.SearchParams // nil = the index's search params
}

// Status is a point-in-time view of the collection.
type Status struct {
	Schema  schema.CollectionSchema `json:"schema"`
	Records int                     `json:"records"`
	Indexes []index.Status          `json:"indexes"`
}

type fieldState struct {
	build sync.Mutex // serializes builds of this field

	mu       sync.Mutex
	spec     *schema.IndexSpec
	building bool
	builtAt  time.Time
}

func (f *fieldState) ready() (schema.IndexSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spec == nil {
		return schema.IndexSpec{}, false
	}
	return *f.spec, true
}

func (f *fieldState) status(name string) index.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := index.Status{Field: name, State: index.StateNone, BuiltAt: f.builtAt}
	if f.spec != nil {
		spec := *f.spec
		st.Spec = &spec
		st.State = index.StateReady
	}
	if f.building {
		st.State = index.StateBuilding
	}
	return st
}

// Manager owns one collection.
type Manager struct {
	engine   Engine
	cfg      Config
	throttle *rate.Limiter
	logger   *zap.Logger

	defineMu sync.Mutex

	mu     sync.RWMutex
	schema *schema.CollectionSchema
	fields map[string]*fieldState
}

// New creates a manager. Call Open to load persisted state.
func New(engine Engine, cfg Config, log *zap.Logger) *Manager {
	if cfg.TopKCap <= 0 {
		cfg.TopKCap = 100
	}
	if cfg.BuildBatchSize <= 0 {
		cfg.BuildBatchSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{engine: engine, cfg: cfg, logger: log}
	if cfg.BuildRateLimit > 0 {
		burst := max(cfg.BuildBatchSize, int(cfg.BuildRateLimit))
		m.throttle = rate.NewLimiter(rate.Limit(cfg.BuildRateLimit), burst)
	}
	return m
}

// Open restores the schema and the completed index builds from the engine.
func (m *Manager) Open(ctx context.Context) error {
	s, err := m.engine.LoadSchema(ctx)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if s == nil {
		return nil
	}
	built, err := m.engine.Built(ctx)
	if err != nil {
		return fmt.Errorf("load indexes: %w", err)
	}

	m.mu.Lock()
	m.install(*s)
	for name, spec := range built {
		if st, ok := m.fields[name]; ok {
			spec := spec
			st.spec = &spec
		}
	}
	m.mu.Unlock()

	if n, err := m.engine.Count(ctx); err == nil {
		metrics.CollectionRecords.Set(float64(n))
	}
	m.logger.Info("Collection opened",
		zap.String("collection", s.Name),
		zap.Int("built_indexes", len(built)),
	)
	return nil
}

// install swaps in a schema with fresh per-field state. Caller holds m.mu.
func (m *Manager) install(s schema.CollectionSchema) {
	m.schema = &s
	m.fields = make(map[string]*fieldState, len(s.Fields))
	for _, f := range s.Fields {
		m.fields[f.Name] = &fieldState{}
	}
}

// Schema returns the current schema.
func (m *Manager) Schema() (schema.CollectionSchema, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.schema == nil {
		return schema.CollectionSchema{}, false
	}
	return *m.schema, true
}

// Metric returns the metric of the ready vector index.
func (m *Manager) Metric() (schema.MetricType, bool) {
	s, fields, err := m.current()
	if err != nil {
		return "", false
	}
	spec, ok := fields[s.VectorField().Name].ready()
	if !ok {
		return "", false
	}
	return spec.MetricType, true
}

// Define validates and installs a schema. An identical schema is a no-op;
// a different one replaces the collection, dropping records and indexes.
func (m *Manager) Define(ctx context.Context, s schema.CollectionSchema) error {
	if err := s.Validate(m.cfg.EmbeddingDim); err != nil {
		return err
	}

	m.defineMu.Lock()
	defer m.defineMu.Unlock()

	m.mu.RLock()
	prev, fields := m.schema, m.fields
	m.mu.RUnlock()

	if prev != nil && prev.Equal(s) {
		return nil
	}
	// Wait out running builds so none completes against the replaced collection.
	// Scalars before the vector field: a scalar build holds its own lock, then the vector's.
	if prev != nil {
		vf := prev.VectorField().Name
		for name, st := range fields {
			if name != vf {
				st.build.Lock()
				defer st.build.Unlock()
			}
		}
		fields[vf].build.Lock()
		defer fields[vf].build.Unlock()
	}

	if err := m.engine.Define(ctx, s); err != nil {
		return fmt.Errorf("define collection: %w", err)
	}

	m.mu.Lock()
	m.install(s)
	m.mu.Unlock()
	metrics.CollectionRecords.Set(0)

	logger.Or(ctx, m.logger).Info("Collection defined",
		zap.String("collection", s.Name),
		zap.Int("fields", len(s.Fields)),
		zap.Bool("replaced", prev != nil),
	)
	return nil
}

func (m *Manager) current() (schema.CollectionSchema, map[string]*fieldState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.schema == nil {
		return schema.CollectionSchema{}, nil, ErrNoCollection
	}
	return *m.schema, m.fields, nil
}

func (m *Manager) replaced(field string, st *fieldState) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fields[field] != st
}

// BuildIndex builds the index of one field. An identical spec that is already built is a no-op.
// Builds of the same field are serialized; searches keep using the previous index until the new one is swapped in.
func (m *Manager) BuildIndex(ctx context.Context, field string, spec schema.IndexSpec) error {
	s, fields, err := m.current()
	if err != nil {
		return err
	}
	f, ok := s.Field(field)
	if !ok {
		return fmt.Errorf("field %q: %w", field, domain.ErrNotFound)
	}
	if err := spec.Validate(f); err != nil {
		return err
	}
	return m.build(ctx, s, fields, f, spec, false)
}

// BuildDeclared builds every index declared in the schema.
func (m *Manager) BuildDeclared(ctx context.Context) error {
	s, fields, err := m.current()
	if err != nil {
		return err
	}
	// Scalars first so the vector build includes them.
	for _, vector := range []bool{false, true} {
		for _, f := range s.Fields {
			if f.Index == nil || (f.DataType == schema.FloatVector) != vector {
				continue
			}
			if err := m.build(ctx, s, fields, f, *f.Index, false); err != nil {
				return fmt.Errorf("build %q: %w", f.Name, err)
			}
		}
	}
	return nil
}

// Rebuild rebuilds the vector index with its current spec so records inserted since the last build become searchable.
// It is a no-op when the vector index was never built.
func (m *Manager) Rebuild(ctx context.Context) error {
	s, fields, err := m.current()
	if err != nil {
		return err
	}
	vf := s.VectorField()
	spec, ok := fields[vf.Name].ready()
	if !ok {
		return nil
	}
	return m.build(ctx, s, fields, vf, spec, true)
}

func (m *Manager) build(
	ctx context.Context,
	s schema.CollectionSchema,
	fields map[string]*fieldState,
	f schema.FieldDefinition,
	spec schema.IndexSpec,
	force bool,
) error {
	log := logger.Or(ctx, m.logger).With(zap.String("field", f.Name))
	st := fields[f.Name]

	st.build.Lock()
	defer st.build.Unlock()

	if m.replaced(f.Name, st) {
		return fmt.Errorf("collection was redefined during build: %w", domain.ErrNotFound)
	}
	if cur, ok := st.ready(); ok && cur.Equal(spec) && !force {
		metrics.IndexBuildsTotal.WithLabelValues(f.Name, "noop").Inc()
		log.Debug("Index already built with identical spec")
		return nil
	}

	vf := s.VectorField()
	if f.DataType != schema.FloatVector {
		// Scalar indexes live inside the vector index on engines with a combined index,
		// so a ready vector index is rebuilt to pick up the new scalar.
		if err := m.run(ctx, s, fields, f.Name, spec); err != nil {
			return err
		}
		if vspec, ok := fields[vf.Name].ready(); ok {
			vst := fields[vf.Name]
			vst.build.Lock()
			defer vst.build.Unlock()
			return m.run(ctx, s, fields, vf.Name, vspec)
		}
		return nil
	}
	return m.run(ctx, s, fields, f.Name, spec)
}

// run performs one engine build and records its outcome.
func (m *Manager) run(
	ctx context.Context,
	s schema.CollectionSchema,
	fields map[string]*fieldState,
	field string,
	spec schema.IndexSpec,
) error {
	log := logger.Or(ctx, m.logger).With(zap.String("field", field))
	st := fields[field]

	req := index.BuildRequest{
		Field:     field,
		Spec:      spec,
		Scalars:   m.scalars(s, fields),
		BatchSize: m.batchSize(spec),
	}
	if m.throttle != nil {
		req.Throttle = m.throttle
	}

	st.mu.Lock()
	st.building = true
	st.mu.Unlock()

	start := time.Now()
	err := m.engine.BuildIndex(ctx, req)
	elapsed := time.Since(start)

	st.mu.Lock()
	st.building = false
	if err == nil {
		spec := spec
		st.spec = &spec
		st.builtAt = time.Now()
	}
	st.mu.Unlock()

	if err != nil {
		metrics.IndexBuildsTotal.WithLabelValues(field, "error").Inc()
		log.Error("Index build failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return fmt.Errorf("build index %q: %w", field, err)
	}

	metrics.IndexBuildsTotal.WithLabelValues(field, "built").Inc()
	metrics.IndexBuildDuration.WithLabelValues(field).Observe(elapsed.Seconds())
	log.Info("Index built",
		zap.String("index_type", string(spec.IndexType)),
		zap.Int("gpu_device_id", spec.BuildParams.GPUDeviceID),
		zap.Int("batch_size", req.BatchSize),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func (m *Manager) scalars(s schema.CollectionSchema, fields map[string]*fieldState) map[string]schema.IndexSpec {
	out := make(map[string]schema.IndexSpec)
	for _, f := range s.Fields {
		if f.DataType == schema.FloatVector {
			continue
		}
		if spec, ok := fields[f.Name].ready(); ok {
			out[f.Name] = spec
		}
	}
	return out
}

func (m *Manager) batchSize(spec schema.IndexSpec) int {
	if n := spec.BuildParams.BuildBatchSize; n > 0 {
		if m.throttle != nil && n > m.throttle.Burst() {
			return m.throttle.Burst()
		}
		return n
	}
	return m.cfg.BuildBatchSize
}

// Insert validates a record and stores it, returning its document id.
// Auto-id primary keys are assigned here; supplying one fails with ErrSchemaInvalid.
func (m *Manager) Insert(ctx context.Context, rec schema.Record) (string, error) {
	s, _, err := m.current()
	if err != nil {
		return "", err
	}
	norm, err := s.Normalize(rec)
	if err != nil {
		return "", err
	}

	pk := s.Primary()
	var docID string
	if pk.AutoID {
		id, err := m.engine.NextID(ctx)
		if err != nil {
			return "", fmt.Errorf("assign id: %w", err)
		}
		norm[pk.Name] = id
		docID = strconv.FormatInt(id, 10)
	} else {
		docID = formatKey(norm[pk.Name])
	}

	if err := m.engine.Put(ctx, docID, norm); err != nil {
		return "", fmt.Errorf("store record: %w", err)
	}
	metrics.CollectionRecords.Inc()
	return docID, nil
}

func formatKey(v any) string {
	switch k := v.(type) {
	case int64:
		return strconv.FormatInt(k, 10)
	case string:
		return k
	}
	return fmt.Sprint(v)
}

// Search runs a top-k query. top_k is clamped to the configured cap.
func (m *Manager) Search(ctx context.Context, req SearchRequest) ([]domain.Hit, error) {
	s, fields, err := m.current()
	if err != nil {
		return nil, err
	}
	vf := s.VectorField()
	spec, ok := fields[vf.Name].ready()
	if !ok {
		return nil, fmt.Errorf("field %q: %w", vf.Name, domain.ErrIndexNotReady)
	}

	if len(req.Vector) != vf.Dim {
		return nil, &domain.DimensionMismatchError{Expected: vf.Dim, Actual: len(req.Vector)}
	}
	if req.TopK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d: %w", req.TopK, domain.ErrInvalidArgument)
	}
	topK := min(req.TopK, m.cfg.TopKCap)

	for _, key := range req.Filter.Keys() {
		f, ok := s.Field(key)
		if !ok || f.DataType == schema.FloatVector || f.DataType == schema.JSON {
			return nil, &schema.Error{Reason: fmt.Sprintf("filter field %q is not a scalar field", key)}
		}
		if _, ok := fields[key].ready(); !ok {
			return nil, &schema.Error{Reason: fmt.Sprintf("filter field %q has no scalar index", key)}
		}
	}
	for _, name := range req.OutputFields {
		if _, ok := s.Field(name); !ok {
			return nil, &schema.Error{Reason: fmt.Sprintf("unknown output field %q", name)}
		}
	}

	params := spec.SearchParams
	if req.Params != nil {
		params = mergeParams(params, *req.Params)
	}

	hits, err := m.engine.Search(ctx, index.Query{
		Field:        vf.Name,
		Vector:       req.Vector,
		TopK:         topK,
		Metric:       spec.MetricType,
		Params:       params,
		Filter:       req.Filter,
		OutputFields: req.OutputFields,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

func mergeParams(base, override schema.SearchParams) schema.SearchParams {
	if override.SearchWidth > 0 {
		base.SearchWidth = override.SearchWidth
	}
	if override.ITopKSize > 0 {
		base.ITopKSize = override.ITopKSize
	}
	if override.MaxIterations > 0 {
		base.MaxIterations = override.MaxIterations
	}
	return base
}

// Status reports the schema, record count and index states.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	s, fields, err := m.current()
	if err != nil {
		return Status{}, err
	}
	n, err := m.engine.Count(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count records: %w", err)
	}

	st := Status{Schema: s, Records: n}
	for _, f := range s.Fields {
		is := fields[f.Name].status(f.Name)
		if is.State == index.StateNone && f.Index == nil {
			continue
		}
		st.Indexes = append(st.Indexes, is)
	}
	return st, nil
}

// Close releases the engine.
func (m *Manager) Close() error {
	if err := m.engine.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}
