package vecpipe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	dbRedis "github.com/kailas-cloud/vecpipe/internal/db/redis"
	dombatch "github.com/kailas-cloud/vecpipe/internal/domain/batch"
	"github.com/kailas-cloud/vecpipe/internal/engine/flat"
	"github.com/kailas-cloud/vecpipe/internal/engine/redisft"
	"github.com/kailas-cloud/vecpipe/internal/pool"
	"github.com/kailas-cloud/vecpipe/internal/retry"
	collectionuc "github.com/kailas-cloud/vecpipe/internal/usecase/collection"
	embeddinguc "github.com/kailas-cloud/vecpipe/internal/usecase/embedding"
	healthuc "github.com/kailas-cloud/vecpipe/internal/usecase/health"
	"github.com/kailas-cloud/vecpipe/internal/usecase/ingest"
	searchuc "github.com/kailas-cloud/vecpipe/internal/usecase/search"
)

const (
	defaultReadinessTimeout = 10 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
)

// Internal interfaces, replaced by fakes in tests.
type collectionUseCase interface {
	Schema() (Schema, bool)
	Define(ctx context.Context, s Schema) error
	BuildIndex(ctx context.Context, field string, spec IndexSpec) error
	BuildDeclared(ctx context.Context) error
	Insert(ctx context.Context, rec Record) (string, error)
	Search(ctx context.Context, req collectionuc.SearchRequest) ([]Hit, error)
	Status(ctx context.Context) (collectionuc.Status, error)
	Close() error
}

type ingestUseCase interface {
	Ingest(ctx context.Context, docs []Document) ([]dombatch.Result, error)
}

type queryUseCase interface {
	Query(ctx context.Context, req searchuc.Request) ([]Hit, error)
}

// Client is the vecpipe SDK entry point. It is safe for concurrent use.
type Client struct {
	store   *dbRedis.Store // nil for the in-memory engine
	workers *pool.Pool
	coll    collectionUseCase
	ingest  ingestUseCase // nil without an embedder
	query   queryUseCase  // nil without an embedder
	health  healthUseCase
	obs     *observer
}

// New opens the collection and restores any persisted schema and indexes.
// The provided context is used for the initial readiness check.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		driver:       "memory",
		keyPrefix:    "vecpipe:",
		maxBatchSize: 32,
		maxRetries:   3,
		workers:      4,
		topKCap:      100,
	}
	for _, o := range opts {
		o.apply(cfg)
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}
	log := obs.logger

	c := &Client{obs: obs, health: healthuc.New(5 * time.Second)}
	var engine collectionuc.Engine
	switch cfg.driver {
	case "redis", "valkey":
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.addrs,
			Password: cfg.password,
			Flavor:   dbRedis.Flavor(cfg.driver),
		})
		if err != nil {
			return nil, fmt.Errorf("vecpipe: create %s store: %w", cfg.driver, err)
		}
		if err := store.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
			store.Close()
			return nil, fmt.Errorf("vecpipe: database not ready: %w", err)
		}
		c.store = store
		c.health.Register("storage", healthuc.CheckerFunc(store.Ping))
		engine = redisft.New(store, redisft.Config{KeyPrefix: cfg.keyPrefix}, log.Named("redisft"))
	case "memory":
		e, err := flat.New(cfg.dataDir, log.Named("flat"))
		if err != nil {
			return nil, fmt.Errorf("vecpipe: open data dir: %w", err)
		}
		engine = e
	default:
		return nil, fmt.Errorf("vecpipe: unknown driver %q", cfg.driver)
	}

	manager := collectionuc.New(engine, collectionuc.Config{
		EmbeddingDim: cfg.vectorDimensions,
		TopKCap:      cfg.topKCap,
	}, log.Named("collection"))
	if err := manager.Open(ctx); err != nil {
		_ = manager.Close()
		c.closeStore()
		return nil, fmt.Errorf("vecpipe: open collection: %w", err)
	}
	c.coll = manager

	c.workers = pool.New(pool.Config{
		MaxWorkers:    cfg.workers,
		QueueDepth:    cfg.workers * 4,
		BlockWhenFull: true,
	}, log.Named("pool"))

	if cfg.embedder != nil {
		rc := retry.New(retry.Policy{
			MaxRetries:    cfg.maxRetries,
			BackoffFactor: 500 * time.Millisecond,
			MaxBackoff:    10 * time.Second,
			Jitter:        true,
			RetryableStatus: []int{
				http.StatusTooManyRequests,
				http.StatusInternalServerError,
				http.StatusBadGateway,
				http.StatusServiceUnavailable,
				http.StatusGatewayTimeout,
			},
		}, log)
		embedder := embeddinguc.New(&embedderAdapter{inner: cfg.embedder}, embeddinguc.Config{
			MaxBatchSize: cfg.maxBatchSize,
			Dimensions:   cfg.vectorDimensions,
		}, rc, log.Named("embedding"))

		c.ingest = ingest.New(embedder, manager, c.workers, ingest.Config{
			GroupSize: cfg.maxBatchSize,
			TextField: textFieldName,
		}, log.Named("ingest"))
		c.query = searchuc.New(embedder, manager)
		c.health.Register("embedding", embedder)
	}
	return c, nil
}

// textFieldName is the schema field that receives the text of ingested documents.
// Schemas without it store only the vector and the metadata.
const textFieldName = "text"

func (c *Client) closeStore() {
	if c.store != nil {
		c.store.Close()
	}
}

// Close waits for running ingestion work and releases storage.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	var errs []error
	if c.workers != nil {
		if err := c.workers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
		}
	}
	if err := c.coll.Close(); err != nil {
		errs = append(errs, err)
	}
	c.closeStore()
	return errors.Join(errs...)
}

// Define installs the collection schema. An identical schema is a no-op;
// a different one replaces the collection, dropping records and indexes.
func (c *Client) Define(ctx context.Context, s Schema) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("define", start, err) }()

	if err = c.coll.Define(ctx, s); err != nil {
		return fmt.Errorf("define: %w", err)
	}
	return nil
}

// Schema returns the installed schema, if any.
func (c *Client) Schema() (Schema, bool) {
	return c.coll.Schema()
}

// Status reports the record count and the state of every field index.
func (c *Client) Status(ctx context.Context) (st Status, err error) {
	start := time.Now()
	defer func() { c.obs.observe("status", start, err) }()

	st, err = c.coll.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// BuildIndex builds (or rebuilds) the index of one field and blocks until it is ready.
func (c *Client) BuildIndex(ctx context.Context, field string, spec IndexSpec) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("build_index", start, err) }()

	if err = c.coll.BuildIndex(ctx, field, spec); err != nil {
		return fmt.Errorf("build index %q: %w", field, err)
	}
	return nil
}

// BuildDeclared builds every index declared in the schema.
func (c *Client) BuildDeclared(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("build_declared", start, err) }()

	if err = c.coll.BuildDeclared(ctx); err != nil {
		return fmt.Errorf("build declared indexes: %w", err)
	}
	return nil
}

// Insert stores records that carry their own vectors. Each record succeeds or fails on its own.
func (c *Client) Insert(ctx context.Context, records []Record) (res BatchResult, err error) {
	start := time.Now()
	defer func() { c.obs.observe("insert", start, err) }()

	if _, ok := c.coll.Schema(); !ok {
		return BatchResult{}, collectionuc.ErrNoCollection
	}
	results := make([]dombatch.Result, len(records))
	for i, rec := range records {
		id, ierr := c.coll.Insert(ctx, rec)
		if ierr != nil {
			results[i] = dombatch.NewError(i, ierr)
			continue
		}
		results[i] = dombatch.NewOK(i, id)
	}
	return toBatchResult(results), nil
}

// Ingest embeds document texts as passages and stores them with their metadata.
func (c *Client) Ingest(ctx context.Context, docs []Document) (res BatchResult, err error) {
	start := time.Now()
	defer func() { c.obs.observe("ingest", start, err) }()

	if c.ingest == nil {
		return BatchResult{}, errNoEmbedder
	}
	results, err := c.ingest.Ingest(ctx, docs)
	if err != nil {
		return BatchResult{}, fmt.Errorf("ingest: %w", err)
	}
	return toBatchResult(results), nil
}

// Search returns the records nearest to a vector.
func (c *Client) Search(ctx context.Context, req SearchRequest) (hits []Hit, err error) {
	start := time.Now()
	defer func() { c.obs.observe("search", start, err) }()

	expr, err := req.Filter.Compile()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits, err = c.coll.Search(ctx, collectionuc.SearchRequest{
		Vector:       req.Vector,
		TopK:         req.TopK,
		Filter:       expr,
		OutputFields: req.OutputFields,
		Params:       req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

// Query embeds a text as a query and returns the nearest records.
func (c *Client) Query(ctx context.Context, req QueryRequest) (hits []Hit, err error) {
	start := time.Now()
	defer func() { c.obs.observe("query", start, err) }()

	if c.query == nil {
		return nil, errNoEmbedder
	}
	expr, err := req.Filter.Compile()
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	hits, err = c.query.Query(ctx, searchuc.Request{
		Text:           req.Text,
		TopK:           req.TopK,
		Filter:         expr,
		OutputFields:   req.OutputFields,
		Params:         req.Params,
		ScoreThreshold: req.ScoreThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return hits, nil
}
