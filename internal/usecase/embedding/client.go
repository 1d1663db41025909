// Package embedding turns texts into vectors through an external endpoint under the
// configured batching, caching, rate limiting, retry and token budget policy.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/cache"
	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/logger"
	"github.com/kailas-cloud/vecpipe/internal/retry"
)

// limiter gates outbound requests.
type limiter interface {
	Acquire(ctx context.Context) error
}

// budgetChecker is the local interface for budget enforcement.
type budgetChecker interface {
	Check(ctx context.Context) error
	Record(tokens int64)
}

// Config is the embedding policy.
type Config struct {
	Model         string
	MaxBatchSize  int
	Dimensions    int
	Truncate      domain.TruncateSide
	MaxInputChars int
	Timeout       time.Duration // per attempt; 0 disables
}

// Client implements domain.Embedder.
type Client struct {
	transport domain.EmbeddingTransport
	cfg       Config
	retry     *retry.Controller
	cache     *cache.Cache[[][]float32]
	limiter   limiter
	budget    budgetChecker
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCache puts a response cache in front of the endpoint.
func WithCache(c *cache.Cache[[][]float32]) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithLimiter gates every outbound attempt.
func WithLimiter(l limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// WithBudget enforces a token budget before each call and records usage after.
func WithBudget(b budgetChecker) Option {
	return func(cl *Client) { cl.budget = b }
}

// New creates an embedding client.
func New(transport domain.EmbeddingTransport, cfg Config, rc *retry.Controller, log *zap.Logger, opts ...Option) *Client {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	c := &Client{
		transport: transport,
		cfg:       cfg,
		retry:     rc,
		logger:    log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Embed vectorizes texts in ceil(len/max_batch_size) sequential sub-batches and
// returns one vector per text in input order. Empty input returns no vectors and makes no calls.
func (c *Client) Embed(ctx context.Context, texts []string, inputType domain.InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if !inputType.IsValid() {
		return nil, fmt.Errorf("unknown input type %q", inputType)
	}

	out := make([][]float32, 0, len(texts))
	for offset := 0; offset < len(texts); offset += c.cfg.MaxBatchSize {
		if c.budget != nil {
			if err := c.budget.Check(ctx); err != nil {
				return nil, fmt.Errorf("budget check (offset %d): %w", offset, err)
			}
		}

		end := min(offset+c.cfg.MaxBatchSize, len(texts))
		vecs, err := c.embedBatch(ctx, texts[offset:end], inputType)
		if err != nil {
			logger.Or(ctx, c.logger).Error("Embedding sub-batch failed",
				zap.String("model", c.cfg.Model),
				zap.Int("offset", offset),
				zap.Int("size", end-offset),
				zap.Error(err),
			)
			return nil, fmt.Errorf("embed batch at %d: %w", offset, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery vectorizes a single search query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text}, domain.InputQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// HealthCheck forwards to the transport when it supports health checks.
func (c *Client) HealthCheck(ctx context.Context) error {
	if hc, ok := c.transport.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string, inputType domain.InputType) ([][]float32, error) {
	req := domain.EmbeddingRequest{
		Texts:     make([]string, len(texts)),
		InputType: inputType,
		Truncate:  c.cfg.Truncate,
	}
	for i, t := range texts {
		req.Texts[i] = c.cfg.Truncate.Truncate(t, c.cfg.MaxInputChars)
	}

	if c.cache == nil {
		return c.call(ctx, req)
	}
	key, err := cache.Fingerprint("embedding", c.cfg.Model, c.cfg.Dimensions, req.InputType, req.Truncate, req.Texts)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	return c.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([][]float32, error) {
		return c.call(ctx, req)
	})
}

// call sends one sub-batch: each attempt takes a rate limit slot and runs under the per-attempt timeout.
func (c *Client) call(ctx context.Context, req domain.EmbeddingRequest) ([][]float32, error) {
	res, err := retry.Do(ctx, c.retry, func(ctx context.Context) retry.Attempt[domain.BatchEmbeddingResult] {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return retry.Stop[domain.BatchEmbeddingResult](err)
			}
		}

		res, err := c.attempt(ctx, req)
		if err != nil {
			return retry.Tag[domain.BatchEmbeddingResult](c.retry, err)
		}
		if err := c.checkResult(req, res); err != nil {
			return retry.Stop[domain.BatchEmbeddingResult](err)
		}
		return retry.Ok(res)
	})
	if err != nil {
		return nil, err
	}

	domain.UsageFromContext(ctx).AddEmbedding(res.TotalTokens)
	if c.budget != nil {
		c.budget.Record(int64(res.TotalTokens))
	}
	return res.Embeddings, nil
}

func (c *Client) attempt(ctx context.Context, req domain.EmbeddingRequest) (domain.BatchEmbeddingResult, error) {
	if c.cfg.Timeout <= 0 {
		return c.transport.EmbedBatch(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.transport.EmbedBatch(actx, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("embedding endpoint gave no answer within %s: %w",
			c.cfg.Timeout, errors.Join(domain.ErrTimeoutExceeded, err))
	}
	return res, err
}

func (c *Client) checkResult(req domain.EmbeddingRequest, res domain.BatchEmbeddingResult) error {
	if len(res.Embeddings) != len(req.Texts) {
		return fmt.Errorf("endpoint returned %d vectors for %d texts: %w",
			len(res.Embeddings), len(req.Texts), domain.ErrEndpoint)
	}
	if c.cfg.Dimensions <= 0 {
		return nil
	}
	for _, v := range res.Embeddings {
		if len(v) != c.cfg.Dimensions {
			return &domain.DimensionMismatchError{Expected: c.cfg.Dimensions, Actual: len(v)}
		}
	}
	return nil
}
