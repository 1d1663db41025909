// Package generation runs chat completions against an external endpoint, synchronously or as a chunked stream.
package generation

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

type limiter interface {
	Acquire(ctx context.Context) error
}

type budgetChecker interface {
	Check(ctx context.Context) error
	Record(tokens int64)
}

// Config is the generation policy.
type Config struct {
	Model        string
	Defaults     domain.GenerationParams
	ChunkTokens  int           // upstream deltas per chunk
	ChunkTimeout time.Duration // max wait for the next delta; 0 disables
	Timeout      time.Duration // per attempt for Generate and for opening a stream; 0 disables
}

type opened struct {
	upstream domain.DeltaStream
	cancel   context.CancelFunc
}

// Client merges per-call overrides onto configured defaults and calls the endpoint.
type Client struct {
	transport domain.GenerationTransport
	cfg       Config
	retry     *retry.Controller
	cache     *cache.Cache[domain.Completion]
	limiter   limiter
	budget    budgetChecker
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCache caches completions of deterministic requests (temperature 0 or a fixed seed).
func WithCache(c *cache.Cache[domain.Completion]) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithLimiter gates every outbound attempt.
func WithLimiter(l limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// WithBudget enforces a token budget.
func WithBudget(b budgetChecker) Option {
	return func(cl *Client) { cl.budget = b }
}

// New creates a generation client.
func New(transport domain.GenerationTransport, cfg Config, rc *retry.Controller, log *zap.Logger, opts ...Option) *Client {
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = 1
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

// Params returns the configured defaults with override applied.
func (c *Client) Params(override *domain.ParamsOverride) domain.GenerationParams {
	return c.cfg.Defaults.Merge(override)
}

// Generate returns one aggregated completion.
func (c *Client) Generate(ctx context.Context, messages []domain.Message, override *domain.ParamsOverride) (domain.Completion, error) {
	if len(messages) == 0 {
		return domain.Completion{}, errors.New("generate: no messages")
	}
	if c.budget != nil {
		if err := c.budget.Check(ctx); err != nil {
			return domain.Completion{}, fmt.Errorf("budget check: %w", err)
		}
	}
	req := domain.CompletionRequest{Messages: messages, Params: c.Params(override)}

	if c.cache == nil || !req.Params.Deterministic() {
		return c.complete(ctx, req)
	}
	key, err := cache.Fingerprint("generation", c.cfg.Model, req.Messages, req.Params)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("fingerprint: %w", err)
	}
	return c.cache.GetOrCompute(ctx, key, func(ctx context.Context) (domain.Completion, error) {
		return c.complete(ctx, req)
	})
}

func (c *Client) complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	start := time.Now()
	out, err := retry.Do(ctx, c.retry, func(ctx context.Context) retry.Attempt[domain.Completion] {
		if err := c.acquire(ctx); err != nil {
			return retry.Stop[domain.Completion](err)
		}
		out, err := c.attempt(ctx, req)
		if err != nil {
			return retry.Tag[domain.Completion](c.retry, err)
		}
		return retry.Ok(out)
	})
	if err != nil {
		logger.Or(ctx, c.logger).Error("Generation request failed",
			zap.String("model", c.cfg.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return domain.Completion{}, fmt.Errorf("generate: %w", err)
	}

	c.record(ctx, out.TotalTokens)
	logger.Or(ctx, c.logger).Debug("Generation request completed",
		zap.String("model", c.cfg.Model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", out.PromptTokens),
		zap.Int("completion_tokens", out.CompletionTokens),
	)
	return out, nil
}

func (c *Client) attempt(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	if c.cfg.Timeout <= 0 {
		return c.transport.Complete(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	out, err := c.transport.Complete(actx, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return out, timeoutError(c.cfg.Timeout, err)
	}
	return out, err
}

// Stream opens a chunked stream. Opening goes through the rate limiter and retries;
// reading never retries. The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, messages []domain.Message, override *domain.ParamsOverride) (*Stream, error) {
	if len(messages) == 0 {
		return nil, errors.New("stream: no messages")
	}
	if c.budget != nil {
		if err := c.budget.Check(ctx); err != nil {
			return nil, fmt.Errorf("budget check: %w", err)
		}
	}
	req := domain.CompletionRequest{Messages: messages, Params: c.Params(override)}

	o, err := retry.Do(ctx, c.retry, func(ctx context.Context) retry.Attempt[opened] {
		if err := c.acquire(ctx); err != nil {
			return retry.Stop[opened](err)
		}
		up, cancel, err := c.open(ctx, req)
		if err != nil {
			return retry.Tag[opened](c.retry, err)
		}
		return retry.Ok(opened{upstream: up, cancel: cancel})
	})
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return newStream(o.upstream, o.cancel, streamConfig{
		chunkTokens:  c.cfg.ChunkTokens,
		chunkTimeout: c.cfg.ChunkTimeout,
		usage:        domain.UsageFromContext(ctx),
		budget:       c.budget,
		logger:       logger.Or(ctx, c.logger),
	}), nil
}

// open starts one stream attempt. The attempt context outlives this call: it is cancelled
// when the stream is closed, or right away when opening fails or exceeds the timeout.
func (c *Client) open(ctx context.Context, req domain.CompletionRequest) (domain.DeltaStream, context.CancelFunc, error) {
	actx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if c.cfg.Timeout > 0 {
		timer = time.AfterFunc(c.cfg.Timeout, cancel)
	}

	up, err := c.transport.OpenStream(actx, req)
	fired := timer != nil && !timer.Stop()
	if err != nil {
		cancel()
		if fired && ctx.Err() == nil {
			return nil, nil, timeoutError(c.cfg.Timeout, err)
		}
		return nil, nil, err
	}
	if fired {
		cancel()
		_ = up.Close()
		return nil, nil, timeoutError(c.cfg.Timeout, context.DeadlineExceeded)
	}
	return up, cancel, nil
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx)
}

func (c *Client) record(ctx context.Context, tokens int) {
	domain.UsageFromContext(ctx).AddGeneration(tokens)
	if c.budget != nil {
		c.budget.Record(int64(tokens))
	}
}

func timeoutError(d time.Duration, err error) error {
	return fmt.Errorf("generation endpoint gave no answer within %s: %w", d, errors.Join(domain.ErrTimeoutExceeded, err))
}
