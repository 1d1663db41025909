package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/vecpipe/internal/cache"
	"github.com/kailas-cloud/vecpipe/internal/config"
	dbRedis "github.com/kailas-cloud/vecpipe/internal/db/redis"
	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/engine/flat"
	"github.com/kailas-cloud/vecpipe/internal/engine/redisft"
	logpkg "github.com/kailas-cloud/vecpipe/internal/logger"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
	"github.com/kailas-cloud/vecpipe/internal/pool"
	"github.com/kailas-cloud/vecpipe/internal/ratelimit"
	budgetrepo "github.com/kailas-cloud/vecpipe/internal/repository/budget"
	"github.com/kailas-cloud/vecpipe/internal/repository/respcache"
	"github.com/kailas-cloud/vecpipe/internal/retry"
	chiTransport "github.com/kailas-cloud/vecpipe/internal/transport/chi"
	"github.com/kailas-cloud/vecpipe/internal/transport/nim"
	openaiTransport "github.com/kailas-cloud/vecpipe/internal/transport/openai"
	budgetuc "github.com/kailas-cloud/vecpipe/internal/usecase/budget"
	collectionuc "github.com/kailas-cloud/vecpipe/internal/usecase/collection"
	embeddinguc "github.com/kailas-cloud/vecpipe/internal/usecase/embedding"
	generationuc "github.com/kailas-cloud/vecpipe/internal/usecase/generation"
	healthuc "github.com/kailas-cloud/vecpipe/internal/usecase/health"
	"github.com/kailas-cloud/vecpipe/internal/usecase/ingest"
	"github.com/kailas-cloud/vecpipe/internal/usecase/rag"
	searchuc "github.com/kailas-cloud/vecpipe/internal/usecase/search"
	usageuc "github.com/kailas-cloud/vecpipe/internal/usecase/usage"
	"github.com/kailas-cloud/vecpipe/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting vecpipe API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("embedding_api", cfg.Embedding.API),
		zap.Bool("generation", cfg.Generation.Enabled()),
	)

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Vecpipe stopped with error", zap.Error(err))
	}
	logger.Info("Server stopped gracefully")
}

// run is the composition root. It returns when ctx is cancelled and everything has shut down.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var store *dbRedis.Store
	var engine collectionuc.Engine
	if cfg.Storage.UsesRedis() {
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Storage.Addrs,
			Username: cfg.Storage.Username,
			Password: cfg.Storage.Password,
			DB:       cfg.Storage.SelectDB,
			Flavor:   dbRedis.Flavor(cfg.Storage.Driver),
		})
		if err != nil {
			return fmt.Errorf("create store: %w", err)
		}
		defer s.Close()

		readiness := time.Duration(cfg.Storage.ReadinessTimeout) * time.Second
		if err := s.WaitForReady(ctx, readiness); err != nil {
			return fmt.Errorf("store not ready: %w", err)
		}
		logger.Info("Connected to storage", zap.Strings("addrs", cfg.Storage.Addrs))

		store = s
		engine = redisft.New(s, redisft.Config{KeyPrefix: cfg.Storage.KeyPrefix}, logger.Named("redisft"))
	} else {
		e, err := flat.New(cfg.Storage.DataDir, logger.Named("flat"))
		if err != nil {
			return fmt.Errorf("open flat engine: %w", err)
		}
		engine = e
	}

	rc := retry.New(retry.Policy{
		MaxRetries:      cfg.Retry.MaxRetries,
		BackoffFactor:   cfg.Retry.Backoff(),
		MaxBackoff:      cfg.Retry.MaxBackoff(),
		Jitter:          cfg.Retry.Jitter,
		RetryableStatus: cfg.Retry.RetryableStatusCodes,
	}, logger)

	// One budget shared by embedding, generation and the usage report.
	tracker := budgetuc.New(budgetuc.Config{
		Daily:     cfg.Budget.DailyTokenLimit,
		Monthly:   cfg.Budget.MonthlyTokenLimit,
		Action:    budgetuc.Action(cfg.Budget.Action),
		KeyPrefix: cfg.Storage.KeyPrefix,
	}, logger)
	if store != nil {
		tracker.WithStore(ctx, budgetrepo.New(store, 48*time.Hour, 62*24*time.Hour))
	}

	// One request budget for every outbound endpoint call, embedding and generation alike.
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Pause(), logger.Named("ratelimit"))

	embedder, err := buildEmbedder(cfg, store, rc, limiter, tracker, logger)
	if err != nil {
		return err
	}

	workers := pool.New(pool.Config{
		MaxWorkers:    cfg.Concurrency.MaxWorkers,
		QueueDepth:    cfg.Concurrency.Depth(),
		BlockWhenFull: cfg.Concurrency.BlockWhenFull,
	}, logger.Named("pool"))

	manager := collectionuc.New(engine, collectionuc.Config{
		EmbeddingDim:   cfg.Embedding.Dimensions,
		TopKCap:        cfg.Collection.TopKCap,
		BuildBatchSize: cfg.Collection.BuildBatchSize,
		BuildRateLimit: cfg.Collection.BuildRateLimit,
	}, logger.Named("collection"))
	if err := manager.Open(ctx); err != nil {
		return fmt.Errorf("open collection: %w", err)
	}
	if cfg.Collection.HasSchema() {
		if err := manager.Define(ctx, cfg.Collection.Schema); err != nil {
			return fmt.Errorf("define configured schema: %w", err)
		}
	}

	health := healthuc.New(5*time.Second).Register("embedding", embedder)
	if store != nil {
		health.Register("storage", healthuc.CheckerFunc(store.Ping))
	}

	ingestSvc := ingest.New(embedder, manager, workers, ingest.Config{
		GroupSize: cfg.Embedding.MaxBatchSize,
		TextField: cfg.Collection.TextField,
	}, logger.Named("ingest"))
	searchSvc := searchuc.New(embedder, manager)
	usageSvc := usageuc.New(tracker)

	// Pass a nil interface, not a typed nil pointer, when generation is off.
	var chat chiTransport.Chatter
	if cfg.Generation.Enabled() {
		gen, genTransport, err := buildGenerator(cfg, store, rc, limiter, tracker, logger)
		if err != nil {
			return err
		}
		health.Register("generation", genTransport)
		chat = rag.New(searchSvc, gen, rag.Config{
			TopK:           cfg.RAG.TopK,
			ScoreThreshold: cfg.RAG.ScoreThreshold,
			SystemPrompt:   cfg.RAG.SystemPrompt,
			ContextFields:  []string{cfg.Collection.TextField},
		}, logger.Named("rag"))
	}

	server := chiTransport.NewServer(manager, ingestSvc, searchSvc, chat, usageSvc, health, logger).
		WithStreamDefault(cfg.Generation.Stream)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(cfg.Auth.APIKeys),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Declared indexes build in the background; search answers ErrIndexNotReady until they are done.
	g.Go(func() error {
		if err := manager.BuildDeclared(gctx); err != nil && gctx.Err() == nil {
			logger.Error("Declared index build failed", zap.Error(err))
		}
		return nil
	})

	if interval := cfg.Collection.RebuildInterval(); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := manager.Rebuild(gctx); err != nil && gctx.Err() == nil {
						logger.Warn("Periodic index rebuild failed", zap.Error(err))
					}
				}
			}
		})
	}

	if store != nil {
		g.Go(func() error {
			tracker.Run(gctx, cfg.Budget.FlushInterval())
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := workers.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
		}
		// Last write-behind pass once no request can record tokens anymore.
		if err := tracker.Flush(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close collection: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// buildEmbedder assembles transport -> instruction prefix -> client with cache, limiter, retries and budget.
func buildEmbedder(
	cfg config.Config,
	store *dbRedis.Store,
	rc *retry.Controller,
	limiter *ratelimit.Limiter,
	tracker *budgetuc.Tracker,
	logger *zap.Logger,
) (*embeddinguc.Client, error) {
	e := cfg.Embedding
	var transport domain.EmbeddingTransport
	switch e.API {
	case config.APIOpenAI:
		transport = openaiTransport.NewEmbedder(&openaiTransport.Config{
			APIKey:         e.APIKey,
			BaseURL:        e.Endpoint,
			Model:          e.Model,
			Dimensions:     e.Dimensions,
			EncodingFormat: e.EncodingFormat,
			Logger:         logger,
		})
	default:
		transport = nim.NewEmbedder(&nim.Config{
			Endpoint:       e.Endpoint,
			HealthURL:      e.HealthURL,
			APIKey:         e.APIKey,
			Model:          e.Model,
			EncodingFormat: e.EncodingFormat,
			Logger:         logger,
		})
	}
	if e.QueryInstruction != "" || e.PassageInstruction != "" {
		transport = domain.NewInstructionTransport(transport, e.QueryInstruction, e.PassageInstruction)
	}

	opts := []cache.Option[[][]float32]{cache.WithSweepInterval[[][]float32](cfg.Cache.SweepInterval())}
	if cfg.Cache.Persistent && store != nil {
		tier := respcache.New(store, cfg.Storage.KeyPrefix, "embedding")
		opts = append(opts, cache.WithTier[[][]float32](tier, cache.VectorsCodec{}))
	}
	vectors, err := cache.New[[][]float32]("embedding", cfg.Cache.MaxSize, cfg.Cache.TTL(), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	client := embeddinguc.New(transport, embeddinguc.Config{
		Model:         e.Model,
		MaxBatchSize:  e.MaxBatchSize,
		Dimensions:    e.Dimensions,
		Truncate:      e.Truncate,
		MaxInputChars: e.MaxInputChars,
		Timeout:       e.Timeout(),
	}, rc, logger.Named("embedding"),
		embeddinguc.WithCache(vectors),
		embeddinguc.WithLimiter(limiter),
		embeddinguc.WithBudget(tracker),
	)
	return client, nil
}

// buildGenerator assembles the chat transport and the generation client.
func buildGenerator(
	cfg config.Config,
	store *dbRedis.Store,
	rc *retry.Controller,
	limiter *ratelimit.Limiter,
	tracker *budgetuc.Tracker,
	logger *zap.Logger,
) (*generationuc.Client, *openaiTransport.Generator, error) {
	g := cfg.Generation
	transport := openaiTransport.NewGenerator(&openaiTransport.Config{
		APIKey:  g.APIKey,
		BaseURL: g.Endpoint,
		Model:   g.Model,
		Logger:  logger,
	})

	opts := []cache.Option[domain.Completion]{cache.WithSweepInterval[domain.Completion](cfg.Cache.SweepInterval())}
	if cfg.Cache.Persistent && store != nil {
		tier := respcache.New(store, cfg.Storage.KeyPrefix, "generation")
		opts = append(opts, cache.WithTier[domain.Completion](tier, cache.JSONCodec[domain.Completion]{}))
	}
	completions, err := cache.New[domain.Completion]("generation", cfg.Cache.MaxSize, cfg.Cache.TTL(), logger, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create generation cache: %w", err)
	}

	client := generationuc.New(transport, generationuc.Config{
		Model:        g.Model,
		Defaults:     g.Defaults(),
		ChunkTokens:  g.ChunkTokens,
		ChunkTimeout: g.ChunkTimeout(),
		Timeout:      g.Timeout(),
	}, rc, logger.Named("generation"),
		generationuc.WithCache(completions),
		generationuc.WithLimiter(limiter),
		generationuc.WithBudget(tracker),
	)
	return client, transport, nil
}
