package vecpipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type clientConfig struct {
	driver    string // "memory", "redis" or "valkey"
	addrs     []string
	password  string
	dataDir   string
	keyPrefix string

	embedder         Embedder
	vectorDimensions int
	maxBatchSize     int
	maxRetries       int
	workers          int
	topKCap          int

	logger     *zap.Logger
	metricsReg prometheus.Registerer
}

// WithValkey stores the collection in Valkey with the valkey-search module.
func WithValkey(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "valkey"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithRedis stores the collection in Redis 8+ with the query engine.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "redis"
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithDataDir keeps the collection in memory and persists it under dir.
// This is the default storage; an empty dir disables persistence.
func WithDataDir(dir string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = "memory"
		c.dataDir = dir
	})
}

// WithKeyPrefix namespaces Redis/Valkey keys. Default "vecpipe:".
func WithKeyPrefix(prefix string) Option {
	return optionFunc(func(c *clientConfig) {
		c.keyPrefix = prefix
	})
}

// WithEmbedder sets the text embedding provider.
// Required by Ingest and Query; Insert and Search work without it.
func WithEmbedder(e Embedder) Option {
	return optionFunc(func(c *clientConfig) {
		c.embedder = e
	})
}

// WithVectorDimensions pins the vector field dimension of every schema. 0 accepts any.
func WithVectorDimensions(dim int) Option {
	return optionFunc(func(c *clientConfig) {
		c.vectorDimensions = dim
	})
}

// WithMaxBatchSize sets how many texts go to the embedder per call. Default 32.
func WithMaxBatchSize(size int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxBatchSize = size
	})
}

// WithMaxRetries sets how often a failed embedder call is retried. Default 3.
func WithMaxRetries(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxRetries = n
	})
}

// WithWorkers sets the number of concurrent ingestion groups. Default 4.
func WithWorkers(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.workers = n
	})
}

// WithTopKCap bounds top_k of every search. Default 100.
func WithTopKCap(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.topKCap = n
	})
}

// WithLogger enables structured logging for SDK operations.
// Pass nil to disable (default).
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers SDK metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}
