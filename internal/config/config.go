package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

// Config holds the vecpipe service configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Generation  GenerationConfig  `yaml:"generation"`
	Retry       RetryConfig       `yaml:"retry"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Cache       CacheConfig       `yaml:"cache"`
	Budget      BudgetConfig      `yaml:"budget"`
	Collection  CollectionConfig  `yaml:"collection"`
	RAG         RAGConfig         `yaml:"rag"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverValkey = "valkey"
)

// StorageConfig selects where collection state lives.
// memory keeps records in-process and snapshots them to DataDir; redis/valkey use FT.* on the server.
type StorageConfig struct {
	Driver           string   `yaml:"driver"`
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	SelectDB         int      `yaml:"select_db"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	KeyPrefix        string   `yaml:"key_prefix"`
	DataDir          string   `yaml:"data_dir"`
}

// UsesRedis reports whether the driver talks to a Redis-protocol server.
func (s StorageConfig) UsesRedis() bool {
	return s.Driver == DriverRedis || s.Driver == DriverValkey
}

// Embedding API flavors.
const (
	APINIM    = "nim"
	APIOpenAI = "openai"
)

// EmbeddingConfig holds the embedding endpoint policy.
type EmbeddingConfig struct {
	API                string              `yaml:"api"` // nim | openai
	Endpoint           string              `yaml:"endpoint"`
	HealthURL          string              `yaml:"health_url"` // nim only; empty skips the readiness probe
	APIKey             string              `yaml:"api_key"`
	Model              string              `yaml:"model"`
	MaxBatchSize       int                 `yaml:"max_batch_size"`
	Dimensions         int                 `yaml:"dimensions"`
	Truncate           domain.TruncateSide `yaml:"truncate"`
	EncodingFormat     string              `yaml:"encoding_format"`
	TimeoutSec         int                 `yaml:"timeout_sec"`
	MaxInputChars      int                 `yaml:"max_input_chars"` // 0 = no client-side truncation
	QueryInstruction   string              `yaml:"query_instruction"`
	PassageInstruction string              `yaml:"passage_instruction"`
}

// Timeout returns the per-call timeout.
func (c EmbeddingConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// GenerationConfig holds the chat endpoint policy and default generation parameters.
type GenerationConfig struct {
	Endpoint         string   `yaml:"endpoint"`
	APIKey           string   `yaml:"api_key"`
	Model            string   `yaml:"model"`
	MaxTokens        int      `yaml:"max_tokens"`
	Temperature      float32  `yaml:"temperature"`
	TopP             float32  `yaml:"top_p"`
	FrequencyPenalty float32  `yaml:"frequency_penalty"`
	PresencePenalty  float32  `yaml:"presence_penalty"`
	Stop             []string `yaml:"stop"`
	Stream           bool     `yaml:"stream"`
	Seed             *int     `yaml:"seed"`
	BeamWidth        int      `yaml:"beam_width"`
	LengthPenalty    float32  `yaml:"length_penalty"`
	ChunkTokens      int      `yaml:"chunk_tokens"`
	ChunkTimeoutSec  float64  `yaml:"chunk_timeout_sec"`
	TimeoutSec       int      `yaml:"timeout_sec"`
}

// Enabled reports whether a generation endpoint is configured.
func (c GenerationConfig) Enabled() bool { return c.Endpoint != "" }

// Timeout returns the per-call timeout of a non-streaming completion.
func (c GenerationConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// ChunkTimeout returns the maximum wait for the next streamed delta.
func (c GenerationConfig) ChunkTimeout() time.Duration { return seconds(c.ChunkTimeoutSec) }

// Defaults returns the configured parameter table.
func (c GenerationConfig) Defaults() domain.GenerationParams {
	p := domain.GenerationParams{
		MaxTokens:        c.MaxTokens,
		Temperature:      c.Temperature,
		TopP:             c.TopP,
		FrequencyPenalty: c.FrequencyPenalty,
		PresencePenalty:  c.PresencePenalty,
		BeamWidth:        c.BeamWidth,
		LengthPenalty:    c.LengthPenalty,
	}
	if len(c.Stop) > 0 {
		p.Stop = append([]string(nil), c.Stop...)
	}
	if c.Seed != nil {
		seed := *c.Seed
		p.Seed = &seed
	}
	return p
}

// RetryConfig is the error-handling policy shared by both endpoint clients.
type RetryConfig struct {
	MaxRetries           int     `yaml:"max_retries"`
	BackoffFactor        float64 `yaml:"backoff_factor"`  // seconds
	MaxBackoffSec        float64 `yaml:"max_backoff_sec"` // 0 = uncapped
	Jitter               bool    `yaml:"jitter"`
	RetryableStatusCodes []int   `yaml:"retryable_status_codes"`
}

// Backoff returns the base delay.
func (c RetryConfig) Backoff() time.Duration { return seconds(c.BackoffFactor) }

// MaxBackoff returns the delay cap.
func (c RetryConfig) MaxBackoff() time.Duration { return seconds(c.MaxBackoffSec) }

// RateLimitConfig bounds outbound endpoint requests.
type RateLimitConfig struct {
	RequestsPerMinute int     `yaml:"requests_per_minute"` // 0 = unlimited
	PauseSec          float64 `yaml:"pause_sec"`           // 0 = sleep until the window resets
}

// Pause returns the suspension applied when the window budget is spent.
func (c RateLimitConfig) Pause() time.Duration { return seconds(c.PauseSec) }

// ConcurrencyConfig sizes the worker pool.
type ConcurrencyConfig struct {
	MaxWorkers    int  `yaml:"max_workers"`
	QueueDepth    *int `yaml:"queue_depth"` // unset = 64, 0 = no queue
	BlockWhenFull bool `yaml:"block_when_full"`
}

// Depth returns the number of tasks allowed to wait for a worker.
func (c ConcurrencyConfig) Depth() int {
	if c.QueueDepth == nil {
		return 0
	}
	return *c.QueueDepth
}

// CacheConfig holds the response cache policy.
type CacheConfig struct {
	MaxSize          int  `yaml:"max_size"`
	TTLSec           int  `yaml:"ttl_sec"`
	SweepIntervalSec int  `yaml:"sweep_interval_sec"`
	Persistent       bool `yaml:"persistent"` // second tier in the Redis store
}

// TTL returns the entry lifetime.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSec) * time.Second }

// SweepInterval returns the proactive expiry interval.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// BudgetConfig holds token budget settings.
type BudgetConfig struct {
	DailyTokenLimit   int64  `yaml:"daily_token_limit"`   // 0 = unlimited
	MonthlyTokenLimit int64  `yaml:"monthly_token_limit"` // 0 = unlimited
	Action            string `yaml:"action"`              // "reject" | "warn" (default)
	FlushIntervalSec  int    `yaml:"flush_interval_sec"`  // write-behind period for the Redis counters
}

// FlushInterval returns how often queued budget deltas are written to storage.
func (c BudgetConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}

// CollectionConfig holds the vector collection settings.
// Schema is optional; when set it is defined and its indexes are built at startup.
type CollectionConfig struct {
	Schema             schema.CollectionSchema `yaml:"schema"`
	TopKCap            int                     `yaml:"top_k_cap"`
	BuildBatchSize     int                     `yaml:"build_batch_size"`
	BuildRateLimit     float64                 `yaml:"build_rate_limit"` // vectors/s, 0 = unthrottled
	TextField          string                  `yaml:"text_field"`
	RebuildIntervalSec int                     `yaml:"rebuild_interval_sec"` // 0 = rebuild only on request
}

// HasSchema reports whether a schema is configured.
func (c CollectionConfig) HasSchema() bool { return len(c.Schema.Fields) > 0 }

// RebuildInterval returns the background refresh period.
func (c CollectionConfig) RebuildInterval() time.Duration {
	return time.Duration(c.RebuildIntervalSec) * time.Second
}

// RAGConfig controls retrieval-augmented chat.
type RAGConfig struct {
	TopK           int     `yaml:"top_k"`
	ScoreThreshold float32 `yaml:"score_threshold"` // max L2 distance, 0 = keep all
	SystemPrompt   string  `yaml:"system_prompt"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse expands env variables, decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 120
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.ReadinessTimeout <= 0 {
		c.Storage.ReadinessTimeout = 10
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "vecpipe:"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}

	if c.Embedding.API == "" {
		c.Embedding.API = APINIM
	}
	if c.Embedding.MaxBatchSize <= 0 {
		c.Embedding.MaxBatchSize = 32
	}
	if c.Embedding.Truncate == "" {
		c.Embedding.Truncate = domain.TruncateEnd
	}
	if c.Embedding.EncodingFormat == "" {
		c.Embedding.EncodingFormat = "float"
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 30
	}

	if c.Generation.MaxTokens <= 0 {
		c.Generation.MaxTokens = 4096
	}
	if c.Generation.TopP == 0 {
		c.Generation.TopP = 1
	}
	if c.Generation.ChunkTokens <= 0 {
		c.Generation.ChunkTokens = 16
	}
	if c.Generation.ChunkTimeoutSec <= 0 {
		c.Generation.ChunkTimeoutSec = 30
	}
	if c.Generation.TimeoutSec <= 0 {
		c.Generation.TimeoutSec = 120
	}

	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.BackoffFactor <= 0 {
		c.Retry.BackoffFactor = 0.5
	}
	if len(c.Retry.RetryableStatusCodes) == 0 {
		c.Retry.RetryableStatusCodes = []int{500, 502, 504}
	}

	if c.Concurrency.MaxWorkers <= 0 {
		c.Concurrency.MaxWorkers = 4
	}
	if c.Concurrency.QueueDepth == nil {
		depth := 64
		c.Concurrency.QueueDepth = &depth
	}

	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = 10000
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = 3600
	}
	if c.Cache.SweepIntervalSec <= 0 {
		c.Cache.SweepIntervalSec = 60
	}

	if c.Budget.Action == "" {
		c.Budget.Action = "warn"
	}
	if c.Budget.FlushIntervalSec <= 0 {
		c.Budget.FlushIntervalSec = 5
	}

	if c.Collection.TopKCap <= 0 {
		c.Collection.TopKCap = 100
	}
	if c.Collection.BuildBatchSize <= 0 {
		c.Collection.BuildBatchSize = 1024
	}
	if c.Collection.TextField == "" {
		c.Collection.TextField = "text"
	}

	if c.RAG.TopK <= 0 {
		c.RAG.TopK = 4
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis, DriverValkey:
		if len(c.Storage.Addrs) == 0 {
			return fmt.Errorf("storage.addrs is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, redis, valkey, got %q", c.Storage.Driver)
	}
	if c.Cache.Persistent && !c.Storage.UsesRedis() {
		return fmt.Errorf("cache.persistent requires a redis or valkey storage driver")
	}

	if err := c.validateEmbedding(); err != nil {
		return err
	}
	if c.Generation.Enabled() && c.Generation.Model == "" {
		return fmt.Errorf("generation.model is required when generation.endpoint is set")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be in [0, 2], got %v", c.Generation.Temperature)
	}

	for _, code := range c.Retry.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("retry.retryable_status_codes: invalid HTTP status %d", code)
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be >= 0, got %d", c.RateLimit.RequestsPerMinute)
	}

	if c.Concurrency.Depth() < 0 {
		return fmt.Errorf("concurrency.queue_depth must be >= 0, got %d", c.Concurrency.Depth())
	}

	switch c.Budget.Action {
	case "warn", "reject":
		// ok
	default:
		return fmt.Errorf("budget.action must be \"warn\" or \"reject\", got %q", c.Budget.Action)
	}

	if c.Collection.HasSchema() {
		if err := c.Collection.Schema.Validate(c.Embedding.Dimensions); err != nil {
			return fmt.Errorf("collection.schema: %w", err)
		}
	}
	return nil
}

func (c *Config) validateEmbedding() error {
	e := c.Embedding
	if e.Endpoint == "" {
		return fmt.Errorf("embedding.endpoint is required")
	}
	if e.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0, got %d", e.Dimensions)
	}
	if e.API != APINIM && e.API != APIOpenAI {
		return fmt.Errorf("embedding.api must be %q or %q, got %q", APINIM, APIOpenAI, e.API)
	}
	if !e.Truncate.IsValid() {
		return fmt.Errorf("embedding.truncate must be NONE, START or END, got %q", e.Truncate)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// Relative to the source file, for tests run from package directories.
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
