package config

import (
	"strings"
	"testing"
	"time"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

func validConfig() Config {
	cfg := Config{
		HTTP: HTTPConfig{Port: 8080},
		Embedding: EmbeddingConfig{
			Endpoint:   "http://nim:8000/v1/embeddings",
			Model:      "nvidia/nv-embedqa-e5-v5",
			Dimensions: 4,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_InvalidBudgetAction(t *testing.T) {
	cfg := validConfig()
	cfg.Budget.Action = "invalid_action"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid budget action")
	}

	expected := `budget.action must be "warn" or "reject", got "invalid_action"`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"redis without addrs", func(c *Config) { c.Storage.Driver = DriverRedis }, "storage.addrs"},
		{"persistent cache on memory", func(c *Config) { c.Cache.Persistent = true }, "cache.persistent"},
		{"no endpoint", func(c *Config) { c.Embedding.Endpoint = "" }, "embedding.endpoint"},
		{"no dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }, "embedding.dimensions"},
		{"bad api", func(c *Config) { c.Embedding.API = "grpc" }, "embedding.api"},
		{"bad truncate", func(c *Config) { c.Embedding.Truncate = "MIDDLE" }, "embedding.truncate"},
		{"generation without model", func(c *Config) { c.Generation.Endpoint = "http://llm" }, "generation.model"},
		{"temperature", func(c *Config) { c.Generation.Temperature = 3 }, "temperature"},
		{"retry status", func(c *Config) { c.Retry.RetryableStatusCodes = []int{42} }, "retryable_status_codes"},
		{"negative rpm", func(c *Config) { c.RateLimit.RequestsPerMinute = -1 }, "requests_per_minute"},
		{"schema dim", func(c *Config) {
			c.Collection.Schema = schema.CollectionSchema{
				Name: "docs",
				Fields: []schema.FieldDefinition{
					{Name: "id", DataType: schema.Int64, IsPrimary: true, AutoID: true},
					{Name: "vec", DataType: schema.FloatVector, Dim: 8},
				},
			}
		}, "collection.schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("expected ReadTimeoutSec=10, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("expected Driver=memory, got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.KeyPrefix != "vecpipe:" {
		t.Errorf("expected KeyPrefix='vecpipe:', got %q", cfg.Storage.KeyPrefix)
	}
	if cfg.Embedding.API != APINIM {
		t.Errorf("expected API=nim, got %q", cfg.Embedding.API)
	}
	if cfg.Embedding.Truncate != domain.TruncateEnd {
		t.Errorf("expected Truncate=END, got %q", cfg.Embedding.Truncate)
	}
	if got := cfg.Retry.RetryableStatusCodes; len(got) != 3 || got[0] != 500 || got[1] != 502 || got[2] != 504 {
		t.Errorf("expected retryable codes [500 502 504], got %v", got)
	}
	if cfg.Retry.Backoff() != 500*time.Millisecond {
		t.Errorf("expected backoff 500ms, got %v", cfg.Retry.Backoff())
	}
	if cfg.Collection.TopKCap != 100 {
		t.Errorf("expected TopKCap=100, got %d", cfg.Collection.TopKCap)
	}
	if cfg.Generation.MaxTokens != 4096 {
		t.Errorf("expected MaxTokens=4096, got %d", cfg.Generation.MaxTokens)
	}
	if cfg.Budget.Action != "warn" {
		t.Errorf("expected Action=warn, got %q", cfg.Budget.Action)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:       HTTPConfig{ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Storage:    StorageConfig{KeyPrefix: "custom:"},
		Embedding:  EmbeddingConfig{MaxBatchSize: 8, Truncate: domain.TruncateStart},
		Collection: CollectionConfig{TopKCap: 10},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.WriteTimeoutSec != 60 {
		t.Errorf("expected WriteTimeoutSec=60, got %d", cfg.HTTP.WriteTimeoutSec)
	}
	if cfg.Storage.KeyPrefix != "custom:" {
		t.Errorf("expected KeyPrefix='custom:', got %q", cfg.Storage.KeyPrefix)
	}
	if cfg.Embedding.MaxBatchSize != 8 {
		t.Errorf("expected MaxBatchSize=8, got %d", cfg.Embedding.MaxBatchSize)
	}
	if cfg.Embedding.Truncate != domain.TruncateStart {
		t.Errorf("expected Truncate=START, got %q", cfg.Embedding.Truncate)
	}
	if cfg.Collection.TopKCap != 10 {
		t.Errorf("expected TopKCap=10, got %d", cfg.Collection.TopKCap)
	}
}

func TestParse_ExpandsEnvAndSchema(t *testing.T) {
	t.Setenv("VECPIPE_TEST_KEY", "secret")

	data := []byte(`
http:
  port: 9000
embedding:
  endpoint: http://nim:8000/v1/embeddings
  api_key: ${VECPIPE_TEST_KEY}
  model: ${VECPIPE_TEST_MODEL:-nv-embedqa}
  dimensions: 4
generation:
  seed: 7
retry:
  backoff_factor: 0.25
collection:
  schema:
    name: docs
    fields:
      - name: id
        data_type: INT64
        is_primary: true
        auto_id: true
      - name: embedding
        data_type: FLOAT_VECTOR
        dim: 4
        index:
          index_type: GPU_CAGRA
          metric_type: L2
          build_params:
            gpu_device_id: 1
            max_degree: 32
            construction_width: 64
          search_params:
            search_width: 4
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Embedding.APIKey != "secret" {
		t.Errorf("APIKey = %q", cfg.Embedding.APIKey)
	}
	if cfg.Embedding.Model != "nv-embedqa" {
		t.Errorf("Model = %q", cfg.Embedding.Model)
	}
	if cfg.Retry.Backoff() != 250*time.Millisecond {
		t.Errorf("Backoff() = %v", cfg.Retry.Backoff())
	}
	if cfg.Generation.Seed == nil || *cfg.Generation.Seed != 7 {
		t.Errorf("Seed = %v", cfg.Generation.Seed)
	}
	vf := cfg.Collection.Schema.VectorField()
	if vf.Index == nil || vf.Index.BuildParams.GPUDeviceID != 1 || vf.Index.SearchParams.SearchWidth != 4 {
		t.Errorf("vector index = %+v", vf.Index)
	}
}

func TestGenerationDefaults_CopiesSlices(t *testing.T) {
	seed := 3
	g := GenerationConfig{Stop: []string{"###"}, Seed: &seed, Temperature: 0.7}
	p := g.Defaults()
	p.Stop[0] = "changed"
	*p.Seed = 99

	if g.Stop[0] != "###" || *g.Seed != 3 {
		t.Error("Defaults() must not alias config slices or pointers")
	}
	if p.Temperature != 0.7 {
		t.Errorf("Temperature = %v", p.Temperature)
	}
}

func TestParse_QueueDepthAndBudgetFlush(t *testing.T) {
	cfg, err := Parse([]byte(`
http:
  port: 9000
embedding:
  endpoint: http://nim:8000/v1/embeddings
  model: nv-embedqa
  health_url: http://nim:8000/v1/health/ready
  dimensions: 4
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Concurrency.Depth() != 64 {
		t.Errorf("unset queue_depth: Depth() = %d, want 64", cfg.Concurrency.Depth())
	}
	if cfg.Budget.FlushInterval() != 5*time.Second {
		t.Errorf("FlushInterval() = %v, want 5s", cfg.Budget.FlushInterval())
	}
	if cfg.Embedding.HealthURL != "http://nim:8000/v1/health/ready" {
		t.Errorf("HealthURL = %q", cfg.Embedding.HealthURL)
	}

	cfg, err = Parse([]byte(`
http:
  port: 9000
embedding:
  endpoint: http://nim:8000/v1/embeddings
  model: nv-embedqa
  dimensions: 4
concurrency:
  queue_depth: 0
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Concurrency.Depth() != 0 {
		t.Errorf("explicit queue_depth 0: Depth() = %d, want 0", cfg.Concurrency.Depth())
	}
}

func TestValidate_NegativeQueueDepth(t *testing.T) {
	cfg := validConfig()
	depth := -1
	cfg.Concurrency.QueueDepth = &depth
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative queue_depth")
	}
}
