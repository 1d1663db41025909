// Package openai adapts OpenAI-compatible embedding and chat endpoints through go-openai.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// Embedder is an embedding transport using the OpenAI-compatible API.
// The API has no input_type or truncate fields; asymmetric models are steered with
// domain.InstructionTransport and truncation happens client-side.
type Embedder struct {
	client         *openai.Client
	model          openai.EmbeddingModel
	dimensions     int
	encodingFormat openai.EmbeddingEncodingFormat
	user           string
	logger         *zap.Logger
}

// Config holds the endpoint settings shared by the embedder and the generator.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int    // sent only to models that support shortening
	EncodingFormat string // float | base64
	User           string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

func newClient(cfg *Config) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// NewEmbedder creates an OpenAI-compatible embedding transport.
func NewEmbedder(cfg *Config) *Embedder {
	format := openai.EmbeddingEncodingFormatFloat
	if cfg.EncodingFormat == string(openai.EmbeddingEncodingFormatBase64) {
		format = openai.EmbeddingEncodingFormatBase64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Embedder{
		client:         newClient(cfg),
		model:          openai.EmbeddingModel(cfg.Model),
		dimensions:     cfg.Dimensions,
		encodingFormat: format,
		user:           cfg.User,
		logger:         logger,
	}
}

// EmbedBatch implements domain.EmbeddingTransport.
func (e *Embedder) EmbedBatch(ctx context.Context, req domain.EmbeddingRequest) (domain.BatchEmbeddingResult, error) {
	oreq := openai.EmbeddingRequest{
		Input:          req.Texts,
		Model:          e.model,
		EncodingFormat: e.encodingFormat,
		User:           e.user,
	}
	if e.dimensions > 0 {
		oreq.Dimensions = e.dimensions
	}

	model := string(e.model)
	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, oreq)
	duration := time.Since(start)

	if err != nil {
		metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointEmbedding, model, "error").Inc()
		metrics.EndpointErrorsTotal.WithLabelValues(metrics.EndpointEmbedding, "api_error").Inc()
		return domain.BatchEmbeddingResult{}, parseAPIError(metrics.EndpointEmbedding, err)
	}

	if len(resp.Data) != len(req.Texts) {
		metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointEmbedding, model, "error").Inc()
		metrics.EndpointErrorsTotal.WithLabelValues(metrics.EndpointEmbedding, "count_mismatch").Inc()
		return domain.BatchEmbeddingResult{}, fmt.Errorf("embedding response has %d vectors for %d inputs: %w",
			len(resp.Data), len(req.Texts), domain.ErrEndpoint)
	}

	metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointEmbedding, model, "success").Inc()
	metrics.EndpointRequestDuration.WithLabelValues(metrics.EndpointEmbedding, model).Observe(duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		metrics.TokensTotal.WithLabelValues(metrics.EndpointEmbedding, model, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.TokensTotal.WithLabelValues(metrics.EndpointEmbedding, model, "total").Add(float64(resp.Usage.TotalTokens))
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}

	return domain.BatchEmbeddingResult{
		Embeddings:   out,
		PromptTokens: resp.Usage.PromptTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (e *Embedder) HealthCheck(ctx context.Context) error {
	if _, err := e.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", parseAPIError(metrics.EndpointEmbedding, err))
	}
	return nil
}
