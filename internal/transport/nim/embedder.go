// Package nim talks to NIM-style embedding endpoints, which take input_type and truncate
// alongside the OpenAI embedding fields.
package nim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

const maxErrorBody = 4 << 10

// Config holds the endpoint settings.
type Config struct {
	Endpoint       string // full URL of the embeddings route
	HealthURL      string // optional readiness URL
	APIKey         string
	Model          string
	EncodingFormat string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Embedder sends embedding requests to a NIM endpoint.
type Embedder struct {
	endpoint       string
	healthURL      string
	apiKey         string
	model          string
	encodingFormat string
	client         *http.Client
	logger         *zap.Logger
}

// NewEmbedder creates a NIM embedding transport.
func NewEmbedder(cfg *Config) *Embedder {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	format := cfg.EncodingFormat
	if format == "" {
		format = "float"
	}
	return &Embedder{
		endpoint:       cfg.Endpoint,
		healthURL:      cfg.HealthURL,
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		encodingFormat: format,
		client:         client,
		logger:         logger,
	}
}

type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	InputType      string   `json:"input_type"`
	EncodingFormat string   `json:"encoding_format"`
	Truncate       string   `json:"truncate,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// EmbedBatch implements domain.EmbeddingTransport. Vectors come back in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, req domain.EmbeddingRequest) (domain.BatchEmbeddingResult, error) {
	body, err := json.Marshal(embeddingRequest{
		Input:          req.Texts,
		Model:          e.model,
		InputType:      string(req.InputType),
		EncodingFormat: e.encodingFormat,
		Truncate:       string(req.Truncate),
	})
	if err != nil {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("build embedding request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.fail("transport")
		return domain.BatchEmbeddingResult{}, &domain.EndpointError{Endpoint: metrics.EndpointEmbedding, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		e.fail("api_error")
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.BatchEmbeddingResult{}, &domain.EndpointError{
			Endpoint: metrics.EndpointEmbedding,
			Status:   resp.StatusCode,
			Message:  extractDetail(raw),
		}
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		e.fail("decode")
		return domain.BatchEmbeddingResult{}, fmt.Errorf("decode embedding response: %w", errors.Join(domain.ErrEndpoint, err))
	}
	if len(parsed.Data) != len(req.Texts) {
		e.fail("count_mismatch")
		return domain.BatchEmbeddingResult{}, fmt.Errorf("embedding response has %d vectors for %d inputs: %w",
			len(parsed.Data), len(req.Texts), domain.ErrEndpoint)
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}

	metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointEmbedding, e.model, "success").Inc()
	metrics.EndpointRequestDuration.WithLabelValues(metrics.EndpointEmbedding, e.model).Observe(time.Since(start).Seconds())
	if parsed.Usage.TotalTokens > 0 {
		metrics.TokensTotal.WithLabelValues(metrics.EndpointEmbedding, e.model, "prompt").Add(float64(parsed.Usage.PromptTokens))
		metrics.TokensTotal.WithLabelValues(metrics.EndpointEmbedding, e.model, "total").Add(float64(parsed.Usage.TotalTokens))
	}

	return domain.BatchEmbeddingResult{
		Embeddings:   out,
		PromptTokens: parsed.Usage.PromptTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}, nil
}

// HealthCheck probes the readiness URL when one is configured.
func (e *Embedder) HealthCheck(ctx context.Context) error {
	if e.healthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.healthURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return &domain.EndpointError{Endpoint: metrics.EndpointEmbedding, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode/100 != 2 {
		return &domain.EndpointError{Endpoint: metrics.EndpointEmbedding, Status: resp.StatusCode, Message: "not ready"}
	}
	return nil
}

func (e *Embedder) fail(kind string) {
	metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointEmbedding, e.model, "error").Inc()
	metrics.EndpointErrorsTotal.WithLabelValues(metrics.EndpointEmbedding, kind).Inc()
}

// extractDetail pulls a message out of the usual error bodies: {"detail": ...}, {"error": "..."}
// or {"error": {"message": ...}}; falls back to the raw body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail any             `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if s, ok := parsed.Detail.(string); ok && s != "" {
			return s
		}
		if parsed.Detail != nil {
			if b, err := json.Marshal(parsed.Detail); err == nil {
				return string(b)
			}
		}
		var msg string
		if json.Unmarshal(parsed.Error, &msg) == nil && msg != "" {
			return msg
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(parsed.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return strings.TrimSpace(string(body))
}
