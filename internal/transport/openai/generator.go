package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// Generator is a chat completion transport using the OpenAI-compatible API.
type Generator struct {
	client *openai.Client
	model  string
	user   string
	logger *zap.Logger
}

// NewGenerator creates a chat transport.
func NewGenerator(cfg *Config) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		client: newClient(cfg),
		model:  cfg.Model,
		user:   cfg.User,
		logger: logger,
	}
}

func (g *Generator) buildRequest(req domain.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	p := req.Params
	temperature := p.Temperature
	if temperature == 0 {
		// temperature is omitempty in go-openai; a literal 0 would fall back to the server default.
		temperature = math.SmallestNonzeroFloat32
	}
	if p.BeamWidth > 1 || p.LengthPenalty != 0 {
		g.logger.Debug("Beam search parameters are not supported by the chat completions API",
			zap.Int("beam_width", p.BeamWidth), zap.Float32("length_penalty", p.LengthPenalty))
	}

	return openai.ChatCompletionRequest{
		Model:            g.model,
		Messages:         msgs,
		MaxTokens:        p.MaxTokens,
		Temperature:      temperature,
		TopP:             p.TopP,
		Stop:             p.Stop,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		Seed:             p.Seed,
		Stream:           stream,
		User:             g.user,
	}
}

// Complete implements domain.GenerationTransport.
func (g *Generator) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, g.buildRequest(req, false))
	if err != nil {
		metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointGeneration, g.model, "error").Inc()
		metrics.EndpointErrorsTotal.WithLabelValues(metrics.EndpointGeneration, "api_error").Inc()
		return domain.Completion{}, parseAPIError(metrics.EndpointGeneration, err)
	}
	if len(resp.Choices) == 0 {
		metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointGeneration, g.model, "error").Inc()
		metrics.EndpointErrorsTotal.WithLabelValues(metrics.EndpointGeneration, "empty_response").Inc()
		return domain.Completion{}, fmt.Errorf("empty completion response: %w", domain.ErrEndpoint)
	}

	metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointGeneration, g.model, "success").Inc()
	metrics.EndpointRequestDuration.WithLabelValues(metrics.EndpointGeneration, g.model).Observe(time.Since(start).Seconds())
	metrics.TokensTotal.WithLabelValues(metrics.EndpointGeneration, g.model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(metrics.EndpointGeneration, g.model, "completion").Add(float64(resp.Usage.CompletionTokens))

	choice := resp.Choices[0]
	return domain.Completion{
		Text:             choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// OpenStream implements domain.GenerationTransport. The returned stream must be closed.
func (g *Generator) OpenStream(ctx context.Context, req domain.CompletionRequest) (domain.DeltaStream, error) {
	stream, err := g.client.CreateChatCompletionStream(ctx, g.buildRequest(req, true))
	if err != nil {
		metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointGeneration, g.model, "error").Inc()
		metrics.EndpointErrorsTotal.WithLabelValues(metrics.EndpointGeneration, "api_error").Inc()
		return nil, parseAPIError(metrics.EndpointGeneration, err)
	}
	metrics.EndpointRequestsTotal.WithLabelValues(metrics.EndpointGeneration, g.model, "stream").Inc()
	return &deltaStream{stream: stream}, nil
}

// HealthCheck verifies API availability via ListModels.
func (g *Generator) HealthCheck(ctx context.Context) error {
	if _, err := g.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", parseAPIError(metrics.EndpointGeneration, err))
	}
	return nil
}

type deltaStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next non-empty delta. Chunks without choices (role headers, usage trailers) are skipped.
func (s *deltaStream) Recv() (domain.Delta, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return domain.Delta{}, io.EOF
		}
		if err != nil {
			return domain.Delta{}, parseAPIError(metrics.EndpointGeneration, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		c := resp.Choices[0]
		if c.Delta.Content == "" && c.FinishReason == "" {
			continue
		}
		return domain.Delta{Text: c.Delta.Content, FinishReason: string(c.FinishReason)}, nil
	}
}

func (s *deltaStream) Close() error {
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}
