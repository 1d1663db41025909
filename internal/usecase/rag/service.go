// Package rag answers chat requests with retrieved documents injected as a system message.
package rag

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/logger"
	"github.com/kailas-cloud/vecpipe/internal/usecase/generation"
	"github.com/kailas-cloud/vecpipe/internal/usecase/search"
)

// DefaultSystemPrompt introduces the retrieved context.
const DefaultSystemPrompt = "You are a research assistant. Use these documents as context for your response:"

// Retriever finds documents for a query.
type Retriever interface {
	Query(ctx context.Context, req search.Request) ([]domain.Hit, error)
}

// Generator produces chat completions.
type Generator interface {
	Generate(ctx context.Context, messages []domain.Message, override *domain.ParamsOverride) (domain.Completion, error)
	Stream(ctx context.Context, messages []domain.Message, override *domain.ParamsOverride) (*generation.Stream, error)
}

// Config holds the retrieval policy.
type Config struct {
	TopK           int
	ScoreThreshold float32 // 0 = keep every hit
	SystemPrompt   string
	ContextFields  []string // record fields rendered into the context
}

// Answer is a completion plus the documents it was grounded on.
type Answer struct {
	domain.Completion
	Sources []domain.Hit `json:"sources"`
}

// Service wires retrieval in front of generation.
type Service struct {
	retriever Retriever
	gen       Generator
	cfg       Config
	logger    *zap.Logger
}

// New creates a RAG service.
func New(r Retriever, gen Generator, cfg Config, log *zap.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{retriever: r, gen: gen, cfg: cfg, logger: log}
}

// Chat augments the conversation and returns the completion.
func (s *Service) Chat(ctx context.Context, messages []domain.Message, override *domain.ParamsOverride) (Answer, error) {
	augmented, hits := s.Augment(ctx, messages)
	c, err := s.gen.Generate(ctx, augmented, override)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Completion: c, Sources: hits}, nil
}

// ChatStream augments the conversation and opens a completion stream.
func (s *Service) ChatStream(
	ctx context.Context, messages []domain.Message, override *domain.ParamsOverride,
) (*generation.Stream, []domain.Hit, error) {
	augmented, hits := s.Augment(ctx, messages)
	st, err := s.gen.Stream(ctx, augmented, override)
	if err != nil {
		return nil, nil, err
	}
	return st, hits, nil
}

// Augment searches with the last user message and prepends the matches as a system message.
// Retrieval failures are logged and the conversation is passed through unchanged.
func (s *Service) Augment(ctx context.Context, messages []domain.Message) ([]domain.Message, []domain.Hit) {
	query := lastUserMessage(messages)
	if query == "" {
		return messages, nil
	}

	req := search.Request{Text: query, TopK: s.cfg.TopK, OutputFields: s.cfg.ContextFields}
	if s.cfg.ScoreThreshold > 0 {
		t := s.cfg.ScoreThreshold
		req.ScoreThreshold = &t
	}
	hits, err := s.retriever.Query(ctx, req)
	if err != nil {
		logger.Or(ctx, s.logger).Warn("Rag retrieval failed", zap.Error(err))
		return messages, nil
	}
	if len(hits) == 0 {
		return messages, nil
	}

	out := make([]domain.Message, 0, len(messages)+1)
	out = append(out, domain.Message{
		Role:    domain.RoleSystem,
		Content: s.cfg.SystemPrompt + "\n\n" + s.formatContext(hits),
	})
	return append(out, messages...), hits
}

func (s *Service) formatContext(hits []domain.Hit) string {
	docs := make([]string, len(hits))
	for i, h := range hits {
		var b strings.Builder
		fmt.Fprintf(&b, "Document %d:\n", i+1)
		fmt.Fprintf(&b, "Source: %s\n", h.DocID)
		for _, name := range s.cfg.ContextFields {
			if v, ok := h.Fields[name]; ok {
				fmt.Fprintf(&b, "%s: %v\n", name, v)
			}
		}
		fmt.Fprintf(&b, "Relevance: %.2f\n---", h.Score)
		docs[i] = b.String()
	}
	return strings.Join(docs, "\n\n")
}

func lastUserMessage(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
