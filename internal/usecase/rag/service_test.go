package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/usecase/generation"
	"github.com/kailas-cloud/vecpipe/internal/usecase/search"
)

type mockRetriever struct {
	req  search.Request
	hits []domain.Hit
	err  error
}

func (m *mockRetriever) Query(_ context.Context, req search.Request) ([]domain.Hit, error) {
	m.req = req
	return m.hits, m.err
}

type mockGenerator struct {
	messages []domain.Message
	err      error
}

func (m *mockGenerator) Generate(_ context.Context, messages []domain.Message, _ *domain.ParamsOverride) (domain.Completion, error) {
	m.messages = messages
	if m.err != nil {
		return domain.Completion{}, m.err
	}
	return domain.Completion{Text: "answer"}, nil
}

func (m *mockGenerator) Stream(_ context.Context, messages []domain.Message, _ *domain.ParamsOverride) (*generation.Stream, error) {
	m.messages = messages
	return nil, m.err
}

func conversation() []domain.Message {
	return []domain.Message{
		{Role: domain.RoleUser, Content: "first question"},
		{Role: domain.RoleAssistant, Content: "first answer"},
		{Role: domain.RoleUser, Content: "what is CAGRA?"},
	}
}

func TestChat_InjectsContext(t *testing.T) {
	r := &mockRetriever{hits: []domain.Hit{
		{DocID: "12", Score: 0.42, Fields: map[string]any{"abstract": "graph ANN on GPU"}},
		{DocID: "7", Score: 1.5, Fields: map[string]any{"abstract": "brute force"}},
	}}
	g := &mockGenerator{}
	s := New(r, g, Config{TopK: 5, ScoreThreshold: 2, ContextFields: []string{"abstract"}}, zaptest.NewLogger(t))

	ans, err := s.Chat(context.Background(), conversation(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != "answer" || len(ans.Sources) != 2 {
		t.Errorf("answer = %+v", ans)
	}
	if r.req.Text != "what is CAGRA?" || r.req.TopK != 5 || *r.req.ScoreThreshold != 2 {
		t.Errorf("retrieval request = %+v", r.req)
	}

	if len(g.messages) != 4 || g.messages[0].Role != domain.RoleSystem {
		t.Fatalf("messages = %+v", g.messages)
	}
	sys := g.messages[0].Content
	for _, want := range []string{DefaultSystemPrompt, "Document 1:\nSource: 12\nabstract: graph ANN on GPU\nRelevance: 0.42\n---", "Document 2:"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system message missing %q:\n%s", want, sys)
		}
	}
}

func TestChat_PassesThroughWithoutHits(t *testing.T) {
	tests := []struct {
		name string
		r    *mockRetriever
	}{
		{"no hits", &mockRetriever{}},
		{"retrieval error", &mockRetriever{err: domain.ErrIndexNotReady}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &mockGenerator{}
			ans, err := New(tt.r, g, Config{}, zaptest.NewLogger(t)).Chat(context.Background(), conversation(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(g.messages) != 3 || len(ans.Sources) != 0 {
				t.Errorf("messages = %+v, sources = %+v", g.messages, ans.Sources)
			}
			if tt.r.req.ScoreThreshold != nil {
				t.Error("zero threshold must not filter")
			}
		})
	}
}

func TestAugment_NoUserMessage(t *testing.T) {
	r := &mockRetriever{hits: []domain.Hit{{DocID: "1"}}}
	msgs := []domain.Message{{Role: domain.RoleSystem, Content: "be brief"}}
	out, hits := New(r, &mockGenerator{}, Config{}, zaptest.NewLogger(t)).Augment(context.Background(), msgs)
	if len(out) != 1 || hits != nil || r.req.Text != "" {
		t.Errorf("out = %+v, hits = %+v", out, hits)
	}
}

func TestChatStream_PropagatesError(t *testing.T) {
	g := &mockGenerator{err: domain.ErrRetryExhausted}
	_, _, err := New(&mockRetriever{}, g, Config{}, zaptest.NewLogger(t)).ChatStream(context.Background(), conversation(), nil)
	if !errors.Is(err, domain.ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
}
