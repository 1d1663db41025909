package search

import (
	"context"
	"errors"
	"testing"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/usecase/collection"
)

type mockEmbedder struct {
	inputType domain.InputType
	err       error
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string, inputType domain.InputType) ([][]float32, error) {
	m.inputType = inputType
	if m.err != nil {
		return nil, m.err
	}
	return [][]float32{{float32(len(texts[0])), 1}}, nil
}

type mockCollection struct {
	req    collection.SearchRequest
	hits   []domain.Hit
	metric schema.MetricType
	err    error
}

func (m *mockCollection) Search(_ context.Context, req collection.SearchRequest) ([]domain.Hit, error) {
	m.req = req
	return m.hits, m.err
}

func (m *mockCollection) Metric() (schema.MetricType, bool) { return m.metric, m.metric != "" }

func threshold(f float32) *float32 { return &f }

func TestQuery_EmbedsAsQuery(t *testing.T) {
	emb := &mockEmbedder{}
	coll := &mockCollection{hits: []domain.Hit{{DocID: "1"}}}
	hits, err := New(emb, coll).Query(context.Background(), Request{Text: "gpu", TopK: 3, OutputFields: []string{"title"}})
	if err != nil {
		t.Fatal(err)
	}
	if emb.inputType != domain.InputQuery {
		t.Errorf("input type = %q", emb.inputType)
	}
	if coll.req.TopK != 3 || coll.req.Vector[0] != 3 || coll.req.OutputFields[0] != "title" {
		t.Errorf("search request = %+v", coll.req)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestQuery_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := New(&mockEmbedder{}, &mockCollection{}).Query(ctx, Request{Text: "  "}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty text: %v", err)
	}

	_, err := New(&mockEmbedder{err: domain.ErrRetryExhausted}, &mockCollection{}).Query(ctx, Request{Text: "x", TopK: 1})
	if !errors.Is(err, domain.ErrRetryExhausted) {
		t.Errorf("embed failure: %v", err)
	}

	_, err = New(&mockEmbedder{}, &mockCollection{err: domain.ErrIndexNotReady}).Query(ctx, Request{Text: "x", TopK: 1})
	if !errors.Is(err, domain.ErrIndexNotReady) {
		t.Errorf("search failure: %v", err)
	}
}

func TestQuery_ScoreThreshold(t *testing.T) {
	tests := []struct {
		name   string
		metric schema.MetricType
		want   []string
	}{
		{"L2 keeps distances below", schema.MetricL2, []string{"a", "b"}},
		{"IP keeps similarities above", schema.MetricIP, []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &mockCollection{
				metric: tt.metric,
				hits:   []domain.Hit{{DocID: "a", Score: 0.5}, {DocID: "b", Score: 1}, {DocID: "c", Score: 2}},
			}
			hits, err := New(&mockEmbedder{}, coll).Query(context.Background(),
				Request{Text: "x", TopK: 3, ScoreThreshold: threshold(1)})
			if err != nil {
				t.Fatal(err)
			}
			if len(hits) != len(tt.want) {
				t.Fatalf("hits = %+v, want %v", hits, tt.want)
			}
			for i, id := range tt.want {
				if hits[i].DocID != id {
					t.Errorf("hit %d = %q, want %q", i, hits[i].DocID, id)
				}
			}
		})
	}
}
