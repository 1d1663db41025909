// Package search answers text queries against the vector collection.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/domain/search/filter"
	"github.com/kailas-cloud/vecpipe/internal/usecase/collection"
)

// Request is a text query.
type Request struct {
	Text         string
	TopK         int
	Filter       filter.Expression
	OutputFields []string
	Params       *schema.SearchParams
	// ScoreThreshold drops hits worse than the threshold: above it for L2, below it for IP and COSINE.
	ScoreThreshold *float32
}

// Service embeds queries and searches the collection.
type Service struct {
	embed Embedder
	coll  Collection
}

// New creates a search service.
func New(embed Embedder, coll Collection) *Service {
	return &Service{embed: embed, coll: coll}
}

// Query embeds the text as a query and returns the nearest records.
func (s *Service) Query(ctx context.Context, req Request) ([]domain.Hit, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("query text is required: %w", domain.ErrInvalidArgument)
	}

	vectors, err := s.embed.Embed(ctx, []string{req.Text}, domain.InputQuery)
	if err != nil {
		return nil, fmt.Errorf("vectorize query: %w", err)
	}

	hits, err := s.coll.Search(ctx, collection.SearchRequest{
		Vector:       vectors[0],
		TopK:         req.TopK,
		Filter:       req.Filter,
		OutputFields: req.OutputFields,
		Params:       req.Params,
	})
	if err != nil {
		return nil, err
	}

	if req.ScoreThreshold != nil {
		metric, _ := s.coll.Metric()
		hits = Threshold(hits, metric, *req.ScoreThreshold)
	}
	return hits, nil
}

// Threshold keeps the hits whose score is at least as good as t under the metric.
func Threshold(hits []domain.Hit, metric schema.MetricType, t float32) []domain.Hit {
	kept := hits[:0]
	for _, h := range hits {
		if (metric.Ascending() && h.Score <= t) || (!metric.Ascending() && h.Score >= t) {
			kept = append(kept, h)
		}
	}
	return kept
}
