// Package ingest embeds documents and stores them in the collection.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	dombatch "github.com/kailas-cloud/vecpipe/internal/domain/batch"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/logger"
	"github.com/kailas-cloud/vecpipe/internal/pool"
)

// MaxDocuments is the maximum number of documents per ingest request.
const MaxDocuments = 1000

// Document is a text to embed plus the scalar fields stored alongside it.
type Document struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Config holds the ingestion policy.
type Config struct {
	GroupSize int    // documents per pool task, normally the embedding max_batch_size
	TextField string // schema field receiving the text; skipped when the schema has no such field
}

// Service fans ingestion out over the worker pool.
type Service struct {
	embed  Embedder
	coll   Collection
	pool   Submitter
	cfg    Config
	logger *zap.Logger
}

// New creates an ingestion service.
func New(embed Embedder, coll Collection, p Submitter, cfg Config, log *zap.Logger) *Service {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 32
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{embed: embed, coll: coll, pool: p, cfg: cfg, logger: log}
}

// cascade holds the first error that must stop the rest of the batch.
type cascade struct {
	mu  sync.Mutex
	err error
}

func (c *cascade) set(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *cascade) get() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// isCascading reports errors after which no later document can succeed.
func isCascading(err error) bool {
	return errors.Is(err, domain.ErrQuotaExceeded) || errors.Is(err, domain.ErrRetryExhausted)
}

// Ingest embeds documents as passages in groups of GroupSize, one pool task per group,
// and inserts them. Results are returned in input order.
// It fails as a whole only when the collection is missing, the request is too large,
// or the pool rejects the first group; later failures are reported per document.
func (s *Service) Ingest(ctx context.Context, docs []Document) ([]dombatch.Result, error) {
	if len(docs) > MaxDocuments {
		return nil, fmt.Errorf("batch size %d exceeds %d: %w", len(docs), MaxDocuments, domain.ErrInvalidArgument)
	}
	sch, ok := s.coll.Schema()
	if !ok {
		return nil, fmt.Errorf("collection not defined: %w", domain.ErrNotFound)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	results := make([]dombatch.Result, len(docs))
	var stop cascade

	type pending struct {
		start, end int
		future     *pool.Future
	}
	var submitted []pending

	for start := 0; start < len(docs); start += s.cfg.GroupSize {
		end := min(start+s.cfg.GroupSize, len(docs))
		lo, hi := start, end
		f, err := s.pool.Submit(ctx, func(ctx context.Context) error {
			return s.runGroup(ctx, sch, docs, lo, hi, results, &stop)
		})
		if err != nil {
			if len(submitted) == 0 {
				return nil, fmt.Errorf("submit ingestion: %w", err)
			}
			for i := start; i < len(docs); i++ {
				results[i] = dombatch.NewSkipped(i, err)
			}
			break
		}
		submitted = append(submitted, pending{start: lo, end: hi, future: f})
	}

	// Tasks observe ctx themselves, so every future completes.
	for _, p := range submitted {
		<-p.future.Done()
		if err := p.future.Err(); err != nil {
			for i := p.start; i < p.end; i++ {
				if results[i].Status() == "" {
					results[i] = dombatch.NewSkipped(i, err)
				}
			}
		}
	}

	sum := dombatch.Summarize(results)
	logger.Or(ctx, s.logger).Info("Ingestion finished",
		zap.Int("documents", len(docs)),
		zap.Int("ok", sum.OK),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
	)
	return results, nil
}

// runGroup embeds and inserts docs[lo:hi]. Each goroutine writes only its own result slots.
func (s *Service) runGroup(
	ctx context.Context,
	sch schema.CollectionSchema,
	docs []Document,
	lo, hi int,
	results []dombatch.Result,
	stop *cascade,
) error {
	if err := stop.get(); err != nil {
		for i := lo; i < hi; i++ {
			results[i] = dombatch.NewSkipped(i, err)
		}
		return nil
	}

	texts := make([]string, 0, hi-lo)
	for i := lo; i < hi; i++ {
		texts = append(texts, docs[i].Text)
	}

	vectors, err := s.embed.Embed(ctx, texts, domain.InputPassage)
	if err != nil {
		err = fmt.Errorf("vectorize: %w", err)
		if isCascading(err) {
			stop.set(err)
		}
		for i := lo; i < hi; i++ {
			results[i] = dombatch.NewError(i, err)
		}
		return nil
	}

	vf := sch.VectorField().Name
	_, hasText := sch.Field(s.cfg.TextField)
	for i := lo; i < hi; i++ {
		rec := make(map[string]any, len(docs[i].Metadata)+2)
		for k, v := range docs[i].Metadata {
			rec[k] = v
		}
		if hasText {
			rec[s.cfg.TextField] = docs[i].Text
		}
		rec[vf] = vectors[i-lo]

		id, err := s.coll.Insert(ctx, rec)
		if err != nil {
			results[i] = dombatch.NewError(i, fmt.Errorf("insert: %w", err))
			continue
		}
		results[i] = dombatch.NewOK(i, id)
	}
	return nil
}
