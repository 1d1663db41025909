package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

// Chunk is a slice of a streamed completion made of at most chunk_tokens upstream deltas.
type Chunk struct {
	Text         string `json:"text"`
	Tokens       int    `json:"tokens"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type streamConfig struct {
	chunkTokens  int
	chunkTimeout time.Duration
	usage        *domain.TokenUsage
	budget       budgetChecker
	logger       *zap.Logger
}

type received struct {
	delta domain.Delta
	err   error
}

// Stream is a lazy, finite, non-restartable sequence of chunks.
// Next returns io.EOF after the last chunk. Once Next fails, every later call returns the same error.
// Next is not safe for concurrent use; Close may be called from any goroutine.
type Stream struct {
	upstream domain.DeltaStream
	cancel   context.CancelFunc
	cfg      streamConfig

	results chan received
	done    chan struct{}
	once    sync.Once

	err error
}

func newStream(upstream domain.DeltaStream, cancel context.CancelFunc, cfg streamConfig) *Stream {
	s := &Stream{
		upstream: upstream,
		cancel:   cancel,
		cfg:      cfg,
		results:  make(chan received),
		done:     make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump moves upstream deltas onto the results channel until the upstream ends or the stream is closed.
func (s *Stream) pump() {
	for {
		d, err := s.upstream.Recv()
		select {
		case s.results <- received{delta: d, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next chunk. A chunk ends after chunk_tokens deltas, a finish reason or the end of the stream.
// If no delta arrives within chunk_timeout the stream fails with domain.ErrStreamTimeout;
// text gathered before the stall is returned first. A done ctx closes the stream.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	if s.err != nil {
		return Chunk{}, s.err
	}

	var text strings.Builder
	chunk := Chunk{}
	for chunk.Tokens < s.cfg.chunkTokens {
		r, err := s.wait(ctx)
		if err != nil {
			s.fail(err)
			if chunk.Tokens > 0 && ctx.Err() == nil {
				break
			}
			return Chunk{}, s.err
		}
		if r.err != nil {
			s.fail(r.err)
			if chunk.Tokens > 0 {
				break
			}
			return Chunk{}, s.err
		}

		text.WriteString(r.delta.Text)
		chunk.Tokens++
		if r.delta.FinishReason != "" {
			chunk.FinishReason = r.delta.FinishReason
			break
		}
	}

	chunk.Text = text.String()
	s.cfg.usage.AddGeneration(chunk.Tokens)
	if s.cfg.budget != nil {
		s.cfg.budget.Record(int64(chunk.Tokens))
	}
	metrics.StreamChunksTotal.WithLabelValues("ok").Inc()
	return chunk, nil
}

func (s *Stream) wait(ctx context.Context) (received, error) {
	var timeout <-chan time.Time
	if s.cfg.chunkTimeout > 0 {
		t := time.NewTimer(s.cfg.chunkTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r, ok := <-s.results:
		if !ok {
			return received{err: io.EOF}, nil
		}
		return r, nil
	case <-timeout:
		return received{}, fmt.Errorf("no delta within %s: %w", s.cfg.chunkTimeout, domain.ErrStreamTimeout)
	case <-ctx.Done():
		return received{}, ctx.Err()
	}
}

// fail makes err terminal. Anything but a clean end releases the upstream connection.
func (s *Stream) fail(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	switch {
	case errors.Is(err, io.EOF):
		return
	case errors.Is(err, domain.ErrStreamTimeout):
		metrics.StreamChunksTotal.WithLabelValues("timeout").Inc()
		s.cfg.logger.Warn("Generation stream stalled", zap.Duration("chunk_timeout", s.cfg.chunkTimeout))
	default:
		metrics.StreamChunksTotal.WithLabelValues("error").Inc()
	}
	_ = s.Close()
}

// Close releases the upstream connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.upstream.Close()
	})
	return err
}
