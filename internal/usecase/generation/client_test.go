package generation

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kailas-cloud/vecpipe/internal/cache"
	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
	"github.com/kailas-cloud/vecpipe/internal/retry"
)

func TestMain(m *testing.M) {
	metrics.Register()
	os.Exit(m.Run())
}

// fakeDeltaStream yields whatever is sent on deltas; closing deltas ends the stream with io.EOF.
type fakeDeltaStream struct {
	deltas chan domain.Delta
	closed chan struct{}
	once   sync.Once
	isDone atomic.Bool
}

func newFakeDeltaStream(buffer int) *fakeDeltaStream {
	return &fakeDeltaStream{deltas: make(chan domain.Delta, buffer), closed: make(chan struct{})}
}

func (f *fakeDeltaStream) Recv() (domain.Delta, error) {
	select {
	case d, ok := <-f.deltas:
		if !ok {
			return domain.Delta{}, io.EOF
		}
		return d, nil
	case <-f.closed:
		return domain.Delta{}, errors.New("stream closed")
	}
}

func (f *fakeDeltaStream) Close() error {
	f.once.Do(func() {
		f.isDone.Store(true)
		close(f.closed)
	})
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	requests  []domain.CompletionRequest
	errs      []error
	streams   []*fakeDeltaStream
	streamErr []error
}

func (f *fakeTransport) Complete(_ context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return domain.Completion{}, err
	}
	return domain.Completion{Text: "answer", FinishReason: "stop", PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, nil
}

func (f *fakeTransport) OpenStream(_ context.Context, req domain.CompletionRequest) (domain.DeltaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.streamErr) > 0 {
		err := f.streamErr[0]
		f.streamErr = f.streamErr[1:]
		return nil, err
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, tr domain.GenerationTransport, cfg Config, opts ...Option) *Client {
	t.Helper()
	rc := retry.New(retry.Policy{
		MaxRetries:      2,
		BackoffFactor:   time.Millisecond,
		RetryableStatus: []int{500, 502, 504},
	}, zaptest.NewLogger(t), retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	return New(tr, cfg, rc, zaptest.NewLogger(t), opts...)
}

var userMsg = []domain.Message{{Role: domain.RoleUser, Content: "hi"}}

func ptr[T any](v T) *T { return &v }

func TestGenerate_MergesOverrides(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(t, tr, Config{Defaults: domain.GenerationParams{
		MaxTokens: 4096, Temperature: 0.2, TopP: 1, Stop: []string{"###"},
	}})

	_, err := c.Generate(context.Background(), userMsg, &domain.ParamsOverride{
		Temperature: ptr(float32(0.9)),
		Seed:        ptr(7),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p := tr.requests[0].Params
	if p.Temperature != 0.9 || p.MaxTokens != 4096 || p.TopP != 1 {
		t.Errorf("params = %+v", p)
	}
	if p.Seed == nil || *p.Seed != 7 {
		t.Errorf("seed = %v", p.Seed)
	}
	if len(p.Stop) != 1 || p.Stop[0] != "###" {
		t.Errorf("stop = %v, want defaults kept", p.Stop)
	}
}

func TestGenerate_NoMessages(t *testing.T) {
	c := newTestClient(t, &fakeTransport{}, Config{})
	if _, err := c.Generate(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenerate_CachesOnlyDeterministicRequests(t *testing.T) {
	tr := &fakeTransport{}
	cc, err := cache.New[domain.Completion]("generation", 16, time.Minute, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cc.Close)
	c := newTestClient(t, tr, Config{Model: "m", Defaults: domain.GenerationParams{Temperature: 0}}, WithCache(cc))

	for range 2 {
		if _, err := c.Generate(context.Background(), userMsg, nil); err != nil {
			t.Fatal(err)
		}
	}
	if tr.calls() != 1 {
		t.Fatalf("temperature 0: expected 1 call, got %d", tr.calls())
	}

	sampled := &domain.ParamsOverride{Temperature: ptr(float32(0.8))}
	for range 2 {
		if _, err := c.Generate(context.Background(), userMsg, sampled); err != nil {
			t.Fatal(err)
		}
	}
	if tr.calls() != 3 {
		t.Fatalf("sampled requests must bypass the cache, got %d calls", tr.calls())
	}
}

func TestGenerate_RetriesTransient(t *testing.T) {
	tr := &fakeTransport{errs: []error{&domain.EndpointError{Endpoint: "generation", Status: 504}}}
	c := newTestClient(t, tr, Config{Defaults: domain.GenerationParams{Temperature: 0.5}})

	ctx, usage := domain.NewContextWithUsage(context.Background())
	out, err := c.Generate(ctx, userMsg, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Text != "answer" || tr.calls() != 2 {
		t.Errorf("out = %+v after %d calls", out, tr.calls())
	}
	if usage.GenerationTokens() != 5 {
		t.Errorf("usage = %d, want 5", usage.GenerationTokens())
	}
}

func TestGenerate_RetryExhausted(t *testing.T) {
	e := &domain.EndpointError{Endpoint: "generation", Status: 500}
	tr := &fakeTransport{errs: []error{e, e, e}}
	c := newTestClient(t, tr, Config{})

	_, err := c.Generate(context.Background(), userMsg, nil)
	if !errors.Is(err, domain.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	var ep *domain.EndpointError
	if !errors.As(err, &ep) || ep.Status != 500 {
		t.Errorf("last cause not exposed: %v", err)
	}
}

func sendAll(s *fakeDeltaStream, deltas ...domain.Delta) {
	for _, d := range deltas {
		s.deltas <- d
	}
}

func TestStream_ChunksByTokenCount(t *testing.T) {
	up := newFakeDeltaStream(8)
	sendAll(up,
		domain.Delta{Text: "a"}, domain.Delta{Text: "b"}, domain.Delta{Text: "c"},
		domain.Delta{Text: "d"}, domain.Delta{Text: "e", FinishReason: "stop"},
	)
	close(up.deltas)
	tr := &fakeTransport{streams: []*fakeDeltaStream{up}}
	c := newTestClient(t, tr, Config{ChunkTokens: 2, ChunkTimeout: time.Second})

	ctx, usage := domain.NewContextWithUsage(context.Background())
	s, err := c.Stream(ctx, userMsg, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var got []Chunk
	for {
		ch, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, ch)
	}

	want := []Chunk{{Text: "ab", Tokens: 2}, {Text: "cd", Tokens: 2}, {Text: "e", Tokens: 1, FinishReason: "stop"}}
	if len(got) != len(want) {
		t.Fatalf("chunks = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("exhausted stream must keep returning io.EOF, got %v", err)
	}
	if usage.GenerationTokens() != 5 {
		t.Errorf("usage = %d, want 5", usage.GenerationTokens())
	}
}

func TestStream_TimeoutIsTerminal(t *testing.T) {
	up := newFakeDeltaStream(1)
	up.deltas <- domain.Delta{Text: "a"}
	tr := &fakeTransport{streams: []*fakeDeltaStream{up}}
	c := newTestClient(t, tr, Config{ChunkTokens: 1, ChunkTimeout: 20 * time.Millisecond})

	s, err := c.Stream(context.Background(), userMsg, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	if ch, err := s.Next(context.Background()); err != nil || ch.Text != "a" {
		t.Fatalf("first Next() = %+v, %v", ch, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, domain.ErrStreamTimeout) {
		t.Fatalf("expected ErrStreamTimeout, got %v", err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, domain.ErrStreamTimeout) {
		t.Fatalf("timeout must be sticky, got %v", err)
	}
	if !up.isDone.Load() {
		t.Error("upstream must be closed after a stall")
	}
}

func TestStream_PartialChunkBeforeStall(t *testing.T) {
	up := newFakeDeltaStream(1)
	up.deltas <- domain.Delta{Text: "a"}
	tr := &fakeTransport{streams: []*fakeDeltaStream{up}}
	c := newTestClient(t, tr, Config{ChunkTokens: 3, ChunkTimeout: 20 * time.Millisecond})

	s, err := c.Stream(context.Background(), userMsg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ch, err := s.Next(context.Background())
	if err != nil || ch.Text != "a" || ch.Tokens != 1 {
		t.Fatalf("Next() = %+v, %v; want the partial chunk", ch, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, domain.ErrStreamTimeout) {
		t.Fatalf("expected ErrStreamTimeout, got %v", err)
	}
}

func TestStream_CallerCancelClosesUpstream(t *testing.T) {
	up := newFakeDeltaStream(0)
	tr := &fakeTransport{streams: []*fakeDeltaStream{up}}
	c := newTestClient(t, tr, Config{ChunkTokens: 1})

	s, err := c.Stream(context.Background(), userMsg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !up.isDone.Load() {
		t.Error("upstream must be closed on cancellation")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStream_OpenRetriesTransient(t *testing.T) {
	up := newFakeDeltaStream(1)
	close(up.deltas)
	tr := &fakeTransport{
		streams:   []*fakeDeltaStream{up},
		streamErr: []error{&domain.EndpointError{Endpoint: "generation", Status: 502}},
	}
	c := newTestClient(t, tr, Config{ChunkTokens: 4})

	s, err := c.Stream(context.Background(), userMsg, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()
	if tr.calls() != 2 {
		t.Errorf("expected 2 open attempts, got %d", tr.calls())
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestStream_OpenFatal(t *testing.T) {
	tr := &fakeTransport{streamErr: []error{&domain.EndpointError{Endpoint: "generation", Status: 401}}}
	c := newTestClient(t, tr, Config{})

	_, err := c.Stream(context.Background(), userMsg, nil)
	if !errors.Is(err, domain.ErrEndpoint) || errors.Is(err, domain.ErrRetryExhausted) {
		t.Fatalf("expected fatal endpoint error, got %v", err)
	}
	if tr.calls() != 1 {
		t.Errorf("expected a single attempt, got %d", tr.calls())
	}
}
