package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kailas-cloud/vecpipe/internal/domain"
)

func TestSubmit_RunsTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueDepth: 16}, zaptest.NewLogger(t))
	defer p.Shutdown(context.Background())

	var n atomic.Int32
	futures := make([]*Future, 0, 10)
	for i := 0; i < 10; i++ {
		f, err := p.Submit(context.Background(), func(context.Context) error {
			n.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		if err := f.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n.Load() != 10 {
		t.Errorf("ran %d tasks, want 10", n.Load())
	}
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	const workers = 3
	p := New(Config{MaxWorkers: workers, QueueDepth: 32}, nil)
	defer p.Shutdown(context.Background())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		f, err := p.Submit(context.Background(), func(context.Context) error {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.Wait(context.Background())
		}()
	}
	wg.Wait()

	if peak.Load() > workers {
		t.Errorf("peak concurrency %d exceeds %d workers", peak.Load(), workers)
	}
}

func TestSubmit_RejectsWhenSaturated(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueDepth: 1}, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	blocker := func(context.Context) error {
		<-release
		return nil
	}

	if _, err := p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		return blocker(ctx)
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	// The only worker is busy: exactly QueueDepth tasks are accepted.
	if _, err := p.Submit(context.Background(), blocker); err != nil {
		t.Fatal(err)
	}
	_, err := p.Submit(context.Background(), blocker)
	if !errors.Is(err, domain.ErrPoolSaturated) {
		t.Fatalf("expected ErrPoolSaturated, got %v", err)
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSubmit_ZeroQueueDepthMeansNoQueue(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueDepth: 0}, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	// The dispatcher may not be parked yet right after New.
	deadline := time.Now().Add(time.Second)
	for {
		_, err := p.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrPoolSaturated) || time.Now().After(deadline) {
			t.Fatalf("idle pool rejected a task: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	<-started

	if _, err := p.Submit(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, domain.ErrPoolSaturated) {
		t.Fatalf("busy pool without a queue must reject, got %v", err)
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSubmit_BlockWhenFullWaitsForSpace(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueDepth: 0, BlockWhenFull: true}, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	if _, err := p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected blocked submit to time out, got %v", err)
	}

	// Once the worker frees up, a blocking submit is handed over.
	accepted := make(chan *Future, 1)
	go func() {
		f, err := p.Submit(context.Background(), func(context.Context) error { return nil })
		if err != nil {
			t.Error(err)
		}
		accepted <- f
	}()
	close(release)
	select {
	case f := <-accepted:
		if f != nil {
			if err := f.Wait(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("blocking submit was not accepted after the worker freed up")
	}
	_ = p.Shutdown(context.Background())
}

func TestTaskFailureIsIsolated(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueDepth: 8}, zaptest.NewLogger(t))
	defer p.Shutdown(context.Background())

	boom := errors.New("boom")
	bad, _ := p.Submit(context.Background(), func(context.Context) error { return boom })
	panicky, _ := p.Submit(context.Background(), func(context.Context) error { panic("kaboom") })
	good, _ := p.Submit(context.Background(), func(context.Context) error { return nil })

	if err := bad.Wait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("bad task: %v", err)
	}
	if err := panicky.Wait(context.Background()); err == nil {
		t.Error("panicking task should report an error")
	}
	if err := good.Wait(context.Background()); err != nil {
		t.Errorf("sibling task affected: %v", err)
	}
}

func TestSubmit_CancelledBeforeRun(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueDepth: 4}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	_, _ = p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	f, err := p.Submit(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	close(release)

	if err := f.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	_ = p.Shutdown(context.Background())
	if ran {
		t.Error("cancelled task must not run")
	}
}

func TestShutdown_DrainsAndRejects(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueDepth: 8}, nil)

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		if _, err := p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(2 * time.Millisecond)
			n.Add(1)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 5 {
		t.Errorf("drained %d tasks, want 5", n.Load())
	}
	if _, err := p.Submit(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
