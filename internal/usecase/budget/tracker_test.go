package budget

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Register()
	os.Exit(m.Run())
}

func newTracker(daily, monthly int64, action Action, opts ...Option) *Tracker {
	return New(Config{Daily: daily, Monthly: monthly, Action: action, KeyPrefix: "vecpipe:"}, zap.NewNop(), opts...)
}

func TestTracker_RejectWhenExceeded(t *testing.T) {
	bt := newTracker(100, 0, ActionReject)
	bt.Record(100)

	if err := bt.Check(context.Background()); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected domain.ErrQuotaExceeded, got %v", err)
	}
}

func TestTracker_WarnWhenExceeded(t *testing.T) {
	bt := newTracker(100, 0, ActionWarn)
	bt.Record(200)

	if err := bt.Check(context.Background()); err != nil {
		t.Fatalf("expected nil error for warn action, got %v", err)
	}
}

func TestTracker_MonthlyReject(t *testing.T) {
	bt := newTracker(0, 500, ActionReject)
	bt.Record(500)

	if err := bt.Check(context.Background()); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected domain.ErrQuotaExceeded for monthly limit, got %v", err)
	}
}

func TestTracker_UnlimitedWhenZero(t *testing.T) {
	bt := newTracker(0, 0, ActionReject)
	bt.Record(999999999)

	if err := bt.Check(context.Background()); err != nil {
		t.Fatalf("expected nil error for unlimited budget, got %v", err)
	}
	if bt.RemainingDaily() != -1 || bt.RemainingMonthly() != -1 {
		t.Errorf("expected -1 remaining for unlimited, got %d/%d", bt.RemainingDaily(), bt.RemainingMonthly())
	}
}

func TestTracker_Remaining(t *testing.T) {
	bt := newTracker(1000, 10000, ActionReject)
	bt.Record(300)

	if daily := bt.RemainingDaily(); daily != 700 {
		t.Errorf("expected daily remaining 700, got %d", daily)
	}
	if monthly := bt.RemainingMonthly(); monthly != 9700 {
		t.Errorf("expected monthly remaining 9700, got %d", monthly)
	}
}

func TestTracker_NilIsUnlimited(t *testing.T) {
	var bt *Tracker
	bt.Record(10)
	if err := bt.Check(context.Background()); err != nil {
		t.Fatalf("nil tracker must allow, got %v", err)
	}
}

func TestTracker_DayRollover(t *testing.T) {
	now := time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
	bt := newTracker(100, 1000, ActionReject, WithClock(func() time.Time { return now }))
	bt.Record(100)

	if err := bt.Check(context.Background()); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected quota error before rollover, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := bt.Check(context.Background()); err != nil {
		t.Fatalf("expected daily reset after midnight, got %v", err)
	}
	if bt.DailyUsed() != 0 {
		t.Errorf("DailyUsed() = %d, want 0", bt.DailyUsed())
	}
	if bt.MonthlyUsed() != 0 {
		t.Errorf("MonthlyUsed() = %d, want 0 after month rollover", bt.MonthlyUsed())
	}
}

type mockStore struct {
	mu     sync.Mutex
	data   map[string]int64
	getErr error
	setErr error
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]int64)}
}

func (m *mockStore) IncrBy(_ context.Context, key string, val int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] += val
	return nil
}

func (m *mockStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return 0, m.getErr
	}
	return m.data[key], nil
}

func TestTracker_WithStore_LoadsValues(t *testing.T) {
	now := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	store.data["vecpipe:budget:tokens:daily:2026-05-14"] = 300
	store.data["vecpipe:budget:tokens:monthly:2026-05"] = 5000

	bt := newTracker(1000, 10000, ActionReject, WithClock(func() time.Time { return now }))
	bt.WithStore(context.Background(), store)

	if bt.DailyUsed() != 300 {
		t.Errorf("expected daily_used=300, got %d", bt.DailyUsed())
	}
	if bt.MonthlyUsed() != 5000 {
		t.Errorf("expected monthly_used=5000, got %d", bt.MonthlyUsed())
	}
}

func (m *mockStore) value(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

func TestTracker_Record_WritesBehind(t *testing.T) {
	now := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	bt := newTracker(10000, 100000, ActionWarn, WithClock(func() time.Time { return now }))
	bt.WithStore(context.Background(), store)

	bt.Record(100)
	bt.Record(200)
	bt.Record(300)

	if bt.DailyUsed() != 600 {
		t.Errorf("expected daily_used=600, got %d", bt.DailyUsed())
	}
	if v := store.value("vecpipe:budget:tokens:daily:2026-05-14"); v != 0 {
		t.Errorf("Record must not write to the store, got daily=%d", v)
	}

	if err := bt.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if v := store.value("vecpipe:budget:tokens:daily:2026-05-14"); v != 600 {
		t.Errorf("expected store daily=600, got %d", v)
	}
	if v := store.value("vecpipe:budget:tokens:monthly:2026-05"); v != 600 {
		t.Errorf("expected store monthly=600, got %d", v)
	}

	// Nothing queued: a second flush writes nothing more.
	if err := bt.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if v := store.value("vecpipe:budget:tokens:daily:2026-05-14"); v != 600 {
		t.Errorf("expected store daily=600 after empty flush, got %d", v)
	}
}

func TestTracker_Run_FlushesPeriodically(t *testing.T) {
	now := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	bt := newTracker(0, 0, ActionWarn, WithClock(func() time.Time { return now }))
	bt.WithStore(context.Background(), store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bt.Run(ctx, 5*time.Millisecond)
	}()
	defer func() {
		cancel()
		<-done
	}()

	bt.Record(42)
	deadline := time.Now().Add(2 * time.Second)
	for store.value("vecpipe:budget:tokens:monthly:2026-05") != 42 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not flush the queued tokens")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTracker_WithStore_LoadError(t *testing.T) {
	store := newMockStore()
	store.getErr = errors.New("connection refused")

	bt := newTracker(1000, 10000, ActionReject)
	bt.WithStore(context.Background(), store)

	if bt.DailyUsed() != 0 || bt.MonthlyUsed() != 0 {
		t.Errorf("expected zero usage on load error, got %d/%d", bt.DailyUsed(), bt.MonthlyUsed())
	}
}

func TestTracker_Flush_StoreWriteErrorRequeues(t *testing.T) {
	now := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	bt := newTracker(1000, 10000, ActionWarn, WithClock(func() time.Time { return now }))
	bt.WithStore(context.Background(), store)

	store.mu.Lock()
	store.setErr = errors.New("write timeout")
	store.mu.Unlock()

	bt.Record(50)
	if bt.DailyUsed() != 50 {
		t.Errorf("expected daily_used=50 even with store error, got %d", bt.DailyUsed())
	}
	if err := bt.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	store.mu.Lock()
	store.setErr = nil
	store.mu.Unlock()
	bt.Record(25)

	if err := bt.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if v := store.value("vecpipe:budget:tokens:daily:2026-05-14"); v != 75 {
		t.Errorf("expected requeued delta to reach the store, daily=%d", v)
	}
}
