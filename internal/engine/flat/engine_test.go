package flat

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/kailas-cloud/vecpipe/internal/domain"
	"github.com/kailas-cloud/vecpipe/internal/domain/index"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/domain/search/filter"
	"github.com/kailas-cloud/vecpipe/internal/metrics"
	"github.com/kailas-cloud/vecpipe/internal/usecase/collection"
)

func TestMain(m *testing.M) {
	metrics.Register()
	os.Exit(m.Run())
}

func testSchema(dim int) schema.CollectionSchema {
	return schema.CollectionSchema{
		Name: "documents",
		Fields: []schema.FieldDefinition{
			{Name: "id", DataType: schema.Int64, IsPrimary: true, AutoID: true},
			{Name: "text", DataType: schema.VarChar, MaxLength: 256},
			{Name: "year", DataType: schema.Int64},
			{Name: "embedding", DataType: schema.FloatVector, Dim: dim},
		},
	}
}

func l2Spec() schema.IndexSpec {
	return schema.IndexSpec{
		IndexType:   schema.IndexGPUCagra,
		MetricType:  schema.MetricL2,
		BuildParams: schema.BuildParams{GPUDeviceID: 0, MaxDegree: 32, ConstructionWidth: 64},
	}
}

func newEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := New(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func put(t *testing.T, e *Engine, id string, vec []float32, year int64) {
	t.Helper()
	rec := schema.Record{"id": int64(len(id)), "text": "doc " + id, "year": year, "embedding": vec}
	if err := e.Put(context.Background(), id, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestSearch_L2Ascending(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "")
	if err := e.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	put(t, e, "far", []float32{10, 10}, 2020)
	put(t, e, "near", []float32{1, 1}, 2021)
	put(t, e, "exact", []float32{0, 0}, 2022)

	if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec(), BatchSize: 2}); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	hits, err := e.Search(ctx, index.Query{
		Field: "embedding", Vector: []float32{0, 0}, TopK: 3, Metric: schema.MetricL2,
		OutputFields: []string{"text"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []struct {
		id    string
		score float32
	}{{"exact", 0}, {"near", 2}, {"far", 200}}
	for i, w := range want {
		if hits[i].DocID != w.id || hits[i].Score != w.score {
			t.Errorf("hit[%d] = %s/%v, want %s/%v", i, hits[i].DocID, hits[i].Score, w.id, w.score)
		}
	}
	if hits[0].Fields["text"] != "doc exact" {
		t.Errorf("fields = %v", hits[0].Fields)
	}
}

func TestSearch_CosineAndIPDescending(t *testing.T) {
	ctx := context.Background()
	for _, metric := range []schema.MetricType{schema.MetricCosine, schema.MetricIP} {
		t.Run(string(metric), func(t *testing.T) {
			e := newEngine(t, "")
			if err := e.Define(ctx, testSchema(2)); err != nil {
				t.Fatal(err)
			}
			put(t, e, "orthogonal", []float32{0, 1}, 2020)
			put(t, e, "aligned", []float32{2, 0}, 2020)

			spec := l2Spec()
			spec.MetricType = metric
			if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: spec}); err != nil {
				t.Fatal(err)
			}
			hits, err := e.Search(ctx, index.Query{Field: "embedding", Vector: []float32{1, 0}, TopK: 2, Metric: metric})
			if err != nil {
				t.Fatal(err)
			}
			if hits[0].DocID != "aligned" || hits[1].DocID != "orthogonal" {
				t.Errorf("order = %s, %s", hits[0].DocID, hits[1].DocID)
			}
			if metric == schema.MetricCosine && hits[0].Score != 1 {
				t.Errorf("cosine similarity = %v, want 1", hits[0].Score)
			}
		})
	}
}

func TestSearch_NotReady(t *testing.T) {
	e := newEngine(t, "")
	if err := e.Define(context.Background(), testSchema(2)); err != nil {
		t.Fatal(err)
	}
	_, err := e.Search(context.Background(), index.Query{Field: "embedding", Vector: []float32{0, 0}, TopK: 1})
	if !errors.Is(err, domain.ErrIndexNotReady) {
		t.Errorf("expected ErrIndexNotReady, got %v", err)
	}
}

func TestSearch_Filter(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "")
	if err := e.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	put(t, e, "old", []float32{0, 0}, 2010)
	put(t, e, "new", []float32{5, 5}, 2024)
	if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec()}); err != nil {
		t.Fatal(err)
	}

	gte := 2020.0
	r, _ := filter.NewRangeFilter(nil, &gte, nil, nil)
	cond, _ := filter.NewRange("year", r)
	expr, _ := filter.NewExpression([]filter.Condition{cond}, nil, nil)

	hits, err := e.Search(ctx, index.Query{Field: "embedding", Vector: []float32{0, 0}, TopK: 5, Metric: schema.MetricL2, Filter: expr})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].DocID != "new" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestBuild_SnapshotExcludesLaterInserts(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "")
	if err := e.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	put(t, e, "a", []float32{1, 0}, 2020)
	if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec()}); err != nil {
		t.Fatal(err)
	}
	put(t, e, "b", []float32{0, 0}, 2020)

	hits, _ := e.Search(ctx, index.Query{Field: "embedding", Vector: []float32{0, 0}, TopK: 5, Metric: schema.MetricL2})
	if len(hits) != 1 || hits[0].DocID != "a" {
		t.Fatalf("before rebuild: %+v", hits)
	}
	if n, _ := e.Count(ctx); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec()}); err != nil {
		t.Fatal(err)
	}
	hits, _ = e.Search(ctx, index.Query{Field: "embedding", Vector: []float32{0, 0}, TopK: 5, Metric: schema.MetricL2})
	if len(hits) != 2 || hits[0].DocID != "b" {
		t.Errorf("after rebuild: %+v", hits)
	}
}

type countingThrottle struct{ vectors, calls int }

func (c *countingThrottle) WaitN(_ context.Context, n int) error {
	c.calls++
	c.vectors += n
	return nil
}

func TestBuild_BatchesThroughThrottle(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "")
	if err := e.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	for i := range 7 {
		put(t, e, strconv.Itoa(i), []float32{float32(i), 0}, 2020)
	}
	th := &countingThrottle{}
	if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec(), BatchSize: 3, Throttle: th}); err != nil {
		t.Fatal(err)
	}
	if th.calls != 3 || th.vectors != 7 {
		t.Errorf("throttle calls=%d vectors=%d, want 3/7", th.calls, th.vectors)
	}
}

func TestBuild_CanceledKeepsPreviousSnapshot(t *testing.T) {
	e := newEngine(t, "")
	if err := e.Define(context.Background(), testSchema(2)); err != nil {
		t.Fatal(err)
	}
	put(t, e, "a", []float32{1, 0}, 2020)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec()}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	built, _ := e.Built(context.Background())
	if len(built) != 0 {
		t.Errorf("canceled build must not install an index: %v", built)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newEngine(t, dir)
	if err := e.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	id, _ := e.NextID(ctx)
	rec := schema.Record{"id": id, "text": "hello", "year": int64(2024), "embedding": []float32{3, 4}}
	if err := e.Put(ctx, strconv.FormatInt(id, 10), rec); err != nil {
		t.Fatal(err)
	}
	if err := e.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec()}); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	restored := newEngine(t, dir)
	s, err := restored.LoadSchema(ctx)
	if err != nil || s == nil || !s.Equal(testSchema(2)) {
		t.Fatalf("LoadSchema = %+v, %v", s, err)
	}
	built, _ := restored.Built(ctx)
	if spec, ok := built["embedding"]; !ok || !spec.Equal(l2Spec()) {
		t.Errorf("Built() = %v", built)
	}
	if next, _ := restored.NextID(ctx); next != 2 {
		t.Errorf("NextID() after restore = %d, want 2", next)
	}
	hits, err := restored.Search(ctx, index.Query{
		Field: "embedding", Vector: []float32{3, 4}, TopK: 1, Metric: schema.MetricL2, OutputFields: []string{"year"},
	})
	if err != nil || len(hits) != 1 || hits[0].Fields["year"] != int64(2024) {
		t.Errorf("Search after restore = %+v, %v", hits, err)
	}
}

func TestPersistence_InsertsSurviveCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newEngine(t, dir)
	if err := e.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		id, _ := e.NextID(ctx)
		rec := schema.Record{"id": id, "text": "t", "year": int64(2000 + i), "embedding": []float32{float32(i), 0}}
		if err := e.Put(ctx, strconv.FormatInt(id, 10), rec); err != nil {
			t.Fatal(err)
		}
	}
	// No Close and no build: the process dies here.
	_ = e.closeWAL()

	restored := newEngine(t, dir)
	if n, _ := restored.Count(ctx); n != 2 {
		t.Fatalf("Count() after crash = %d, want 2", n)
	}
	if next, _ := restored.NextID(ctx); next != 3 {
		t.Errorf("NextID() after crash = %d, want 3", next)
	}
	if err := restored.BuildIndex(ctx, index.BuildRequest{Field: "embedding", Spec: l2Spec()}); err != nil {
		t.Fatal(err)
	}
	hits, err := restored.Search(ctx, index.Query{Field: "embedding", Vector: []float32{1, 0}, TopK: 1, Metric: schema.MetricL2})
	if err != nil || len(hits) != 1 || hits[0].DocID != "2" {
		t.Errorf("Search after crash = %+v, %v", hits, err)
	}
	if info, err := os.Stat(filepath.Join(dir, walFile)); err != nil || info.Size() != 0 {
		t.Errorf("insert log not reset by the snapshot: %v, %v", info, err)
	}
}

func TestPersistence_TornInsertLogTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newEngine(t, dir)
	if err := e.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	put(t, e, "a", []float32{1, 1}, 2020)
	_ = e.closeWAL()

	f, err := os.OpenFile(filepath.Join(dir, walFile), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	// Frame header announcing 100 bytes, followed by only three.
	if _, err := f.Write([]byte{100, 1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	restored := newEngine(t, dir)
	if n, _ := restored.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want the one complete record", n)
	}
}

func TestManager_TopKOnLargeVectors(t *testing.T) {
	ctx := context.Background()
	const dim = 4096

	e := newEngine(t, "")
	m := collection.New(e, collection.Config{EmbeddingDim: dim, TopKCap: 100}, zaptest.NewLogger(t))
	if err := m.Define(ctx, testSchema(dim)); err != nil {
		t.Fatalf("Define: %v", err)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	vectors := make([][]float32, 10)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
		if _, err := m.Insert(ctx, schema.Record{"text": "doc", "year": 2024, "embedding": v}); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	if _, err := m.Search(ctx, collection.SearchRequest{Vector: vectors[0], TopK: 5}); !errors.Is(err, domain.ErrIndexNotReady) {
		t.Fatalf("search before build: %v", err)
	}
	if err := m.BuildIndex(ctx, "embedding", l2Spec()); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	hits, err := m.Search(ctx, collection.SearchRequest{Vector: vectors[3], TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 5 {
		t.Fatalf("got %d hits, want 5", len(hits))
	}
	if hits[0].DocID != "4" || hits[0].Score != 0 {
		t.Errorf("nearest = %s/%v, want 4/0", hits[0].DocID, hits[0].Score)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score < hits[i-1].Score {
			t.Errorf("scores not ascending at %d: %v < %v", i, hits[i].Score, hits[i-1].Score)
		}
	}
}

func TestManager_TopKCap(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, "")
	m := collection.New(e, collection.Config{EmbeddingDim: 2}, zaptest.NewLogger(t))
	if err := m.Define(ctx, testSchema(2)); err != nil {
		t.Fatal(err)
	}
	for i := range 150 {
		if _, err := m.Insert(ctx, schema.Record{"text": "t", "year": 2024, "embedding": []float32{float32(i), 0}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.BuildIndex(ctx, "embedding", l2Spec()); err != nil {
		t.Fatal(err)
	}
	hits, err := m.Search(ctx, collection.SearchRequest{Vector: []float32{0, 0}, TopK: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 100 {
		t.Errorf("got %d hits, want cap 100", len(hits))
	}
}
