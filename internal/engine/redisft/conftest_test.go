package redisft

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/kailas-cloud/vecpipe/internal/db"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

// fakeStore is an in-memory stand-in for the FT store. SearchKNN returns a canned result.
type fakeStore struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	kv       map[string][]byte
	counters map[string]int64
	indexes  map[string]*db.IndexDefinition
	dropped  []string
	info     map[string]int

	readyAfter int // IndexInfo calls per index before it reports ready
	lastKNN    *db.KNNQuery
	knnResult  *db.SearchResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes:    make(map[string]map[string]string),
		kv:        make(map[string][]byte),
		counters:  make(map[string]int64),
		indexes:   make(map[string]*db.IndexDefinition),
		info:      make(map[string]int),
		knnResult: &db.SearchResult{},
	}
}

func (f *fakeStore) HSet(_ context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.hashes, k)
		delete(f.kv, k)
		delete(f.counters, k)
	}
	return nil
}

func (f *fakeStore) Scan(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for _, m := range []map[string]bool{keySet(f.hashes), keySet(f.kv), keySet(f.counters)} {
		for k := range m {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

func keySet[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.kv[key]; ok {
		return v, nil
	}
	if n, ok := f.counters[key]; ok {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return nil, db.ErrKeyNotFound
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeStore) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeStore) CreateIndex(_ context.Context, def *db.IndexDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.indexes[def.Name]; ok {
		return db.ErrIndexExists
	}
	f.indexes[def.Name] = def
	return nil
}

func (f *fakeStore) DropIndex(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.indexes[name]; !ok {
		return db.ErrIndexNotFound
	}
	delete(f.indexes, name)
	f.dropped = append(f.dropped, name)
	return nil
}

func (f *fakeStore) IndexInfo(_ context.Context, name string) (*db.IndexInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.indexes[name]; !ok {
		return nil, db.ErrIndexNotFound
	}
	f.info[name]++
	if f.info[name] <= f.readyAfter {
		return &db.IndexInfo{Indexing: true, PercentIndexed: 0.5}, nil
	}
	return &db.IndexInfo{PercentIndexed: 1}, nil
}

func (f *fakeStore) SearchKNN(_ context.Context, q *db.KNNQuery) (*db.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKNN = q
	return f.knnResult, nil
}

func (f *fakeStore) SearchCount(_ context.Context, _ string, keyPrefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.hashes {
		if strings.HasPrefix(k, keyPrefix) {
			n++
		}
	}
	return n, nil
}

func testSchema() schema.CollectionSchema {
	return schema.CollectionSchema{
		Name: "docs",
		Fields: []schema.FieldDefinition{
			{Name: "id", DataType: schema.Int64, IsPrimary: true, AutoID: true},
			{Name: "title", DataType: schema.VarChar, MaxLength: 128},
			{Name: "year", DataType: schema.Int64},
			{Name: "score", DataType: schema.Double},
			{Name: "draft", DataType: schema.Bool},
			{Name: "meta", DataType: schema.JSON},
			{Name: "embedding", DataType: schema.FloatVector, Dim: 2},
		},
	}
}

func cagraSpec(metric schema.MetricType) schema.IndexSpec {
	return schema.IndexSpec{
		IndexType:    schema.IndexGPUCagra,
		MetricType:   metric,
		BuildParams:  schema.BuildParams{MaxDegree: 32, ConstructionWidth: 64},
		SearchParams: schema.SearchParams{SearchWidth: 8},
	}
}
