package db

import "github.com/kailas-cloud/vecpipe/internal/domain/search/filter"

// KNNQuery is the input for vector similarity search.
// Scores come back as the raw __vector_score distance; converting them is up to the caller.
type KNNQuery struct {
	IndexName    string
	VectorField  string
	Filters      filter.Expression
	Vector       []float32
	K            int
	EFRuntime    int // HNSW only; 0 keeps the index default
	ReturnFields []string
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}

// SearchEntry is a single record hit from a search.
type SearchEntry struct {
	Key    string
	Score  float64
	Fields map[string]string
}
