// Package metrics declares the Prometheus collectors of the service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vecpipe"

// Endpoint labels.
const (
	EndpointEmbedding  = "embedding"
	EndpointGeneration = "generation"
)

// External endpoint metrics.
var (
	EndpointRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_requests_total",
			Help:      "Total number of requests sent to external model endpoints",
		},
		[]string{"endpoint", "model", "status"},
	)

	EndpointRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_request_duration_seconds",
			Help:      "External endpoint request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"endpoint", "model"},
	)

	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens consumed by external endpoints",
		},
		[]string{"endpoint", "model", "type"},
	)

	EndpointErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_errors_total",
			Help:      "Total external endpoint errors by kind",
		},
		[]string{"endpoint", "error_type"},
	)

	BudgetTokensRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_tokens_remaining",
			Help:      "Remaining token budget",
		},
		[]string{"period"},
	)

	CacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_total",
			Help:      "Response cache lookups by outcome",
		},
		[]string{"cache", "result"}, // result: hit / miss / shared
	)

	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the in-memory cache",
		},
		[]string{"cache"},
	)
)

var registerOnce sync.Once

// Register registers all service collectors with the default registry. Safe to call more than once.
// HTTP metrics register themselves in init.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EndpointRequestsTotal,
			EndpointRequestDuration,
			TokensTotal,
			EndpointErrorsTotal,
			BudgetTokensRemaining,
			CacheTotal,
			CacheEntries,
			RetryAttemptsTotal,
			RateLimitWaitsTotal,
			RateLimitWaitSeconds,
			PoolQueueDepth,
			PoolTasksTotal,
			StreamChunksTotal,
			IndexBuildsTotal,
			IndexBuildDuration,
			CollectionRecords,
		)
	})
}
