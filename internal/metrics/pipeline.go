package metrics

import "github.com/prometheus/client_golang/prometheus"

// Request pipeline metrics: retries, rate limiting, worker pool, streaming.
var (
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry controller attempts by outcome",
		},
		[]string{"outcome"}, // success / retryable / fatal / exhausted
	)

	RateLimitWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Acquisitions that had to wait for the next rate limit window",
		},
	)

	RateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting on the rate limiter",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Tasks waiting in the worker pool queue",
		},
	)

	PoolTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_tasks_total",
			Help:      "Worker pool tasks by outcome",
		},
		[]string{"status"}, // ok / error / panic / rejected
	)

	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Streamed generation chunks by outcome",
		},
		[]string{"status"}, // ok / timeout / error
	)
)

// Vector collection metrics.
var (
	IndexBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_builds_total",
			Help:      "Index builds by field and outcome",
		},
		[]string{"field", "status"}, // status: built / noop / error
	)

	IndexBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_build_duration_seconds",
			Help:      "Index build duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"field"},
	)

	CollectionRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_records",
			Help:      "Records stored in the vector collection",
		},
	)
)
