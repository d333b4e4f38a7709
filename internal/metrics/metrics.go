package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fixturesync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_created_total",
			Help:      "Sync jobs accepted by source.",
		},
		[]string{"source"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_finished_total",
			Help:      "Sync jobs that reached a terminal status.",
		},
		[]string{"status"},
	)

	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_jobs_running",
			Help:      "Sync jobs currently executing.",
		},
	)

	chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_chunks_total",
			Help:      "Chunk fetches by outcome.",
		},
		[]string{"outcome"},
	)

	chunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_chunk_duration_seconds",
			Help:      "Wall time of one chunk including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	schedulerCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_total",
			Help:      "Scheduler refresh cycles by outcome.",
		},
		[]string{"outcome"},
	)

	sourceRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_source_refresh_total",
			Help:      "Per-source refresh attempts by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			jobsCreated,
			jobsFinished,
			jobsRunning,
			chunks,
			chunkDuration,
			schedulerCycles,
			sourceRefreshes,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncJobCreated(source string) {
	jobsCreated.WithLabelValues(source).Inc()
}

func IncJobFinished(status string) {
	jobsFinished.WithLabelValues(status).Inc()
}

// JobStarted bumps the running gauge and returns the matching decrement.
func JobStarted() func() {
	jobsRunning.Inc()
	return jobsRunning.Dec
}

// ObserveChunk records one chunk outcome ("ok" or "error") and its duration.
func ObserveChunk(outcome string, d time.Duration) {
	chunks.WithLabelValues(outcome).Inc()
	chunkDuration.Observe(d.Seconds())
}

// IncCycle counts a scheduler cycle: "completed" or "skipped".
func IncCycle(outcome string) {
	schedulerCycles.WithLabelValues(outcome).Inc()
}

func IncSourceRefresh(tier int, outcome string) {
	sourceRefreshes.WithLabelValues(strconv.Itoa(tier), outcome).Inc()
}
