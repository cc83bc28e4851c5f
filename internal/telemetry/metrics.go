package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lease operation outcomes.
const (
	OutcomeWon       = "won"
	OutcomeContended = "contended"
	OutcomeError     = "error"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "packaging_jobs_created_total", Help: "Packaging jobs accepted from producers"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "packaging_rate_limit_rejects_total", Help: "Job submissions rejected by the per-user rate limiter"})
	LeaseOps         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_lease_operations_total", Help: "Lease operations by kind and outcome"}, []string{"op", "outcome"})
	Callbacks        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_callbacks_total", Help: "Worker callbacks by event and outcome"}, []string{"event", "outcome"})
	ReaperRequeued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "packaging_reaper_requeued_total", Help: "Stale jobs returned to the queue"})
	ReaperExpired    = prometheus.NewCounter(prometheus.CounterOpts{Name: "packaging_reaper_expired_total", Help: "Stale jobs failed after exhausting requeues"})
	SweepDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "packaging_reaper_sweep_seconds", Help: "Duration of reaper sweeps", Buckets: prometheus.DefBuckets})
	JobsByStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "packaging_jobs", Help: "Jobs per status at the last stats refresh"}, []string{"status"})
	WorkerResults    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_worker_results_total", Help: "Worker attempts by result"}, []string{"result"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "packaging_worker_inflight", Help: "Leases currently held by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			RateLimitRejects,
			LeaseOps,
			Callbacks,
			ReaperRequeued,
			ReaperExpired,
			SweepDuration,
			JobsByStatus,
			WorkerResults,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
