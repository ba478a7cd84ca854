package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_jobs_submitted_total",
		Help: "Jobs accepted by the API.",
	}, []string{"type"})

	TaskClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_task_claims_total",
		Help: "Claim attempts by outcome.",
	}, []string{"outcome"}) // claimed, empty, error

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tasks_processed_total",
		Help: "Processed tasks by job type and outcome.",
	}, []string{"type", "outcome"}) // success, retried, failed

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_task_duration_seconds",
		Help:    "Duration of a single task attempt.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"type"})

	UnitsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_batch_units_total",
		Help: "Batch units by mode and outcome.",
	}, []string{"mode", "outcome"}) // success, failed, skipped

	RatioRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ratio_retries_total",
		Help: "Synthesis calls repeated because of an aspect ratio mismatch.",
	})

	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ledger_operations_total",
		Help: "Credit ledger operations by kind and outcome.",
	}, []string{"kind", "outcome"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_provider_calls_total",
		Help: "Upstream provider calls by provider, operation and result code.",
	}, []string{"provider", "op", "code"})

	Nudges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_nudges_total",
		Help: "Client nudges by outcome.",
	}, []string{"outcome"}) // dispatched, throttled, terminal
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
