package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	apiRequestsTotal    *prometheus.CounterVec
	apiLatencySeconds   *prometheus.HistogramVec
	apiErrorsTotal      *prometheus.CounterVec
	jobsEnqueuedTotal   *prometheus.CounterVec
	jobsClaimedTotal    prometheus.Counter
	jobsFailedTotal     *prometheus.CounterVec
	jobsRecoveredTotal  prometheus.Counter
	jobsPrunedTotal     prometheus.Counter
	webhookResultsTotal *prometheus.CounterVec
	realtimePublished   *prometheus.CounterVec
	streamClientsActive prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the marking pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gema_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		jobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_marking_jobs_enqueued_total",
			Help: "Marking enqueue attempts by outcome (created or duplicate).",
		}, []string{"outcome"})

		jobsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gema_marking_jobs_claimed_total",
			Help: "Marking jobs claimed by a dispatcher.",
		})

		jobsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_marking_jobs_failures_total",
			Help: "Marking dispatch failures by resulting job status.",
		}, []string{"status"})

		jobsRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gema_marking_jobs_recovered_total",
			Help: "Processing jobs returned to pending by the stuck-job sweep.",
		})

		jobsPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gema_marking_jobs_pruned_total",
			Help: "Completed jobs deleted by the hygiene sweep.",
		})

		webhookResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_marking_webhook_results_total",
			Help: "Webhook result entries by reconciliation outcome.",
		}, []string{"outcome"})

		realtimePublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gema_marking_realtime_events_total",
			Help: "Marking result events fanned out by origin (local or remote).",
		}, []string{"origin"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gema_marking_stream_clients_active",
			Help: "Connected SSE and websocket result stream clients.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			jobsEnqueuedTotal,
			jobsClaimedTotal,
			jobsFailedTotal,
			jobsRecoveredTotal,
			jobsPrunedTotal,
			webhookResultsTotal,
			realtimePublished,
			streamClientsActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

func MarkingJobsEnqueued() *prometheus.CounterVec {
	RegisterMetrics()
	return jobsEnqueuedTotal
}

func MarkingJobsClaimed() prometheus.Counter {
	RegisterMetrics()
	return jobsClaimedTotal
}

func MarkingJobsFailed() *prometheus.CounterVec {
	RegisterMetrics()
	return jobsFailedTotal
}

func MarkingJobsRecovered() prometheus.Counter {
	RegisterMetrics()
	return jobsRecoveredTotal
}

func MarkingJobsPruned() prometheus.Counter {
	RegisterMetrics()
	return jobsPrunedTotal
}

// MarkingWebhookResults counts per-entry webhook outcomes: updated, created, skipped or error.
func MarkingWebhookResults() *prometheus.CounterVec {
	RegisterMetrics()
	return webhookResultsTotal
}

func MarkingRealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimePublished
}

// StreamClientsActive tracks connected live result viewers.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
