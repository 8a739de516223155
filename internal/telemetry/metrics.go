package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_tasks_submitted_total", Help: "Tasks admitted with a credit hold placed"})
	SubmitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_submit_rejects_total", Help: "Submissions rejected at validation or admission"})
	InsufficientCred  = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_insufficient_rejects_total", Help: "Submissions rejected for insufficient credit"})
	HoldsSettled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_holds_settled_total", Help: "Holds captured after task completion"})
	HoldsReleased     = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_holds_released_total", Help: "Holds refunded after task failure or cancellation"})
	Anomalies         = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_transition_anomalies_total", Help: "Conflicting or invalid terminal transitions observed"})
	SweeperReclaims   = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_sweeper_reclaims_total", Help: "Stale tasks force-failed by the sweeper"})
	BackendRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_backend_retries_total", Help: "Transient backend errors retried by the dispatcher"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "credit_rate_limit_rejects_total", Help: "Submissions rejected by the per-account rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "credit_queue_depth", Help: "Tasks waiting in the dispatch queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "credit_tasks_inflight", Help: "Tasks currently executing against the backend"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			SubmitRejects,
			InsufficientCred,
			HoldsSettled,
			HoldsReleased,
			Anomalies,
			SweeperReclaims,
			BackendRetries,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
