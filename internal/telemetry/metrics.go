package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	GenerationsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_generations_started_total", Help: "Generations accepted past the safety filter"}, []string{"mode"})
	GenerationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_generation_outcomes_total", Help: "Generations by terminal outcome"}, []string{"mode", "outcome"})
	SafetyRejects      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_safety_rejects_total", Help: "Prompts rejected by the safety filter"}, []string{"category"})
	JobTransitions     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_job_transitions_total", Help: "Job tracker state transitions"}, []string{"status"})
	PollTicks          = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_poll_ticks_total", Help: "History reads issued by the poll loop"})
	JobDuration        = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "gateway_job_duration_seconds", Help: "Submit to terminal state", Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300}})
	CallbackFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_callback_failures_total", Help: "Callback deliveries that failed"})
	CallbacksDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_callbacks_delivered_total", Help: "Callback deliveries acknowledged with 2xx"})
	AsyncInFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "gateway_async_inflight", Help: "Detached async generations currently running"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_rate_limit_rejects_total", Help: "Async requests rejected by the optional limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			GenerationsStarted,
			GenerationOutcomes,
			SafetyRejects,
			JobTransitions,
			PollTicks,
			JobDuration,
			CallbackFailures,
			CallbacksDelivered,
			AsyncInFlight,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
