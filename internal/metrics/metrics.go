// Package metrics exposes prometheus collectors for the routing engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the router.
type Metrics struct {
	reservations    *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	providerLatency *prometheus.HistogramVec
	thresholdAlerts *prometheus.CounterVec
	usageRecords    *prometheus.CounterVec
	sweepReleased   prometheus.Counter
	sweepErrors     prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_router_reservations_total",
				Help: "Budget reservation attempts by result",
			},
			[]string{"result"},
		),

		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_router_provider_attempts_total",
				Help: "Provider call attempts by candidate and result",
			},
			[]string{"provider", "model", "result"},
		),

		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_router_outcomes_total",
				Help: "Terminal request outcomes by status",
			},
			[]string{"status"},
		),

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_router_request_duration_seconds",
				Help:    "End-to-end routing duration by status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		providerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_router_provider_latency_seconds",
				Help:    "Successful provider call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "model"},
		),

		thresholdAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_router_threshold_alerts_total",
				Help: "Budget threshold crossings emitted",
			},
			[]string{"period"},
		),

		usageRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_router_usage_records_total",
				Help: "Usage record appends by result",
			},
			[]string{"result"},
		),

		sweepReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "llm_router_sweep_released_total",
				Help: "Expired reservations released by the sweeper",
			},
		),

		sweepErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "llm_router_sweep_errors_total",
				Help: "Failed sweeper runs",
			},
		),
	}
}

// RecordReservation counts a reservation result (granted, rejected, error).
func (m *Metrics) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// RecordAttempt counts a provider attempt result.
func (m *Metrics) RecordAttempt(provider, model, result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, model, result).Inc()
	if result == "success" {
		m.providerLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
	}
}

// RecordOutcome counts a terminal outcome and its duration.
func (m *Metrics) RecordOutcome(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
	m.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordThresholdAlert counts an emitted threshold event.
func (m *Metrics) RecordThresholdAlert(period string) {
	if m == nil {
		return
	}
	m.thresholdAlerts.WithLabelValues(period).Inc()
}

// RecordUsageAppend counts a usage record append result (appended, duplicate, error).
func (m *Metrics) RecordUsageAppend(result string) {
	if m == nil {
		return
	}
	m.usageRecords.WithLabelValues(result).Inc()
}

// ObserveSweep implements ledger.SweepObserver.
func (m *Metrics) ObserveSweep(released int, err error) {
	if m == nil {
		return
	}
	m.sweepReleased.Add(float64(released))
	if err != nil {
		m.sweepErrors.Inc()
	}
}
