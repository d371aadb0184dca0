package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metrics sink for the daemon.
//
// Tracked:
//   - experiment transitions by kind and resulting status
//   - computed verdicts by kind
//   - scheduler sweep durations
//   - marketplace API call latencies and outcomes
//   - operator notification deliveries
type Metrics struct {
	// ExperimentTransitions counts committed lifecycle transitions.
	// Labels: kind (price|advertising|content), to_status
	ExperimentTransitions *prometheus.CounterVec

	// Verdicts counts computed verdicts.
	// Labels: kind, verdict (SUCCESS|FAILED|NEUTRAL)
	Verdicts *prometheus.CounterVec

	// SweepDuration measures scheduler sweep latency in seconds.
	// Labels: sweep (review|baseline_retry|price_analysis)
	SweepDuration *prometheus.HistogramVec

	// MarketplaceRequestDuration measures marketplace API call latency.
	// Labels: api (seller|performance), operation, status (success|error)
	MarketplaceRequestDuration *prometheus.HistogramVec

	// Notifications counts operator notification deliveries.
	// Labels: channel (telegram|log), status (success|error)
	Notifications *prometheus.CounterVec
}

// NewMetrics registers all metric vectors on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metric vectors on the given registerer. Tests
// pass their own registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ExperimentTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sellerlab_experiment_transitions_total",
				Help: "Committed experiment lifecycle transitions",
			},
			[]string{"kind", "to_status"},
		),
		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sellerlab_experiment_verdicts_total",
				Help: "Computed experiment verdicts",
			},
			[]string{"kind", "verdict"},
		),
		SweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sellerlab_sweep_duration_seconds",
				Help:    "Scheduler sweep duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"sweep"},
		),
		MarketplaceRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sellerlab_marketplace_request_duration_seconds",
				Help:    "Marketplace API request latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"api", "operation", "status"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sellerlab_notifications_total",
				Help: "Operator notification deliveries",
			},
			[]string{"channel", "status"},
		),
	}
}

// ExperimentTransition records a committed lifecycle transition.
func (m *Metrics) ExperimentTransition(kind, toStatus string) {
	m.ExperimentTransitions.WithLabelValues(kind, toStatus).Inc()
}

// VerdictComputed records a computed verdict.
func (m *Metrics) VerdictComputed(kind, verdict string) {
	m.Verdicts.WithLabelValues(kind, verdict).Inc()
}

// ObserveSweep records a sweep duration.
func (m *Metrics) ObserveSweep(sweep string, d time.Duration) {
	m.SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// MarketplaceRequest records a marketplace API call.
func (m *Metrics) MarketplaceRequest(api, operation string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MarketplaceRequestDuration.WithLabelValues(api, operation, status).Observe(d.Seconds())
}

// NotificationSent records an operator notification delivery.
func (m *Metrics) NotificationSent(channel string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Notifications.WithLabelValues(channel, status).Inc()
}
