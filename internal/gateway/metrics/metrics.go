// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the gateway.
type Metrics struct {
	requests        *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	keysAvailable   *prometheus.GaugeVec
}

// New creates a Metrics instance with collectors registered on reg, or on
// the default registry when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxied requests by wire format and outcome",
			},
			[]string{"format", "outcome"},
		),

		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_attempts_total",
				Help: "Total number of upstream attempts by result classification",
			},
			[]string{"result"},
		),

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Total request duration including retries and backoff",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format"},
		),

		keysAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_keys_available",
				Help: "Active upstream keys observed for the provider",
			},
			[]string{"provider"},
		),
	}
}

// ObserveRequest records a completed request.
func (m *Metrics) ObserveRequest(format, outcome string, seconds float64) {
	m.requests.WithLabelValues(format, outcome).Inc()
	m.requestDuration.WithLabelValues(format).Observe(seconds)
}

// ObserveAttempt records one upstream attempt's classification ("success"
// or an error kind).
func (m *Metrics) ObserveAttempt(result string) {
	m.attempts.WithLabelValues(result).Inc()
}

// SetKeysAvailable records the size of the active key pool.
func (m *Metrics) SetKeysAvailable(provider string, n int) {
	m.keysAvailable.WithLabelValues(provider).Set(float64(n))
}
