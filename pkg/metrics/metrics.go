// Package metrics exposes Prometheus instrumentation for model adapters.
//
// A nil *Collector is valid and records nothing, so adapters can call it
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qwen"

// Operation labels.
const (
	OpChat  = "chat"
	OpEmbed = "embed"
)

// Collector groups the adapter metrics.
type Collector struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	truncations prometheus.Counter
}

// New creates a Collector and registers it with reg. A nil reg leaves the
// metrics unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP exchanges with the model API by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP exchanges with the model API.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"op"}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncation_retries_total",
			Help:      "Chat retries caused by length-truncated replies.",
		}),
	}

	if reg != nil {
		reg.MustRegister(c.requests, c.latency, c.truncations)
	}

	return c
}

// ObserveRequest records one exchange.
func (c *Collector) ObserveRequest(op, outcome string, d time.Duration) {
	if c == nil {
		return
	}

	c.requests.WithLabelValues(op, outcome).Inc()
	c.latency.WithLabelValues(op).Observe(d.Seconds())
}

// IncTruncation records one dropped turn.
func (c *Collector) IncTruncation() {
	if c == nil {
		return
	}

	c.truncations.Inc()
}
