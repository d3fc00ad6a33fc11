package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics holds the Prometheus instruments exported at /metrics.
type PromMetrics struct {
	Invocations *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	CacheHits   *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec
	BreakerOpen *prometheus.GaugeVec
	RateDenied  *prometheus.CounterVec
	LoadFactor  prometheus.Gauge
}

// NewPromMetrics creates and registers all gateway instruments on the
// default registry.
func NewPromMetrics() *PromMetrics {
	return newPromMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewPromMetricsWith registers on a caller-supplied registry (tests).
func NewPromMetricsWith(reg prometheus.Registerer) *PromMetrics {
	return newPromMetrics(promauto.With(reg))
}

func newPromMetrics(factory promauto.Factory) *PromMetrics {
	return &PromMetrics{
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_invocations_total",
				Help: "Total capability invocations by outcome",
			},
			[]string{"capability", "status"}, // status: success, failure
		),

		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_invocation_latency_ms",
				Help:    "Capability execution latency in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 60000},
			},
			[]string{"capability"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_hits_total",
				Help: "Invocations served from the response cache",
			},
			[]string{"capability"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Queued entries per priority level",
			},
			[]string{"priority"},
		),

		BreakerOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_open",
				Help: "1 when the capability's circuit breaker is open",
			},
			[]string{"capability"},
		),

		RateDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests denied by the rate limiter",
			},
			[]string{"scope"}, // scope: global, identity
		),

		LoadFactor: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_load_factor",
				Help: "Adaptive rate-limit load factor (1.0, 0.75 or 0.5)",
			},
		),
	}
}

// ObserveInvocation records one invocation outcome.
func (p *PromMetrics) ObserveInvocation(capability string, success bool, latencyMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	p.Invocations.WithLabelValues(capability, status).Inc()
	p.Latency.WithLabelValues(capability).Observe(latencyMs)
}
