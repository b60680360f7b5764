package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tradeMetricsOnce sync.Once
	tradeRegistry    *TradeMetrics
)

// TradeMetrics captures counters and latencies for the quote and execution
// flows.
type TradeMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// Trade returns the lazily-initialised singleton registry for trade engine
// operations.
func Trade() *TradeMetrics {
	tradeMetricsOnce.Do(func() {
		tradeRegistry = &TradeMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvemint",
				Subsystem: "trade",
				Name:      "requests_total",
				Help:      "Count of trade engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "curvemint",
				Subsystem: "trade",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for trade engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "curvemint",
				Subsystem: "trade",
				Name:      "errors_total",
				Help:      "Count of trade engine failures segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			tradeRegistry.requests,
			tradeRegistry.latency,
			tradeRegistry.errors,
		)
	})
	return tradeRegistry
}

// Observe records one engine operation and its outcome.
func (m *TradeMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(operation).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}
