// Package healthsrv implements the HTTP health surface and Prometheus
// metrics exposition for the orchestrator process.
package healthsrv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors: per-stage
// latency histograms, decision counts by kind, circuit state, and
// rate-limiter saturation.
type Metrics struct {
	StageLatency      *prometheus.HistogramVec
	DecisionsTotal    *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	RateLimiterWaitMs prometheus.Histogram
	RateLimiterDenied prometheus.Counter
	WriteBufferLoss   prometheus.Gauge
}

// NewMetrics registers and returns the metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		StageLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fraud_orchestrator_stage_latency_seconds",
				Help:    "Latency of each pipeline stage in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"stage"},
		),
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraud_orchestrator_decisions_total",
				Help: "Total decisions emitted, by kind.",
			},
			[]string{"decision"},
		),
		CircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fraud_orchestrator_circuit_state",
				Help: "Circuit breaker state per collaborator (0=closed, 1=half_open, 2=open).",
			},
			[]string{"collaborator"},
		),
		RateLimiterWaitMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_orchestrator_rate_limiter_wait_ms",
			Help:    "Milliseconds spent waiting on the LLM rate limiter.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		RateLimiterDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fraud_orchestrator_rate_limiter_denied_total",
			Help: "Total calls that exceeded the rate limiter's max wait.",
		}),
		WriteBufferLoss: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_orchestrator_memory_write_buffer_loss_total",
			Help: "Total memory-store writes dropped due to a full retry buffer.",
		}),
	}
}

// ObserveStage records one stage's elapsed duration.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.StageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// CountDecision increments the emitted-decision counter for a kind.
func (m *Metrics) CountDecision(decision string) {
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveRateLimiterWait records time spent waiting for an LLM token;
// denied marks waits that exceeded the limiter's budget.
func (m *Metrics) ObserveRateLimiterWait(elapsed time.Duration, denied bool) {
	m.RateLimiterWaitMs.Observe(float64(elapsed.Milliseconds()))
	if denied {
		m.RateLimiterDenied.Inc()
	}
}

// circuitStateValue maps a gobreaker state name to the gauge's numeric
// encoding.
func circuitStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
