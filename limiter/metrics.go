package limiter

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision outcomes reported to Metrics and logs.
const (
	OutcomeAllowed  = "allowed"
	OutcomeBlocked  = "blocked"
	OutcomeFailOpen = "fail_open"
)

// Metrics records one observation per evaluated decision.
type Metrics interface {
	ObserveDecision(rule string, scope Scope, outcome string, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(string, Scope, string, time.Duration) {}

// PrometheusMetrics exports decision counters and latencies to Prometheus.
type PrometheusMetrics struct {
	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "throttle",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by rule, scope and outcome.",
		}, []string{"rule", "scope", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "throttle",
			Name:      "decision_duration_seconds",
			Help:      "Time spent in the rate limit algorithm, storage round trip included.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"rule"}),
	}
	for _, c := range []prometheus.Collector{m.decisions, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register rate limit metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveDecision implements Metrics.
func (m *PrometheusMetrics) ObserveDecision(rule string, scope Scope, outcome string, elapsed time.Duration) {
	m.decisions.WithLabelValues(rule, string(scope), outcome).Inc()
	m.latency.WithLabelValues(rule).Observe(elapsed.Seconds())
}
