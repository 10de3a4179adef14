package enforce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments the pipeline records into.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	Duration        prometheus.Histogram
	CacheHits       prometheus.Counter
	LimiterFailures prometheus.Counter
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "decisions_total",
				Help:      "Authorization decisions by source stage and verdict",
			},
			[]string{"source", "verdict"},
		),
		Duration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sark",
				Name:      "decision_duration_seconds",
				Help:      "Authorization decision latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "decision_cache_hits_total",
				Help:      "Decisions served from the decision cache",
			},
		),
		LimiterFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "rate_limiter_failures_total",
				Help:      "Rate limiter backend failures that failed open",
			},
		),
	}
}
