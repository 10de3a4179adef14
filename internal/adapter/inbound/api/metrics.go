package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the REST surface.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	RateLimited     prometheus.Counter
	LimiterFailures prometheus.Counter
}

// NewMetrics registers the HTTP metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sark",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served, labeled by route, method, and status class.",
		}, []string{"route", "method", "status"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sark",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sark",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limit middleware.",
		}),
		LimiterFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sark",
			Subsystem: "http",
			Name:      "rate_limiter_failures_total",
			Help:      "Limiter backend errors, which fail open.",
		}),
	}
}
