// Package metrics exposes Prometheus instrumentation for the import
// pipeline: cache effectiveness, throttle behaviour and operation outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	PendingDefers   *prometheus.CounterVec
	Operations      *prometheus.CounterVec
	OperationTime   *prometheus.HistogramVec
	Concurrency     prometheus.Gauge
	RateLimitWaits  prometheus.Counter
	ResolutionFails *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipamctl",
			Name:      "cache_hits_total",
			Help:      "Resolver cache hits by tier and resource type.",
		}, []string{"tier", "type"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipamctl",
			Name:      "cache_misses_total",
			Help:      "Resolver cache misses by tier and resource type.",
		}, []string{"tier", "type"}),
		PendingDefers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipamctl",
			Name:      "pending_defers_total",
			Help:      "Operations deferred onto a resource pending creation in the same batch.",
		}, []string{"type"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipamctl",
			Name:      "operations_total",
			Help:      "Executed operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		OperationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ipamctl",
			Name:      "operation_duration_seconds",
			Help:      "Wall time per remote operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipamctl",
			Name:      "throttle_concurrency",
			Help:      "Current adaptive concurrency limit.",
		}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipamctl",
			Name:      "rate_limit_waits_total",
			Help:      "Retries after a remote rate limit response.",
		}),
		ResolutionFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipamctl",
			Name:      "resolution_failures_total",
			Help:      "Reference resolution failures by resource type.",
		}, []string{"type"}),
	}

	m.Registry.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.PendingDefers,
		m.Operations,
		m.OperationTime,
		m.Concurrency,
		m.RateLimitWaits,
		m.ResolutionFails,
	)
	return m
}
