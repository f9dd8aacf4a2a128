// Package telemetry declares the Prometheus collectors this service
// exposes (spec §2 DOMAIN STACK "Metrics"). Grounded on the teacher's
// internal/telemetry/metrics.go (one package-level var per collector, an
// All() for bulk registration) but re-targeted at the request-plane and
// memory-coordinator signals spec.md actually asks for in place of the
// teacher's alerting-specific counters.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration is the request-plane latency histogram, labeled by
// method, chi route pattern, and status class (spec §5 performance
// targets are measured against this).
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ragcore",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status_class"},
)

// RateLimitDecisionsTotal counts sliding-window rate limiter outcomes
// per tenant decision (spec §4.5).
var RateLimitDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ragcore",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Total number of rate limit checks by outcome.",
	},
	[]string{"outcome"}, // "allowed" | "rejected"; a fail-open check counts as "allowed"
)

// MemoryCoordinatorHealthy is a gauge (1 = HEALTHY, 0 = DEGRADED) for
// the primary memory backend's circuit-breaker state (spec §4.8).
var MemoryCoordinatorHealthy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ragcore",
		Subsystem: "memory",
		Name:      "coordinator_healthy",
		Help:      "1 if the primary memory backend is HEALTHY, 0 if DEGRADED.",
	},
)

// MemoryWriteQueueDepth tracks the fallback write queue's length so an
// operator can see a backlog building during an outage (spec §4.8 drain
// semantics).
var MemoryWriteQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ragcore",
		Subsystem: "memory",
		Name:      "write_queue_depth",
		Help:      "Number of entries pending in the memory write queue.",
	},
)

// MemoryOperationDuration tracks add/search latency by backend source,
// matching spec §4.8's p95 <= 100ms performance target.
var MemoryOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ragcore",
		Subsystem: "memory",
		Name:      "operation_duration_seconds",
		Help:      "Memory coordinator add/search duration in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"operation", "source"}, // operation: add|search; source: primary|fallback
)

// All returns every collector this service registers at startup.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		RateLimitDecisionsTotal,
		MemoryCoordinatorHealthy,
		MemoryWriteQueueDepth,
		MemoryOperationDuration,
	}
}

// NewMetricsRegistry creates a fresh prometheus.Registry and registers
// the given collectors (typically telemetry.All()) plus Go runtime and
// process collectors.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
