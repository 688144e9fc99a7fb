// Package metrics holds the process-wide Prometheus collectors. Counters
// here are per-replica; cluster-wide totals live in the durable log's
// shared counter hash, which the dashboard reads directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessedTotal counts firehose events applied by this
	// replica's worker pool, labeled by event kind.
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftnet_events_processed_total",
		Help: "Firehose events processed, by event kind.",
	}, []string{"kind"})

	// EventErrorsTotal counts events whose processing failed.
	EventErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftnet_event_errors_total",
		Help: "Firehose events whose processing returned an error.",
	})

	// IdentityCacheHitsTotal / IdentityCacheMissesTotal track the
	// in-process identity LRU.
	IdentityCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftnet_identity_cache_hits_total",
		Help: "Identity resolutions served from the in-process cache.",
	})
	IdentityCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftnet_identity_cache_misses_total",
		Help: "Identity resolutions that fell through the in-process cache.",
	})

	// BreakerState reports the PLC circuit breaker: 0 closed, 1 half-open,
	// 2 open.
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftnet_plc_breaker_state",
		Help: "PLC directory circuit breaker state (0=closed, 1=half-open, 2=open).",
	})

	// RepairQueueDepth is registered from main against the repair worker's
	// live PendingCount.
	repairQueueDepth prometheus.GaugeFunc

	// ProxyRequestDuration observes upstream latency of proxied XRPC
	// calls, labeled by outcome class.
	ProxyRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "driftnet_proxy_request_duration_seconds",
		Help:    "Latency of proxied XRPC calls to PDSes and feed generators.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)

// RecordEvent counts one successfully processed event of the given kind.
func RecordEvent(kind string) {
	EventsProcessedTotal.WithLabelValues(kind).Inc()
}

// RecordEventError counts one failed event.
func RecordEventError() {
	EventErrorsTotal.Inc()
}

// RecordIdentityCacheHit counts an L1 identity cache hit.
func RecordIdentityCacheHit() {
	IdentityCacheHitsTotal.Inc()
}

// RecordIdentityCacheMiss counts an L1 identity cache miss.
func RecordIdentityCacheMiss() {
	IdentityCacheMissesTotal.Inc()
}

// SetBreakerState publishes a circuit breaker state transition.
func SetBreakerState(state float64) {
	BreakerState.Set(state)
}

// RecordProxyRequest observes one proxied upstream call.
func RecordProxyRequest(outcome string, d time.Duration) {
	ProxyRequestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RegisterRepairQueueDepth exposes the repair worker's pending-entry count
// as a gauge. Called once from main after the worker is constructed.
func RegisterRepairQueueDepth(depth func() int) {
	repairQueueDepth = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "driftnet_repair_queue_depth",
		Help: "Incomplete entries awaiting repair on this replica.",
	}, func() float64 { return float64(depth()) })
}
