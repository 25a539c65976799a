// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every Prometheus metric family the subsystem emits.
// Cache metrics are labelled per (data_type, tenant) so that hit rates
// and staleness can be attributed to the tenant paying for them.
type Collector struct {
	// Cache metrics
	cacheHits           *prometheus.CounterVec
	cacheMisses         *prometheus.CounterVec
	cacheLatency        *prometheus.HistogramVec
	cacheSize           *prometheus.GaugeVec
	cacheInvalidations  *prometheus.CounterVec
	serializationErrors *prometheus.CounterVec
	cacheDegradedWrites *prometheus.CounterVec

	// Usage accounting metrics
	usageTokens       *prometheus.CounterVec
	usageRecords      *prometheus.CounterVec
	usageQueueDepth   prometheus.Gauge
	durableWriteFails *prometheus.CounterVec
	attributionHits   *prometheus.CounterVec

	// Reconciliation metrics
	reconRuns       *prometheus.CounterVec
	reconProcessed  *prometheus.CounterVec
	reconMismatches *prometheus.CounterVec
	reconReconciled *prometheus.CounterVec
	reconDuration   *prometheus.HistogramVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the metric families on reg (the default
// registerer when nil, a fresh registry in tests).
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Cache metrics
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"data_type", "tenant", "tier"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"data_type", "tenant"},
	)

	c.cacheLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_op_duration_seconds",
			Help:      "Cache operation duration in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
		},
		[]string{"data_type", "tenant", "operation"},
	)

	c.cacheSize = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of entries held per cache tier",
		},
		[]string{"tier"},
	)

	c.cacheInvalidations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Total number of entries removed by invalidation",
		},
		[]string{"data_type", "tenant"},
	)

	c.serializationErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_serialization_errors_total",
			Help:      "Total serialization/deserialization failures",
		},
		[]string{"data_type", "tenant", "kind"}, // kind: serialize, deserialize
	)

	c.cacheDegradedWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_degraded_writes_total",
			Help:      "Writes that proceeded without the remote tier",
		},
		[]string{"data_type", "tenant"},
	)

	// Usage accounting metrics
	c.usageTokens = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_tokens_total",
			Help:      "Total tokens recorded by the usage tracker",
		},
		[]string{"tenant", "token_type", "operation", "model"},
	)

	c.usageRecords = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_total",
			Help:      "Usage records produced, by outcome",
		},
		[]string{"tenant", "outcome"}, // outcome: queued, pending, dropped
	)

	c.usageQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_queue_depth",
			Help:      "Records waiting for durable persistence",
		},
	)

	c.durableWriteFails = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "durable_write_failures_total",
			Help:      "Failed durable-store inserts",
		},
		[]string{"stage"}, // stage: batch, single
	)

	c.attributionHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attribution_lookups_total",
			Help:      "Attribution resolutions by source",
		},
		[]string{"source"}, // source: cache, durable, fallback
	)

	// Reconciliation metrics
	c.reconRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_runs_total",
			Help:      "Reconciliation job runs",
		},
		[]string{"job", "status"},
	)

	c.reconProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_processed_total",
			Help:      "Items examined by reconciliation jobs",
		},
		[]string{"job"},
	)

	c.reconMismatches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches_total",
			Help:      "Fast-vs-durable mismatches detected",
		},
		[]string{"job"},
	)

	c.reconReconciled = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_reconciled_total",
			Help:      "Compensating records written",
		},
		[]string{"job"},
	)

	c.reconDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Reconciliation job duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	// HTTP metrics
	c.httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordCacheHit records a hit on the given tier ("local" or "remote").
func (c *Collector) RecordCacheHit(dataType, tenant, tier string) {
	c.cacheHits.WithLabelValues(dataType, tenant, tier).Inc()
}

// RecordCacheMiss records a full miss across both tiers.
func (c *Collector) RecordCacheMiss(dataType, tenant string) {
	c.cacheMisses.WithLabelValues(dataType, tenant).Inc()
}

// ObserveCacheLatency records how long a cache operation took.
func (c *Collector) ObserveCacheLatency(dataType, tenant, operation string, d time.Duration) {
	c.cacheLatency.WithLabelValues(dataType, tenant, operation).Observe(d.Seconds())
}

// SetCacheSize reports the current entry count of a tier.
func (c *Collector) SetCacheSize(tier string, n int) {
	c.cacheSize.WithLabelValues(tier).Set(float64(n))
}

// RecordInvalidation counts entries removed by an invalidation pass.
func (c *Collector) RecordInvalidation(dataType, tenant string, n int) {
	c.cacheInvalidations.WithLabelValues(dataType, tenant).Add(float64(n))
}

// RecordSerializationError counts a codec failure; kind is "serialize"
// or "deserialize".
func (c *Collector) RecordSerializationError(dataType, tenant, kind string) {
	c.serializationErrors.WithLabelValues(dataType, tenant, kind).Inc()
}

// RecordDegradedWrite counts a write that skipped the remote tier.
func (c *Collector) RecordDegradedWrite(dataType, tenant string) {
	c.cacheDegradedWrites.WithLabelValues(dataType, tenant).Inc()
}

// RecordTokens counts tokens attributed to a tenant.
func (c *Collector) RecordTokens(tenant, tokenType, operation, model string, tokens int64) {
	c.usageTokens.WithLabelValues(tenant, tokenType, operation, model).Add(float64(tokens))
}

// RecordUsageOutcome counts a usage record by its write outcome.
func (c *Collector) RecordUsageOutcome(tenant, outcome string) {
	c.usageRecords.WithLabelValues(tenant, outcome).Inc()
}

// SetQueueDepth reports the persistence queue backlog.
func (c *Collector) SetQueueDepth(n int) {
	c.usageQueueDepth.Set(float64(n))
}

// RecordDurableWriteFailure counts a failed durable insert by stage.
func (c *Collector) RecordDurableWriteFailure(stage string) {
	c.durableWriteFails.WithLabelValues(stage).Inc()
}

// RecordAttribution counts an attribution resolution by source.
func (c *Collector) RecordAttribution(source string) {
	c.attributionHits.WithLabelValues(source).Inc()
}

// RecordHTTPRequest counts a served request and its latency. Path must
// already be normalized to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordReconciliation records a completed job run and its report.
func (c *Collector) RecordReconciliation(job, status string, processed, mismatches, reconciled int, d time.Duration) {
	c.reconRuns.WithLabelValues(job, status).Inc()
	c.reconProcessed.WithLabelValues(job).Add(float64(processed))
	c.reconMismatches.WithLabelValues(job).Add(float64(mismatches))
	c.reconReconciled.WithLabelValues(job).Add(float64(reconciled))
	c.reconDuration.WithLabelValues(job).Observe(d.Seconds())
}
