package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, zap.NewNop()), reg
}

func TestCollector_CacheHitsAndMisses(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCacheHit("config", "tenant-a", "local")
	c.RecordCacheHit("config", "tenant-a", "local")
	c.RecordCacheHit("config", "tenant-a", "remote")
	c.RecordCacheMiss("config", "tenant-a")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.cacheHits.WithLabelValues("config", "tenant-a", "local")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheHits.WithLabelValues("config", "tenant-a", "remote")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheMisses.WithLabelValues("config", "tenant-a")))
}

func TestCollector_CacheSizeAndInvalidations(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetCacheSize("local", 42)
	c.RecordInvalidation("embedding", "tenant-b", 7)

	assert.Equal(t, float64(42), testutil.ToFloat64(c.cacheSize.WithLabelValues("local")))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.cacheInvalidations.WithLabelValues("embedding", "tenant-b")))
}

func TestCollector_UsageMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordTokens("tenant-a", "llm", "chat", "gpt-4o", 150)
	c.RecordTokens("tenant-a", "llm", "chat", "gpt-4o", 50)
	c.RecordUsageOutcome("tenant-a", "queued")
	c.SetQueueDepth(3)
	c.RecordDurableWriteFailure("batch")
	c.RecordAttribution("cache")

	assert.Equal(t, float64(200), testutil.ToFloat64(c.usageTokens.WithLabelValues("tenant-a", "llm", "chat", "gpt-4o")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.usageRecords.WithLabelValues("tenant-a", "queued")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.usageQueueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.durableWriteFails.WithLabelValues("batch")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.attributionHits.WithLabelValues("cache")))
}

func TestCollector_ReconciliationMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordReconciliation("monthly_audit", "success", 120, 4, 4, 2*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.reconRuns.WithLabelValues("monthly_audit", "success")))
	assert.Equal(t, float64(120), testutil.ToFloat64(c.reconProcessed.WithLabelValues("monthly_audit")))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.reconMismatches.WithLabelValues("monthly_audit")))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.reconReconciled.WithLabelValues("monthly_audit")))
}

func TestCollector_HTTPMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("POST", "/api/v1/usage/records", 200, 15*time.Millisecond)
	c.RecordHTTPRequest("POST", "/api/v1/usage/records", 200, 5*time.Millisecond)
	c.RecordHTTPRequest("POST", "/api/v1/usage/records", 429, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/usage/records", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/usage/records", "429")))
}

func TestCollector_MetricNamesCarryNamespace(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordCacheHit("config", "tenant-a", "local")
	c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "test_cache_hits_total")
	assert.Contains(t, joined, "test_http_requests_total")
	assert.Contains(t, joined, "test_http_request_duration_seconds")
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordCacheHit("config", "tenant-a", "local")
				c.RecordTokens("tenant-a", "llm", "chat", "m", 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(1000), testutil.ToFloat64(c.cacheHits.WithLabelValues("config", "tenant-a", "local")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(c.usageTokens.WithLabelValues("tenant-a", "llm", "chat", "m")))
}
