// Package cache implements the two-tier hierarchical cache: a bounded
// process-local map in front of a shared remote key-value store,
// addressed by keys derived from (data-type, resource-id, scope).
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/scope"
)

// Config tunes the hierarchical cache.
type Config struct {
	// LocalCapacity bounds the local tier entry count.
	LocalCapacity int `yaml:"local_capacity" json:"local_capacity"`
	// LocalEvictFraction is the share of entries evicted in one pass
	// when the local tier overflows.
	LocalEvictFraction float64 `yaml:"local_evict_fraction" json:"local_evict_fraction"`
	// LocalTTLCap bounds local-tier staleness: local TTL is
	// min(requested, cap) so the tiers cannot disagree for long.
	LocalTTLCap time.Duration `yaml:"local_ttl_cap" json:"local_ttl_cap"`
	// DefaultTTL applies when the aside loader has no per-data-type
	// entry, and bounds local backfill lifetime on remote hits.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LocalCapacity:      10000,
		LocalEvictFraction: 0.2,
		LocalTTLCap:        5 * time.Minute,
		DefaultTTL:         time.Hour,
	}
}

// NoExpiry stores an entry permanently, until evicted by capacity
// pressure. A zero ttl is equivalent.
const NoExpiry = time.Duration(0)

// HierarchicalCache is the two-tier store. The local tier is
// process-private mutable state; the remote tier is the only
// cross-process shared state, reached exclusively through atomic
// single-key operations.
type HierarchicalCache struct {
	local     *localTier
	remote    *RemoteTier
	config    Config
	collector *metrics.Collector
	logger    *zap.Logger
}

// New builds a cache over an already-connected remote tier. collector
// may be nil, which disables metrics.
func New(remote *RemoteTier, config Config, collector *metrics.Collector, logger *zap.Logger) *HierarchicalCache {
	if config.LocalCapacity <= 0 {
		config = DefaultConfig()
	}
	return &HierarchicalCache{
		local:     newLocalTier(config.LocalCapacity, config.LocalEvictFraction, time.Now),
		remote:    remote,
		config:    config,
		collector: collector,
		logger:    logger.With(zap.String("component", "hierarchical_cache")),
	}
}

// NewWithClock injects a clock for the local tier; tests use it to
// simulate expiry without sleeping.
func NewWithClock(remote *RemoteTier, config Config, collector *metrics.Collector, logger *zap.Logger, clock func() time.Time) *HierarchicalCache {
	c := New(remote, config, collector, logger)
	c.local = newLocalTier(config.LocalCapacity, config.LocalEvictFraction, clock)
	return c
}

// Get searches for a value. With searchHierarchy it probes the key
// hierarchy most-specific-first, checking the local tier before the
// remote tier at each level; a remote hit backfills the local tier
// under the most-specific key. The boolean result distinguishes a miss
// from a present-but-empty value. Remote failures degrade to a miss.
func (c *HierarchicalCache) Get(ctx context.Context, dataType, resourceID string, sc scope.Scope, searchHierarchy bool) ([]byte, bool) {
	start := time.Now()
	defer c.observe(dataType, sc.Tenant, "get", start)

	keys := []string{Key(dataType, resourceID, sc)}
	if searchHierarchy {
		keys = KeyHierarchy(dataType, resourceID, sc)
	}
	mostSpecific := keys[0]

	for _, key := range keys {
		if val, ok := c.local.get(key); ok {
			c.recordHit(dataType, sc.Tenant, "local")
			return val, true
		}
		if c.remote == nil {
			continue
		}
		val, err := c.remote.Get(ctx, key)
		if err == nil {
			// Backfill under the most-specific key so the next call in
			// this process short-circuits at the local tier.
			c.local.set(mostSpecific, val, c.localTTL(c.config.DefaultTTL))
			c.recordHit(dataType, sc.Tenant, "remote")
			return val, true
		}
		if !IsCacheMiss(err) {
			c.logger.Warn("remote get degraded to miss",
				zap.String("key", key), zap.Error(err))
			break
		}
	}

	c.recordMiss(dataType, sc.Tenant)
	return nil, false
}

// Set writes the most-specific key to both tiers. A zero ttl stores
// without expiry; per-data-type defaults come from the aside loader. A
// remote failure is returned but the local write stands, so the caller
// proceeds with degraded caching rather than none.
func (c *HierarchicalCache) Set(ctx context.Context, dataType, resourceID string, sc scope.Scope, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer c.observe(dataType, sc.Tenant, "set", start)

	remoteTTL := c.effectiveTTL(ttl)
	key := Key(dataType, resourceID, sc)
	c.local.set(key, value, c.localTTL(remoteTTL))
	c.publishSize()

	if c.remote == nil {
		return nil
	}
	if err := c.remote.Set(ctx, key, value, remoteTTL); err != nil {
		c.recordDegraded(dataType, sc.Tenant)
		c.logger.Warn("remote set failed, local tier only",
			zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes the most-specific key from both tiers.
func (c *HierarchicalCache) Delete(ctx context.Context, dataType, resourceID string, sc scope.Scope) error {
	key := Key(dataType, resourceID, sc)
	c.local.delete(key)
	if c.remote == nil {
		return nil
	}
	return c.remote.Delete(ctx, key)
}

// Invalidate removes every entry under the scope filter, optionally
// narrowed by data type. It deletes by prefix scan in the remote tier
// and by prefix match in the local tier, returning the number of
// remote keys removed.
func (c *HierarchicalCache) Invalidate(ctx context.Context, sc scope.Scope, dataType string) (int, error) {
	start := time.Now()
	defer c.observe(dataType, sc.Tenant, "invalidate", start)

	prefix := InvalidationPrefix(sc, dataType)
	removedLocal := c.local.deletePrefix(prefix)
	c.publishSize()

	if c.remote == nil {
		c.recordInvalidation(dataType, sc.Tenant, removedLocal)
		return 0, nil
	}

	keys, err := c.remote.ScanKeys(ctx, prefix+"*")
	if err != nil {
		return 0, err
	}
	if err := c.remote.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	c.recordInvalidation(dataType, sc.Tenant, removedLocal+len(keys))
	return len(keys), nil
}

// IncrementCounter atomically bumps a remote counter and returns the
// new value. The window TTL is applied only on the first increment of
// the window (returned value == amount).
func (c *HierarchicalCache) IncrementCounter(ctx context.Context, counterType, resourceID string, sc scope.Scope, amount int64, ttl time.Duration) (int64, error) {
	if c.remote == nil {
		return 0, ErrCacheMiss
	}
	return c.remote.IncrBy(ctx, CounterKey(counterType, resourceID, sc), amount, ttl)
}

// GetCounter reads a counter; absent counters read as zero.
func (c *HierarchicalCache) GetCounter(ctx context.Context, counterType, resourceID string, sc scope.Scope) (int64, error) {
	if c.remote == nil {
		return 0, ErrCacheMiss
	}
	return c.remote.GetInt64(ctx, CounterKey(counterType, resourceID, sc))
}

// TTL reports the remote-tier lifetime of the most-specific key.
func (c *HierarchicalCache) TTL(ctx context.Context, dataType, resourceID string, sc scope.Scope) (time.Duration, error) {
	if c.remote == nil {
		return 0, ErrCacheMiss
	}
	return c.remote.TTL(ctx, Key(dataType, resourceID, sc))
}

// Remote exposes the remote tier for collaborators that need raw
// single-key operations (reconciliation scans, job locks).
func (c *HierarchicalCache) Remote() *RemoteTier {
	return c.remote
}

// LocalSize reports the local tier entry count.
func (c *HierarchicalCache) LocalSize() int {
	return c.local.size()
}

func (c *HierarchicalCache) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// localTTL caps the local-tier lifetime so tier disagreement after a
// remote invalidation from another process is bounded.
func (c *HierarchicalCache) localTTL(remoteTTL time.Duration) time.Duration {
	ttlCap := c.config.LocalTTLCap
	if ttlCap <= 0 {
		ttlCap = 5 * time.Minute
	}
	if remoteTTL <= 0 || remoteTTL > ttlCap {
		return ttlCap
	}
	return remoteTTL
}

func (c *HierarchicalCache) recordHit(dataType, tenant, tier string) {
	if c.collector != nil {
		c.collector.RecordCacheHit(dataType, tenant, tier)
	}
}

func (c *HierarchicalCache) recordMiss(dataType, tenant string) {
	if c.collector != nil {
		c.collector.RecordCacheMiss(dataType, tenant)
	}
}

func (c *HierarchicalCache) recordDegraded(dataType, tenant string) {
	if c.collector != nil {
		c.collector.RecordDegradedWrite(dataType, tenant)
	}
}

func (c *HierarchicalCache) recordInvalidation(dataType, tenant string, n int) {
	if c.collector != nil {
		c.collector.RecordInvalidation(dataType, tenant, n)
	}
}

func (c *HierarchicalCache) observe(dataType, tenant, op string, start time.Time) {
	if c.collector != nil {
		c.collector.ObserveCacheLatency(dataType, tenant, op, time.Since(start))
	}
}

func (c *HierarchicalCache) publishSize() {
	if c.collector != nil {
		c.collector.SetCacheSize("local", c.local.size())
	}
}
