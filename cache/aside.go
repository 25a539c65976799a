package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/scope"
)

// Source tells the caller where a loaded value came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceDurable   Source = "durable"
	SourceGenerated Source = "generated"
	SourceNotFound  Source = "not_found"
	SourceError     Source = "error"
)

// LoadResult carries per-call metadata alongside the value.
type LoadResult struct {
	Source  Source
	Latency time.Duration
	// SerializationSkipped is set when the fetched value could not be
	// serialized; the raw value is still returned rather than lost.
	SerializationSkipped bool
}

// FetchFunc reads the durable store. The boolean reports whether a
// value exists; absence is not an error.
type FetchFunc func(ctx context.Context, resourceID string, sc scope.Scope) (any, bool, error)

// GenerateFunc computes a value when neither cache nor durable store
// has one (e.g. calling an embedding provider).
type GenerateFunc func(ctx context.Context, resourceID string, sc scope.Scope) (any, error)

// LoadOptions tune a single Load call.
type LoadOptions struct {
	// TTL overrides the per-data-type default table when positive.
	TTL time.Duration
	// SkipHierarchy restricts the cache probe to the exact key.
	SkipHierarchy bool
	// New allocates the deserialization target, e.g.
	// func() any { return new(Document) }. When nil the codec decodes
	// into a generic value.
	New func() any
}

// Loader is the reusable cache-aside algorithm: check cache, else
// fetch from the durable store, else generate, populate the cache on
// the way out.
type Loader struct {
	cache       *HierarchicalCache
	codecs      *CodecRegistry
	defaultTTLs map[string]time.Duration
	collector   *metrics.Collector
	logger      *zap.Logger
}

// NewLoader builds a Loader. defaultTTLs maps data types to the TTL
// used when a call does not pass one; missing entries fall back to the
// cache-level default.
func NewLoader(c *HierarchicalCache, codecs *CodecRegistry, defaultTTLs map[string]time.Duration, collector *metrics.Collector, logger *zap.Logger) *Loader {
	if codecs == nil {
		codecs = NewCodecRegistry()
	}
	if defaultTTLs == nil {
		defaultTTLs = make(map[string]time.Duration)
	}
	return &Loader{
		cache:       c,
		codecs:      codecs,
		defaultTTLs: defaultTTLs,
		collector:   collector,
		logger:      logger.With(zap.String("component", "cache_aside")),
	}
}

// Load runs the read-through algorithm. Returns (nil, {Source: error})
// for invalid input, (nil, {Source: not_found}) when no layer has the
// value. Deserialization failures count as misses; serialization
// failures return the raw value with SerializationSkipped set.
func (l *Loader) Load(ctx context.Context, dataType, resourceID string, sc scope.Scope, fetch FetchFunc, generate GenerateFunc, opts LoadOptions) (any, LoadResult) {
	start := time.Now()

	if !sc.HasTenant() || resourceID == "" {
		return nil, LoadResult{Source: SourceError, Latency: time.Since(start)}
	}

	codec := l.codecs.Lookup(dataType)

	// 1. Cache probe.
	if data, ok := l.cache.Get(ctx, dataType, resourceID, sc, !opts.SkipHierarchy); ok {
		val, err := l.decode(codec, data, opts)
		if err == nil {
			return val, LoadResult{Source: SourceCache, Latency: time.Since(start)}
		}
		l.recordCodecError(dataType, sc.Tenant, "deserialize")
		l.logger.Warn("cached payload undecodable, treating as miss",
			zap.String("data_type", dataType), zap.String("resource_id", resourceID), zap.Error(err))
	}

	// 2. Durable store.
	if fetch != nil {
		val, found, err := fetch(ctx, resourceID, sc)
		if err != nil {
			l.logger.Warn("durable fetch failed",
				zap.String("data_type", dataType), zap.String("resource_id", resourceID), zap.Error(err))
		} else if found {
			skipped := l.populate(ctx, codec, dataType, resourceID, sc, val, opts)
			return val, LoadResult{Source: SourceDurable, Latency: time.Since(start), SerializationSkipped: skipped}
		}
	}

	// 3. Generation.
	if generate != nil {
		val, err := generate(ctx, resourceID, sc)
		if err != nil {
			l.logger.Warn("generation failed",
				zap.String("data_type", dataType), zap.String("resource_id", resourceID), zap.Error(err))
			return nil, LoadResult{Source: SourceError, Latency: time.Since(start)}
		}
		skipped := l.populate(ctx, codec, dataType, resourceID, sc, val, opts)
		return val, LoadResult{Source: SourceGenerated, Latency: time.Since(start), SerializationSkipped: skipped}
	}

	return nil, LoadResult{Source: SourceNotFound, Latency: time.Since(start)}
}

// populate serializes and writes through the cache, reporting whether
// serialization had to be skipped.
func (l *Loader) populate(ctx context.Context, codec Codec, dataType, resourceID string, sc scope.Scope, val any, opts LoadOptions) bool {
	data, err := codec.Marshal(val)
	if err != nil {
		l.recordCodecError(dataType, sc.Tenant, "serialize")
		l.logger.Warn("serialization failed, returning raw value uncached",
			zap.String("data_type", dataType), zap.String("resource_id", resourceID), zap.Error(err))
		return true
	}
	if err := l.cache.Set(ctx, dataType, resourceID, sc, data, l.ttlFor(dataType, opts)); err != nil {
		// Degraded, not fatal: the caller still gets the value.
		l.logger.Debug("cache populate degraded", zap.String("data_type", dataType), zap.Error(err))
	}
	return false
}

func (l *Loader) decode(codec Codec, data []byte, opts LoadOptions) (any, error) {
	if opts.New != nil {
		v := opts.New()
		if err := codec.Unmarshal(data, v); err != nil {
			return nil, err
		}
		return v, nil
	}
	var v any
	if err := codec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (l *Loader) ttlFor(dataType string, opts LoadOptions) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	if ttl, ok := l.defaultTTLs[dataType]; ok {
		return ttl
	}
	return l.cache.config.DefaultTTL
}

func (l *Loader) recordCodecError(dataType, tenant, kind string) {
	if l.collector != nil {
		l.collector.RecordSerializationError(dataType, tenant, kind)
	}
}
