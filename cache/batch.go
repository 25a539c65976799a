package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/scope"
)

// BatchGenerateFunc computes values for the resource ids the cache did
// not have, in one call (e.g. one embedding request for all missing
// texts). It returns whatever subset it managed to produce; missing
// ids are simply absent from the map.
type BatchGenerateFunc func(ctx context.Context, missing []string, sc scope.Scope) (map[string]any, error)

// BatchResult summarizes a LoadBatch call.
type BatchResult struct {
	Hits      int
	Generated int
	// Failed lists ids that neither the cache nor the generator could
	// produce; their slots in the result slice are nil.
	Failed  []string
	Latency time.Duration
}

// LoadBatch is the vectorized read-through path. It partitions
// resourceIDs into cache hits and misses, calls the generator once for
// the miss subset, populates the cache with generated values, and
// reassembles results in the original input order. A partial generator
// failure returns the subset that succeeded; cache hits already
// obtained are never discarded.
func (l *Loader) LoadBatch(ctx context.Context, dataType string, resourceIDs []string, sc scope.Scope, generate BatchGenerateFunc, opts LoadOptions) ([]any, BatchResult) {
	start := time.Now()
	res := BatchResult{}

	if !sc.HasTenant() || len(resourceIDs) == 0 {
		res.Latency = time.Since(start)
		return make([]any, len(resourceIDs)), res
	}

	codec := l.codecs.Lookup(dataType)
	values := make(map[string]any, len(resourceIDs))
	seen := make(map[string]bool, len(resourceIDs))
	var missing []string

	for _, id := range resourceIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		data, ok := l.cache.Get(ctx, dataType, id, sc, !opts.SkipHierarchy)
		if !ok {
			missing = append(missing, id)
			continue
		}
		val, err := l.decode(codec, data, opts)
		if err != nil {
			l.recordCodecError(dataType, sc.Tenant, "deserialize")
			missing = append(missing, id)
			continue
		}
		values[id] = val
		res.Hits++
	}

	if len(missing) > 0 && generate != nil {
		generated, err := generate(ctx, missing, sc)
		if err != nil {
			l.logger.Warn("batch generation failed, keeping cache hits",
				zap.String("data_type", dataType),
				zap.Int("missing", len(missing)), zap.Error(err))
		}
		for id, val := range generated {
			values[id] = val
			res.Generated++
			l.populate(ctx, codec, dataType, id, sc, val, opts)
		}
	}

	out := make([]any, len(resourceIDs))
	for i, id := range resourceIDs {
		val, ok := values[id]
		if !ok {
			res.Failed = append(res.Failed, id)
			continue
		}
		out[i] = val
	}
	res.Latency = time.Since(start)
	return out, res
}
