package usage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/scope"
)

const (
	attributionDataType = "attribution"
	// Ownership changes are rare; the mapping stays hot for a day.
	attributionTTL = 24 * time.Hour
)

// AttributionResolver decides which tenant pays for a unit of usage.
// Conversations on shared agents bill the agent's owner, not the
// requester; the resolved mapping is cached per conversation so the
// durable store sees at most one lookup per conversation per TTL.
type AttributionResolver struct {
	cache     *cache.HierarchicalCache
	store     Store
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewAttributionResolver builds a resolver. collector may be nil.
func NewAttributionResolver(c *cache.HierarchicalCache, store Store, collector *metrics.Collector, logger *zap.Logger) *AttributionResolver {
	return &AttributionResolver{
		cache:     c,
		store:     store,
		collector: collector,
		logger:    logger.With(zap.String("component", "attribution")),
	}
}

// ResolveOwner returns the tenant billed for usage on the given agent
// and conversation. Lookup failures fall back to the requester; usage
// recording never blocks on attribution.
func (r *AttributionResolver) ResolveOwner(ctx context.Context, requesterTenant, agentID, conversationID string) string {
	if agentID == "" || requesterTenant == "" {
		return requesterTenant
	}

	sc := scope.Scope{Tenant: requesterTenant}

	if conversationID != "" && r.cache != nil {
		if data, ok := r.cache.Get(ctx, attributionDataType, conversationID, sc, false); ok {
			r.record("cache")
			return string(data)
		}
	}

	owner, err := r.store.AgentOwner(ctx, agentID)
	switch {
	case errors.Is(err, ErrOwnerNotFound):
		owner = requesterTenant
	case err != nil:
		r.record("fallback")
		r.logger.Warn("owner lookup failed, billing requester",
			zap.String("agent_id", agentID), zap.Error(err))
		return requesterTenant
	}
	r.record("durable")

	// Cache even self-owned resolutions so repeated calls skip the
	// durable lookup entirely.
	if conversationID != "" && r.cache != nil {
		if err := r.cache.Set(ctx, attributionDataType, conversationID, sc, []byte(owner), attributionTTL); err != nil {
			r.logger.Debug("attribution mapping not cached", zap.Error(err))
		}
	}
	return owner
}

func (r *AttributionResolver) record(source string) {
	if r.collector != nil {
		r.collector.RecordAttribution(source)
	}
}
