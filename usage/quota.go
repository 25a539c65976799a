package usage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/scope"
	"github.com/BaSui01/tenantflow/types"
)

// QuotaChecker enforces per-tenant tier limits against the fast
// counters. Limits are approximate by design: counters may lag or
// reset, and the durable ledger is the billing source of truth. A
// missing or errored tier lookup fails open.
type QuotaChecker struct {
	cache  *cache.HierarchicalCache
	store  Store
	logger *zap.Logger
	clock  func() time.Time
}

// NewQuotaChecker builds a checker over the fast counters and the tier
// table.
func NewQuotaChecker(c *cache.HierarchicalCache, store Store, logger *zap.Logger) *QuotaChecker {
	return &QuotaChecker{
		cache:  c,
		store:  store,
		logger: logger.With(zap.String("component", "quota")),
		clock:  time.Now,
	}
}

// WithClock injects a clock for window math in tests.
func (q *QuotaChecker) WithClock(clock func() time.Time) *QuotaChecker {
	q.clock = clock
	return q
}

// CheckTokens rejects a request that would push the tenant past its
// daily token limit. The returned error carries the window reset time
// so callers can surface a retry-after hint.
func (q *QuotaChecker) CheckTokens(ctx context.Context, tenant, tokenType string, requested int64) error {
	tier, err := q.store.TenantTier(ctx, tenant)
	if err != nil {
		q.logger.Warn("tier lookup failed, quota check skipped",
			zap.String("tenant", tenant), zap.Error(err))
		return nil
	}
	if tier.DailyTokenLimit <= 0 {
		return nil
	}

	now := q.clock()
	used, err := q.cache.GetCounter(ctx, tokenType, dayBucket(now), scope.Scope{Tenant: tenant})
	if err != nil {
		q.logger.Warn("counter read failed, quota check skipped",
			zap.String("tenant", tenant), zap.Error(err))
		return nil
	}

	if used+requested > tier.DailyTokenLimit {
		reset := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		return types.NewError(types.ErrRateLimited, "daily token quota exceeded").
			WithHTTPStatus(429).
			WithRetryable(true).
			WithMetadata("tenant", tenant).
			WithMetadata("limit", tier.DailyTokenLimit).
			WithMetadata("used", used).
			WithMetadata("reset_at", reset.Format(time.RFC3339))
	}
	return nil
}

// AllowRequest counts one request against the tenant's per-minute rate
// and rejects it once the tier's limit is exceeded. The increment and
// the check are one atomic counter operation, so concurrent callers
// cannot slip past the limit together.
func (q *QuotaChecker) AllowRequest(ctx context.Context, tenant string) error {
	tier, err := q.store.TenantTier(ctx, tenant)
	if err != nil {
		q.logger.Warn("tier lookup failed, rate check skipped",
			zap.String("tenant", tenant), zap.Error(err))
		return nil
	}
	if tier.RequestsPerMinute <= 0 {
		return nil
	}

	now := q.clock()
	minute := now.UTC().Format("2006-01-02T15:04")
	count, err := q.cache.IncrementCounter(ctx, TokenTypeRequest, minute, scope.Scope{Tenant: tenant}, 1, 2*time.Minute)
	if err != nil {
		q.logger.Warn("rate counter failed, rate check skipped",
			zap.String("tenant", tenant), zap.Error(err))
		return nil
	}

	if count > tier.RequestsPerMinute {
		reset := now.UTC().Truncate(time.Minute).Add(time.Minute)
		return types.NewError(types.ErrRateLimited, "request rate limit exceeded").
			WithHTTPStatus(429).
			WithRetryable(true).
			WithMetadata("tenant", tenant).
			WithMetadata("limit", tier.RequestsPerMinute).
			WithMetadata("reset_at", reset.Format(time.RFC3339))
	}
	return nil
}
