package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/scope"
	"github.com/BaSui01/tenantflow/usage"
)

// Context returns a test context with a 30 second deadline.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ScopedContext returns a test context carrying the given tenant scope.
func ScopedContext(t *testing.T, sc scope.Scope) context.Context {
	t.Helper()
	return scope.With(Context(t), sc)
}

// Collector returns a metrics collector bound to a private registry so
// parallel tests never collide on metric registration.
func Collector(t *testing.T) *metrics.Collector {
	t.Helper()
	return metrics.NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

// CacheEnv is an in-memory two-tier cache backed by miniredis.
type CacheEnv struct {
	Redis  *miniredis.Miniredis
	Client *redis.Client
	Remote *cache.RemoteTier
	Cache  *cache.HierarchicalCache
}

// NewCacheEnv starts miniredis and builds a hierarchical cache over it.
// Everything is cleaned up when the test ends.
func NewCacheEnv(t *testing.T) *CacheEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	remote := cache.NewRemoteTierFromClient(client, cache.DefaultRemoteConfig(), zap.NewNop())
	hcache := cache.New(remote, cache.DefaultConfig(), Collector(t), zap.NewNop())

	return &CacheEnv{
		Redis:  mr,
		Client: client,
		Remote: remote,
		Cache:  hcache,
	}
}

// NewSQLiteDB opens an in-memory SQLite database with the usage schema
// applied.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usage.UsageRecord{}, &usage.TenantTier{}, &usage.AgentOwner{}))
	return db
}

// SeedTier inserts a tenant tier row.
func SeedTier(t *testing.T, db *gorm.DB, tenant, tier string, dailyLimit, rpm int64) {
	t.Helper()
	require.NoError(t, db.Create(&usage.TenantTier{
		TenantID:          tenant,
		Tier:              tier,
		DailyTokenLimit:   dailyLimit,
		RequestsPerMinute: rpm,
	}).Error)
}

// SeedAgentOwner inserts an agent ownership row for attribution tests.
func SeedAgentOwner(t *testing.T, db *gorm.DB, agentID, ownerTenant string) {
	t.Helper()
	require.NoError(t, db.Create(&usage.AgentOwner{
		AgentID:       agentID,
		OwnerTenantID: ownerTenant,
	}).Error)
}
