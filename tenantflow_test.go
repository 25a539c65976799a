package tenantflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/tenantflow/scope"
	"github.com/BaSui01/tenantflow/testutil"
	"github.com/BaSui01/tenantflow/usage"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	opts = append([]Option{WithRedisClient(rdb)}, opts...)
	client, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_RequiresRedis(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis connection is required")
}

func TestClient_CacheRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "tenant-a"}

	require.NoError(t, client.Cache().Set(ctx, "config", "res-1", sc, []byte("v1"), time.Minute))

	got, ok := client.Cache().Get(ctx, "config", "res-1", sc, false)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
}

func TestClient_TracksUsageWithoutDatabase(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	err := client.Tracker().Record(ctx, usage.RecordInput{
		Scope:     scope.Scope{Tenant: "tenant-a"},
		Tokens:    100,
		TokenType: usage.TokenTypeLLM,
	})
	require.NoError(t, err)

	// Without a database the record stays parked in the queue.
	assert.Equal(t, 1, client.Queue().Depth())
	assert.Nil(t, client.Quota())

	used, err := client.Tracker().CurrentUsage(ctx, "tenant-a", usage.TokenTypeLLM)
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)
}

func TestClient_DurableWritesWithDatabase(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	cfg := usage.DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	client := newTestClient(t, WithDatabase(db), WithUsageConfig(cfg))

	ctx := context.Background()
	client.Start(ctx)

	err := client.Tracker().Record(ctx, usage.RecordInput{
		Scope:     scope.Scope{Tenant: "tenant-a"},
		Tokens:    50,
		TokenType: usage.TokenTypeLLM,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var count int64
		db.Model(&usage.UsageRecord{}).Count(&count)
		return count == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.NotNil(t, client.Quota())
	testutil.SeedTier(t, db, "tenant-a", "free", 1000, 0)
	require.NoError(t, client.Quota().CheckTokens(ctx, "tenant-a", usage.TokenTypeLLM, 100))
}

func TestClient_AttributesSharedAgentUsage(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedAgentOwner(t, db, "agent-shared", "tenant-owner")
	client := newTestClient(t, WithDatabase(db))

	ctx := context.Background()
	err := client.Tracker().Record(ctx, usage.RecordInput{
		Scope:     scope.Scope{Tenant: "tenant-caller", Agent: "agent-shared"},
		Tokens:    30,
		TokenType: usage.TokenTypeLLM,
	})
	require.NoError(t, err)

	// The owner's fast counter is charged, not the caller's.
	used, err := client.Tracker().CurrentUsage(ctx, "tenant-owner", usage.TokenTypeLLM)
	require.NoError(t, err)
	assert.Equal(t, int64(30), used)
}
