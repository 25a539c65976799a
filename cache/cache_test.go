package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/scope"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *HierarchicalCache, *fakeClock) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	remote := NewRemoteTierFromClient(client, DefaultRemoteConfig(), zap.NewNop())
	t.Cleanup(func() { _ = remote.Close() })

	clk := newFakeClock()
	c := NewWithClock(remote, DefaultConfig(), nil, zap.NewNop(), clk.Now)
	return mr, c, clk
}

func TestHierarchicalCache_SetGetRoundTrip(t *testing.T) {
	_, c, _ := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1", Agent: "a1"}

	require.NoError(t, c.Set(ctx, "embedding", "doc-1", sc, []byte("payload"), time.Minute))

	val, ok := c.Get(ctx, "embedding", "doc-1", sc, false)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), val)
}

func TestHierarchicalCache_ZeroTTLStoresWithoutExpiry(t *testing.T) {
	mr, c, clk := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "config", "r1", sc, []byte("keep"), 0))
	require.NoError(t, c.Set(ctx, "config", "r2", sc, []byte("fade"), time.Minute))

	// miniredis reports zero TTL for keys stored without expiry.
	assert.Equal(t, time.Duration(0), mr.TTL(Key("config", "r1", sc)))
	assert.Equal(t, time.Minute, mr.TTL(Key("config", "r2", sc)))

	// Expire the local tier entirely so both reads go to the remote.
	mr.FastForward(2 * time.Minute)
	clk.Advance(10 * time.Minute)

	_, ok := c.Get(ctx, "config", "r1", sc, false)
	assert.True(t, ok)
	_, ok = c.Get(ctx, "config", "r2", sc, false)
	assert.False(t, ok)
}

func TestHierarchicalCache_MissIsNotAnError(t *testing.T) {
	_, c, _ := setupTestCache(t)

	val, ok := c.Get(context.Background(), "embedding", "absent", scope.Scope{Tenant: "t1"}, false)
	assert.False(t, ok)
	assert.Nil(t, val)
}

func TestHierarchicalCache_RemoteHitAfterLocalExpiry(t *testing.T) {
	mr, c, clk := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "embedding", "doc-1", sc, []byte("payload"), time.Hour))

	// Local TTL is capped at 5m; past the cap only the remote tier holds
	// the entry.
	clk.Advance(10 * time.Minute)
	require.True(t, mr.Exists(Key("embedding", "doc-1", sc)))

	val, ok := c.Get(ctx, "embedding", "doc-1", sc, false)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), val)

	// The remote hit backfills the local tier.
	got, ok := c.local.get(Key("embedding", "doc-1", sc))
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestHierarchicalCache_HierarchyFallback(t *testing.T) {
	_, c, _ := setupTestCache(t)
	ctx := context.Background()

	tenantOnly := scope.Scope{Tenant: "t1"}
	tenantAgent := scope.Scope{Tenant: "t1", Agent: "a1"}

	require.NoError(t, c.Set(ctx, "prompt", "p1", tenantOnly, []byte("tenant-wide"), time.Minute))
	require.NoError(t, c.Set(ctx, "prompt", "p1", tenantAgent, []byte("agent-specific"), time.Minute))

	// The full scope has no exact entry; the search walks outward and
	// stops at the closest ancestor.
	full := scope.Scope{Tenant: "t1", Agent: "a1", Conversation: "c1", Collection: "docs"}
	val, ok := c.Get(ctx, "prompt", "p1", full, true)
	require.True(t, ok)
	assert.Equal(t, []byte("agent-specific"), val)

	// A scope on a different branch skips the agent entry entirely.
	other := scope.Scope{Tenant: "t1", Collection: "docs"}
	val, ok = c.Get(ctx, "prompt", "p1", other, true)
	require.True(t, ok)
	assert.Equal(t, []byte("tenant-wide"), val)

	// Without the hierarchy search the full scope is a plain miss.
	_, ok = c.Get(ctx, "prompt", "p1", full, false)
	assert.False(t, ok)
}

func TestHierarchicalCache_HierarchyDoesNotCrossTenants(t *testing.T) {
	_, c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "prompt", "p1", scope.Scope{Tenant: "t1"}, []byte("v"), time.Minute))

	_, ok := c.Get(ctx, "prompt", "p1", scope.Scope{Tenant: "t2", Agent: "a1"}, true)
	assert.False(t, ok)
}

func TestHierarchicalCache_Delete(t *testing.T) {
	_, c, _ := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "embedding", "doc-1", sc, []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "embedding", "doc-1", sc))

	_, ok := c.Get(ctx, "embedding", "doc-1", sc, false)
	assert.False(t, ok)
}

func TestHierarchicalCache_InvalidateByTenant(t *testing.T) {
	_, c, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "embedding", "doc-1", scope.Scope{Tenant: "t1"}, []byte("v"), time.Minute))
	require.NoError(t, c.Set(ctx, "prompt", "p1", scope.Scope{Tenant: "t1", Agent: "a1"}, []byte("v"), time.Minute))
	require.NoError(t, c.Set(ctx, "embedding", "doc-2", scope.Scope{Tenant: "t2"}, []byte("v"), time.Minute))

	removed, err := c.Invalidate(ctx, scope.Scope{Tenant: "t1"}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := c.Get(ctx, "embedding", "doc-1", scope.Scope{Tenant: "t1"}, false)
	assert.False(t, ok)
	_, ok = c.Get(ctx, "embedding", "doc-2", scope.Scope{Tenant: "t2"}, false)
	assert.True(t, ok, "other tenants are untouched")
}

func TestHierarchicalCache_InvalidateByDataType(t *testing.T) {
	_, c, _ := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "embedding", "doc-1", sc, []byte("v"), time.Minute))
	require.NoError(t, c.Set(ctx, "prompt", "p1", sc, []byte("v"), time.Minute))

	removed, err := c.Invalidate(ctx, sc, "embedding")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := c.Get(ctx, "prompt", "p1", sc, false)
	assert.True(t, ok)
}

func TestHierarchicalCache_CounterFirstWriteTTL(t *testing.T) {
	mr, c, _ := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	val, err := c.IncrementCounter(ctx, "input_tokens", "2026-08-31", sc, 100, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(100), val)

	mr.FastForward(30 * time.Minute)

	// A later increment must not reset the accumulation window.
	val, err = c.IncrementCounter(ctx, "input_tokens", "2026-08-31", sc, 50, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(150), val)

	remaining := mr.TTL(CounterKey("input_tokens", "2026-08-31", sc))
	assert.LessOrEqual(t, remaining, 30*time.Minute)

	total, err := c.GetCounter(ctx, "input_tokens", "2026-08-31", sc)
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)
}

func TestHierarchicalCache_CounterExpiresWithWindow(t *testing.T) {
	mr, c, _ := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	_, err := c.IncrementCounter(ctx, "input_tokens", "2026-08-31", sc, 100, time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	total, err := c.GetCounter(ctx, "input_tokens", "2026-08-31", sc)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total, "expired counters read as zero")
}

func TestHierarchicalCache_DegradedWhenRemoteDown(t *testing.T) {
	mr, c, _ := setupTestCache(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	mr.Close()

	// Set reports the remote failure but the local write stands.
	err := c.Set(ctx, "embedding", "doc-1", sc, []byte("v"), time.Minute)
	assert.Error(t, err)

	val, ok := c.Get(ctx, "embedding", "doc-1", sc, false)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	// A key only the remote tier could hold degrades to a miss.
	_, ok = c.Get(ctx, "embedding", "doc-2", sc, false)
	assert.False(t, ok)
}
