package usage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAttributionResolver_RedirectsToOwner(t *testing.T) {
	_, c := newTestCache(t)
	store := newMockStore()
	store.owners["shared-agent"] = "tenant-b"

	r := NewAttributionResolver(c, store, nil, zap.NewNop())

	owner := r.ResolveOwner(context.Background(), "tenant-a", "shared-agent", "conv-1")
	assert.Equal(t, "tenant-b", owner)
	assert.Equal(t, 1, store.ownerCalls)
}

func TestAttributionResolver_CachesMapping(t *testing.T) {
	_, c := newTestCache(t)
	store := newMockStore()
	store.owners["shared-agent"] = "tenant-b"

	r := NewAttributionResolver(c, store, nil, zap.NewNop())
	ctx := context.Background()

	first := r.ResolveOwner(ctx, "tenant-a", "shared-agent", "conv-1")
	second := r.ResolveOwner(ctx, "tenant-a", "shared-agent", "conv-1")

	assert.Equal(t, "tenant-b", first)
	assert.Equal(t, "tenant-b", second)
	assert.Equal(t, 1, store.ownerCalls, "second call must reuse the cached mapping")
}

func TestAttributionResolver_SelfOwnedBillsRequester(t *testing.T) {
	_, c := newTestCache(t)
	store := newMockStore()

	r := NewAttributionResolver(c, store, nil, zap.NewNop())

	owner := r.ResolveOwner(context.Background(), "tenant-a", "own-agent", "conv-1")
	assert.Equal(t, "tenant-a", owner, "agents without an owner record bill the requester")
}

func TestAttributionResolver_LookupFailureFallsBack(t *testing.T) {
	_, c := newTestCache(t)
	store := newMockStore()
	store.ownerErr = errors.New("db down")

	r := NewAttributionResolver(c, store, nil, zap.NewNop())

	owner := r.ResolveOwner(context.Background(), "tenant-a", "shared-agent", "conv-1")
	assert.Equal(t, "tenant-a", owner, "failures never block recording")
}

func TestAttributionResolver_NoAgentShortCircuits(t *testing.T) {
	_, c := newTestCache(t)
	store := newMockStore()

	r := NewAttributionResolver(c, store, nil, zap.NewNop())

	owner := r.ResolveOwner(context.Background(), "tenant-a", "", "conv-1")
	assert.Equal(t, "tenant-a", owner)
	assert.Equal(t, 0, store.ownerCalls)
}
