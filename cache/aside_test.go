package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/scope"
)

type testDocument struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func setupTestLoader(t *testing.T) (*miniredis.Miniredis, *HierarchicalCache, *Loader) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	remote := NewRemoteTierFromClient(client, DefaultRemoteConfig(), zap.NewNop())
	t.Cleanup(func() { _ = remote.Close() })

	c := New(remote, DefaultConfig(), nil, zap.NewNop())
	loader := NewLoader(c, NewCodecRegistry(), nil, nil, zap.NewNop())
	return mr, c, loader
}

func docOpts() LoadOptions {
	return LoadOptions{New: func() any { return new(testDocument) }}
}

func TestLoader_CacheHit(t *testing.T) {
	_, c, loader := setupTestLoader(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "document", "d1", sc, []byte(`{"id":"d1","body":"cached"}`), time.Minute))

	fetchCalled := false
	fetch := func(ctx context.Context, id string, sc scope.Scope) (any, bool, error) {
		fetchCalled = true
		return nil, false, nil
	}

	val, res := loader.Load(ctx, "document", "d1", sc, fetch, nil, docOpts())
	assert.Equal(t, SourceCache, res.Source)
	assert.False(t, fetchCalled)

	doc, ok := val.(*testDocument)
	require.True(t, ok)
	assert.Equal(t, "cached", doc.Body)
}

func TestLoader_DurableFetchPopulatesCache(t *testing.T) {
	_, c, loader := setupTestLoader(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	fetch := func(ctx context.Context, id string, sc scope.Scope) (any, bool, error) {
		return &testDocument{ID: id, Body: "from-db"}, true, nil
	}

	val, res := loader.Load(ctx, "document", "d1", sc, fetch, nil, docOpts())
	assert.Equal(t, SourceDurable, res.Source)
	assert.False(t, res.SerializationSkipped)
	assert.Equal(t, "from-db", val.(*testDocument).Body)

	// The follow-up read is served from the cache.
	_, ok := c.Get(ctx, "document", "d1", sc, false)
	assert.True(t, ok)
}

func TestLoader_GenerateWhenNothingStored(t *testing.T) {
	_, _, loader := setupTestLoader(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	fetch := func(ctx context.Context, id string, sc scope.Scope) (any, bool, error) {
		return nil, false, nil
	}
	generate := func(ctx context.Context, id string, sc scope.Scope) (any, error) {
		return &testDocument{ID: id, Body: "generated"}, nil
	}

	val, res := loader.Load(ctx, "document", "d1", sc, fetch, generate, docOpts())
	assert.Equal(t, SourceGenerated, res.Source)
	assert.Equal(t, "generated", val.(*testDocument).Body)

	// A generator error surfaces as an error source, not a panic.
	badGen := func(ctx context.Context, id string, sc scope.Scope) (any, error) {
		return nil, errors.New("provider down")
	}
	val, res = loader.Load(ctx, "document", "d2", sc, fetch, badGen, docOpts())
	assert.Nil(t, val)
	assert.Equal(t, SourceError, res.Source)
}

func TestLoader_NotFoundWhenNoLayerHasValue(t *testing.T) {
	_, _, loader := setupTestLoader(t)

	fetch := func(ctx context.Context, id string, sc scope.Scope) (any, bool, error) {
		return nil, false, nil
	}
	val, res := loader.Load(context.Background(), "document", "d1", scope.Scope{Tenant: "t1"}, fetch, nil, docOpts())
	assert.Nil(t, val)
	assert.Equal(t, SourceNotFound, res.Source)
}

func TestLoader_RejectsInvalidInput(t *testing.T) {
	_, _, loader := setupTestLoader(t)
	ctx := context.Background()

	_, res := loader.Load(ctx, "document", "d1", scope.Scope{}, nil, nil, docOpts())
	assert.Equal(t, SourceError, res.Source)

	_, res = loader.Load(ctx, "document", "", scope.Scope{Tenant: "t1"}, nil, nil, docOpts())
	assert.Equal(t, SourceError, res.Source)
}

func TestLoader_UndecodablePayloadFallsThrough(t *testing.T) {
	_, c, loader := setupTestLoader(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "document", "d1", sc, []byte("not json"), time.Minute))

	fetch := func(ctx context.Context, id string, sc scope.Scope) (any, bool, error) {
		return &testDocument{ID: id, Body: "fresh"}, true, nil
	}

	val, res := loader.Load(ctx, "document", "d1", sc, fetch, nil, docOpts())
	assert.Equal(t, SourceDurable, res.Source)
	assert.Equal(t, "fresh", val.(*testDocument).Body)
}

func TestLoader_SerializationFailureReturnsRawValue(t *testing.T) {
	_, _, loader := setupTestLoader(t)
	sc := scope.Scope{Tenant: "t1"}

	// Channels have no JSON encoding.
	fetch := func(ctx context.Context, id string, sc scope.Scope) (any, bool, error) {
		return make(chan int), true, nil
	}

	val, res := loader.Load(context.Background(), "document", "d1", sc, fetch, nil, LoadOptions{})
	assert.NotNil(t, val)
	assert.Equal(t, SourceDurable, res.Source)
	assert.True(t, res.SerializationSkipped)
}

func TestLoader_LoadBatch(t *testing.T) {
	_, c, loader := setupTestLoader(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "embedding", "a", sc, []byte(`{"id":"a","body":"cached-a"}`), time.Minute))

	var generatorInput []string
	generate := func(ctx context.Context, missing []string, sc scope.Scope) (map[string]any, error) {
		generatorInput = missing
		out := make(map[string]any, len(missing))
		for _, id := range missing {
			if id == "c" {
				continue // simulate a partial provider failure
			}
			out[id] = &testDocument{ID: id, Body: "gen-" + id}
		}
		return out, nil
	}

	vals, res := loader.LoadBatch(ctx, "embedding", []string{"a", "b", "c", "b"}, sc, generate, docOpts())

	require.Len(t, vals, 4)
	assert.Equal(t, 1, res.Hits)
	assert.Equal(t, 1, res.Generated)
	assert.Equal(t, []string{"c"}, res.Failed)
	assert.ElementsMatch(t, []string{"b", "c"}, generatorInput, "duplicates are deduplicated before generation")

	assert.Equal(t, "cached-a", vals[0].(*testDocument).Body)
	assert.Equal(t, "gen-b", vals[1].(*testDocument).Body)
	assert.Nil(t, vals[2])
	assert.Equal(t, "gen-b", vals[3].(*testDocument).Body, "duplicate ids share one result")

	// Generated values are cached for the next call.
	_, ok := c.Get(ctx, "embedding", "b", sc, false)
	assert.True(t, ok)
}

func TestLoader_LoadBatchGeneratorFailureKeepsHits(t *testing.T) {
	_, c, loader := setupTestLoader(t)
	ctx := context.Background()
	sc := scope.Scope{Tenant: "t1"}

	require.NoError(t, c.Set(ctx, "embedding", "a", sc, []byte(`{"id":"a"}`), time.Minute))

	generate := func(ctx context.Context, missing []string, sc scope.Scope) (map[string]any, error) {
		return nil, errors.New("provider down")
	}

	vals, res := loader.LoadBatch(ctx, "embedding", []string{"a", "b"}, sc, generate, docOpts())
	assert.Equal(t, 1, res.Hits)
	assert.Equal(t, 0, res.Generated)
	assert.Equal(t, []string{"b"}, res.Failed)
	assert.NotNil(t, vals[0])
	assert.Nil(t, vals[1])
}

func TestLoader_LoadBatchEmptyInput(t *testing.T) {
	_, _, loader := setupTestLoader(t)

	vals, res := loader.LoadBatch(context.Background(), "embedding", nil, scope.Scope{Tenant: "t1"}, nil, LoadOptions{})
	assert.Empty(t, vals)
	assert.Zero(t, res.Hits)
}
