package scope

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/tenantflow/types"
)

func TestScope_Validate(t *testing.T) {
	assert.NoError(t, Scope{}.Validate())
	assert.NoError(t, Scope{Tenant: "t1"}.Validate())
	assert.NoError(t, Scope{Tenant: "t1", Agent: "a1", Conversation: "c1"}.Validate())

	err := Scope{Agent: "a1"}.Validate()
	require.Error(t, err)
	assert.Equal(t, types.ErrScope, types.GetErrorCode(err))

	err = Scope{Collection: "docs"}.Validate()
	require.Error(t, err)
}

func TestScope_HasTenant(t *testing.T) {
	assert.True(t, Scope{Tenant: "t1"}.HasTenant())
	assert.False(t, Scope{}.HasTenant())
	assert.False(t, Scope{Tenant: UnsetTenant}.HasTenant())
}

func TestScope_Merge(t *testing.T) {
	ambient := Scope{Tenant: "t1", Agent: "a1"}
	override := Scope{Conversation: "c9"}

	merged := override.Merge(ambient)
	assert.Equal(t, "t1", merged.Tenant)
	assert.Equal(t, "a1", merged.Agent)
	assert.Equal(t, "c9", merged.Conversation)

	// Explicit fields win over ambient ones.
	merged = Scope{Tenant: "t2"}.Merge(ambient)
	assert.Equal(t, "t2", merged.Tenant)
}

func TestContext_RoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := FromContext(ctx)
	assert.False(t, ok)

	s := Scope{Tenant: "t1", Agent: "a1"}
	ctx = With(ctx, s)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestContext_NestedShadowing(t *testing.T) {
	outer := With(context.Background(), Scope{Tenant: "t1"})
	inner := With(outer, Scope{Tenant: "t1", Conversation: "c1"})

	// The inner context sees the refined scope, the outer is untouched.
	assert.Equal(t, "c1", Current(inner).Conversation)
	assert.Equal(t, "", Current(outer).Conversation)
}

func TestContext_NoCrossGoroutineLeak(t *testing.T) {
	base := context.Background()
	done := make(chan Scope, 2)

	for _, tenant := range []string{"t1", "t2"} {
		go func(tn string) {
			ctx := With(base, Scope{Tenant: tn})
			done <- Current(ctx)
		}(tenant)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		s := <-done
		seen[s.Tenant] = true
	}
	assert.True(t, seen["t1"])
	assert.True(t, seen["t2"])
}

func TestRequireTenant(t *testing.T) {
	_, err := RequireTenant(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrScope, types.GetErrorCode(err))

	_, err = RequireTenant(With(context.Background(), Scope{Tenant: UnsetTenant}))
	require.Error(t, err)

	s, err := RequireTenant(With(context.Background(), Scope{Tenant: "t1"}))
	require.NoError(t, err)
	assert.Equal(t, "t1", s.Tenant)
}

func TestHeaders_RoundTrip(t *testing.T) {
	s := Scope{Tenant: "t1", Agent: "a1", Conversation: "c1", Collection: "docs"}

	h := http.Header{}
	s.ApplyHeaders(h)
	assert.Equal(t, "t1", h.Get(HeaderTenantID))
	assert.Equal(t, "docs", h.Get(HeaderCollectionID))

	got := FromHeaders(h)
	assert.Equal(t, s, got)
}

func TestHeaders_Partial(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTenantID, "t1")

	got := FromHeaders(h)
	assert.Equal(t, "t1", got.Tenant)
	assert.Empty(t, got.Agent)
	assert.Empty(t, got.Conversation)

	// Outbound injection skips empty fields entirely.
	out := http.Header{}
	got.ApplyHeaders(out)
	_, present := out[http.CanonicalHeaderKey(HeaderAgentID)]
	assert.False(t, present)
}
