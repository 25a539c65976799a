package scope

import (
	"context"

	"github.com/BaSui01/tenantflow/types"
)

// contextKey is used for storing values in context.Context.
type contextKey string

const keyScope contextKey = "tenantflow_scope"

// With returns a context carrying the given scope. Deriving a child
// context with a new scope shadows the parent's value for the subtree
// of calls that receive the child; the parent context is untouched, so
// no exit/restore step exists or is needed.
func With(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, keyScope, s)
}

// FromContext extracts the current scope from context.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(keyScope).(Scope)
	return s, ok && !s.IsZero()
}

// Current returns the ambient scope, or the zero Scope when none is set.
func Current(ctx context.Context) Scope {
	s, _ := FromContext(ctx)
	return s
}

// RequireTenant extracts the ambient scope and fails with a SCOPE_ERROR
// when the tenant is absent or the "unset" sentinel. Accounting-
// sensitive paths call this before touching counters or the ledger.
func RequireTenant(ctx context.Context) (Scope, error) {
	s, ok := FromContext(ctx)
	if !ok || !s.HasTenant() {
		return Scope{}, types.NewError(types.ErrScope, "tenant is required").WithHTTPStatus(400)
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}
