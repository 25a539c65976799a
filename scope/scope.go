// Package scope carries the tenant/agent/conversation/collection tuple
// that qualifies cache keys and usage records across call boundaries.
package scope

import (
	"github.com/BaSui01/tenantflow/types"
)

// UnsetTenant is the sentinel value some upstream layers use when a
// request arrives without tenant resolution. It is treated the same as
// an empty tenant by accounting-sensitive paths.
const UnsetTenant = "unset"

// Scope is the ordered identifier tuple. Tenant is mandatory for
// accounting and most cache operations; the other fields are optional
// refinements, each making a derived cache key more specific.
type Scope struct {
	Tenant       string `json:"tenant"`
	Agent        string `json:"agent,omitempty"`
	Conversation string `json:"conversation,omitempty"`
	Collection   string `json:"collection,omitempty"`
}

// Validate rejects scopes with refinements but no tenant.
func (s Scope) Validate() error {
	if s.HasTenant() {
		return nil
	}
	if s.Agent != "" || s.Conversation != "" || s.Collection != "" {
		return types.NewError(types.ErrScope, "scope has refinements but no tenant")
	}
	return nil
}

// HasTenant reports whether a real tenant is present. The "unset"
// sentinel does not count.
func (s Scope) HasTenant() bool {
	return s.Tenant != "" && s.Tenant != UnsetTenant
}

// IsZero reports whether no field is set.
func (s Scope) IsZero() bool {
	return s.Tenant == "" && s.Agent == "" && s.Conversation == "" && s.Collection == ""
}

// Merge returns a copy of s with empty fields filled from other.
// Used when an explicit per-call scope overrides the ambient one.
func (s Scope) Merge(other Scope) Scope {
	if s.Tenant == "" {
		s.Tenant = other.Tenant
	}
	if s.Agent == "" {
		s.Agent = other.Agent
	}
	if s.Conversation == "" {
		s.Conversation = other.Conversation
	}
	if s.Collection == "" {
		s.Collection = other.Collection
	}
	return s
}
