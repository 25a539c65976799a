package scope

import "net/http"

// Propagation headers, one per scope field. Set from the current scope
// on outbound calls and parsed back into a partial Scope on inbound.
const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderAgentID        = "X-Agent-ID"
	HeaderConversationID = "X-Conversation-ID"
	HeaderCollectionID   = "X-Collection-ID"
)

// FromHeaders is a pure extraction of a partial Scope from HTTP
// headers. Absent headers leave the corresponding field empty; no
// validation happens here so that non-accounting paths can proceed
// with partial scopes.
func FromHeaders(h http.Header) Scope {
	return Scope{
		Tenant:       h.Get(HeaderTenantID),
		Agent:        h.Get(HeaderAgentID),
		Conversation: h.Get(HeaderConversationID),
		Collection:   h.Get(HeaderCollectionID),
	}
}

// ApplyHeaders sets the propagation headers for the present fields of s.
func (s Scope) ApplyHeaders(h http.Header) {
	if s.Tenant != "" {
		h.Set(HeaderTenantID, s.Tenant)
	}
	if s.Agent != "" {
		h.Set(HeaderAgentID, s.Agent)
	}
	if s.Conversation != "" {
		h.Set(HeaderConversationID, s.Conversation)
	}
	if s.Collection != "" {
		h.Set(HeaderCollectionID, s.Collection)
	}
}
