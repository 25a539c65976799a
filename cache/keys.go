package cache

import (
	"fmt"
	"strings"

	"github.com/BaSui01/tenantflow/scope"
)

// Key layout:
//
//	tf:{tenant}:{dataType}[:agent:{a}][:conv:{c}][:coll:{l}]:res:{resourceID}
//
// Scope segments come before the resource-id segment so that
// prefix-based invalidation and counter scans group by tenant and
// scope. Optional segments are tagged so a key with an agent can never
// collide with one whose conversation happens to carry the same value.
const (
	keyPrefix    = "tf"
	keySeparator = ":"

	segAgent        = "agent"
	segConversation = "conv"
	segCollection   = "coll"
	segResource     = "res"
)

// escapeSegment keeps key generation injective when identifiers contain
// the separator, and keeps the counter namespace token reserved: a
// tenant literally named "counter" must not alias tf:counter:* or its
// invalidation scan would sweep every tenant's counters.
func escapeSegment(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, keySeparator, "%3A")
	if s == counterNamespace {
		s = "%63" + s[1:]
	}
	return s
}

func unescapeSegment(s string) string {
	s = strings.ReplaceAll(s, "%63", "c")
	s = strings.ReplaceAll(s, "%3A", keySeparator)
	return strings.ReplaceAll(s, "%25", "%")
}

// Key derives the most-specific cache key for (dataType, resourceID,
// scope). It is a pure function of its inputs.
func Key(dataType, resourceID string, sc scope.Scope) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(keySeparator)
	b.WriteString(escapeSegment(sc.Tenant))
	b.WriteString(keySeparator)
	b.WriteString(escapeSegment(dataType))
	if sc.Agent != "" {
		b.WriteString(keySeparator + segAgent + keySeparator)
		b.WriteString(escapeSegment(sc.Agent))
	}
	if sc.Conversation != "" {
		b.WriteString(keySeparator + segConversation + keySeparator)
		b.WriteString(escapeSegment(sc.Conversation))
	}
	if sc.Collection != "" {
		b.WriteString(keySeparator + segCollection + keySeparator)
		b.WriteString(escapeSegment(sc.Collection))
	}
	b.WriteString(keySeparator + segResource + keySeparator)
	b.WriteString(escapeSegment(resourceID))
	return b.String()
}

// KeyHierarchy expands a scope into the ordered list of keys the
// hierarchy search probes: most specific first, dropping optional
// fields in reverse fixed order (collection, then conversation, then
// agent) down to the tenant-only key.
func KeyHierarchy(dataType, resourceID string, sc scope.Scope) []string {
	keys := make([]string, 0, 4)
	keys = append(keys, Key(dataType, resourceID, sc))

	for _, drop := range []func(*scope.Scope){
		func(s *scope.Scope) { s.Collection = "" },
		func(s *scope.Scope) { s.Conversation = "" },
		func(s *scope.Scope) { s.Agent = "" },
	} {
		prev := keys[len(keys)-1]
		drop(&sc)
		k := Key(dataType, resourceID, sc)
		if k != prev {
			keys = append(keys, k)
		}
	}
	return keys
}

// InvalidationPrefix builds the key prefix matching every entry under
// the given scope filter, optionally narrowed by data type. The remote
// tier deletes by SCAN over prefix+"*", the local tier by string-prefix
// match.
func InvalidationPrefix(sc scope.Scope, dataType string) string {
	prefix := keyPrefix + keySeparator + escapeSegment(sc.Tenant) + keySeparator
	if dataType == "" {
		return prefix
	}
	prefix += escapeSegment(dataType)
	if sc.Agent != "" {
		prefix += keySeparator + segAgent + keySeparator + escapeSegment(sc.Agent)
	}
	if sc.Conversation != "" {
		prefix += keySeparator + segConversation + keySeparator + escapeSegment(sc.Conversation)
	}
	if sc.Collection != "" {
		prefix += keySeparator + segCollection + keySeparator + escapeSegment(sc.Collection)
	}
	return prefix
}

// Counter keys live under their own namespace so that usage scans never
// touch payload entries:
//
//	tf:counter:{tenant}:{counterType}[:agent:{a}][:conv:{c}]:res:{resourceID}
const counterNamespace = "counter"

// CounterKey derives the remote-tier key for an accumulating counter.
func CounterKey(counterType, resourceID string, sc scope.Scope) string {
	var b strings.Builder
	b.WriteString(keyPrefix + keySeparator + counterNamespace + keySeparator)
	b.WriteString(escapeSegment(sc.Tenant))
	b.WriteString(keySeparator)
	b.WriteString(escapeSegment(counterType))
	if sc.Agent != "" {
		b.WriteString(keySeparator + segAgent + keySeparator)
		b.WriteString(escapeSegment(sc.Agent))
	}
	if sc.Conversation != "" {
		b.WriteString(keySeparator + segConversation + keySeparator)
		b.WriteString(escapeSegment(sc.Conversation))
	}
	b.WriteString(keySeparator + segResource + keySeparator)
	b.WriteString(escapeSegment(resourceID))
	return b.String()
}

// CounterScanPattern matches every counter key, or every counter key of
// one tenant when tenant is non-empty.
func CounterScanPattern(tenant string) string {
	if tenant == "" {
		return keyPrefix + keySeparator + counterNamespace + keySeparator + "*"
	}
	return keyPrefix + keySeparator + counterNamespace + keySeparator + escapeSegment(tenant) + keySeparator + "*"
}

// ParseCounterKey inverts CounterKey. Reconciliation uses it to turn a
// scanned key back into (counterType, resourceID, scope).
func ParseCounterKey(key string) (counterType, resourceID string, sc scope.Scope, err error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) < 6 || parts[0] != keyPrefix || parts[1] != counterNamespace {
		return "", "", scope.Scope{}, fmt.Errorf("not a counter key: %q", key)
	}
	sc.Tenant = unescapeSegment(parts[2])
	counterType = unescapeSegment(parts[3])

	i := 4
	for i+1 < len(parts) {
		switch parts[i] {
		case segAgent:
			sc.Agent = unescapeSegment(parts[i+1])
		case segConversation:
			sc.Conversation = unescapeSegment(parts[i+1])
		case segResource:
			return counterType, unescapeSegment(parts[i+1]), sc, nil
		default:
			return "", "", scope.Scope{}, fmt.Errorf("malformed counter key: %q", key)
		}
		i += 2
	}
	return "", "", scope.Scope{}, fmt.Errorf("counter key missing resource segment: %q", key)
}
