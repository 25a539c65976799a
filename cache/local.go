package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// localTier is the process-local cache tier: a bounded map with a
// parallel expiry map, guarded by a single mutex. Capacity pressure is
// relieved in one pass by evicting the oldest-expiring configured
// fraction of entries (batch LRU-by-expiry, not strict LRU-by-access).
type localTier struct {
	mu            sync.Mutex
	capacity      int
	evictFraction float64
	clock         func() time.Time

	entries map[string][]byte
	expiry  map[string]time.Time // zero value = no expiry
	written map[string]time.Time
}

func newLocalTier(capacity int, evictFraction float64, clock func() time.Time) *localTier {
	if capacity <= 0 {
		capacity = 1000
	}
	if evictFraction <= 0 || evictFraction > 1 {
		evictFraction = 0.2
	}
	if clock == nil {
		clock = time.Now
	}
	return &localTier{
		capacity:      capacity,
		evictFraction: evictFraction,
		clock:         clock,
		entries:       make(map[string][]byte),
		expiry:        make(map[string]time.Time),
		written:       make(map[string]time.Time),
	}
}

func (l *localTier) get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	val, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	if exp := l.expiry[key]; !exp.IsZero() && l.clock().After(exp) {
		l.remove(key)
		return nil, false
	}
	return val, true
}

// set stores a value. ttl <= 0 means no expiry (evicted only under
// capacity pressure).
func (l *localTier) set(key string, value []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if _, exists := l.entries[key]; !exists && len(l.entries) >= l.capacity {
		l.evictBatch()
	}
	l.entries[key] = value
	l.written[key] = now
	if ttl > 0 {
		l.expiry[key] = now.Add(ttl)
	} else {
		delete(l.expiry, key)
	}
}

func (l *localTier) delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remove(key)
}

// deletePrefix removes every entry whose key starts with prefix and
// returns the number removed.
func (l *localTier) deletePrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.entries {
		if strings.HasPrefix(key, prefix) {
			l.remove(key)
			n++
		}
	}
	return n
}

func (l *localTier) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// remove assumes l.mu is held.
func (l *localTier) remove(key string) {
	delete(l.entries, key)
	delete(l.expiry, key)
	delete(l.written, key)
}

// evictBatch assumes l.mu is held. Entries without an expiry sort last
// (write time as tie-break) so permanent entries survive longest.
func (l *localTier) evictBatch() {
	type candidate struct {
		key     string
		expires time.Time
		written time.Time
	}
	cands := make([]candidate, 0, len(l.entries))
	for key := range l.entries {
		cands = append(cands, candidate{key: key, expires: l.expiry[key], written: l.written[key]})
	}
	sort.Slice(cands, func(i, j int) bool {
		ei, ej := cands[i].expires, cands[j].expires
		switch {
		case ei.IsZero() && ej.IsZero():
			return cands[i].written.Before(cands[j].written)
		case ei.IsZero():
			return false
		case ej.IsZero():
			return true
		case ei.Equal(ej):
			return cands[i].written.Before(cands[j].written)
		default:
			return ei.Before(ej)
		}
	})

	n := int(float64(l.capacity) * l.evictFraction)
	if n < 1 {
		n = 1
	}
	if n > len(cands) {
		n = len(cands)
	}
	for _, c := range cands[:n] {
		l.remove(c.key)
	}
}
