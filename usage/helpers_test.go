package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/cache"
)

// mockStore is an in-memory Store with per-method call counts and
// injectable failures.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*UsageRecord // by idempotency key
	tiers   map[string]*TenantTier
	owners  map[string]string

	failBatch   bool
	failSingle  func(rec *UsageRecord) bool
	ownerErr    error
	ownerCalls  int
	batchCalls  int
	singleCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		records: make(map[string]*UsageRecord),
		tiers:   make(map[string]*TenantTier),
		owners:  make(map[string]string),
	}
}

func (m *mockStore) InsertRecords(ctx context.Context, records []*UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	if m.failBatch {
		return context.DeadlineExceeded
	}
	for _, r := range records {
		if _, dup := m.records[r.IdempotencyKey]; !dup {
			m.records[r.IdempotencyKey] = r
		}
	}
	return nil
}

func (m *mockStore) InsertRecord(ctx context.Context, record *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singleCalls++
	if m.failSingle != nil && m.failSingle(record) {
		return context.DeadlineExceeded
	}
	if _, dup := m.records[record.IdempotencyKey]; !dup {
		m.records[record.IdempotencyKey] = record
	}
	return nil
}

func (m *mockStore) AggregateTokens(ctx context.Context, tenant, tokenType string, from, to time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.records {
		if r.EffectiveTenantID == tenant && r.TokenType == tokenType &&
			!r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			total += r.Tokens
		}
	}
	return total, nil
}

func (m *mockStore) AggregatesByTenantType(ctx context.Context, from, to time.Time) (map[AggregateKey]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[AggregateKey]int64)
	for _, r := range m.records {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out[AggregateKey{Tenant: r.EffectiveTenantID, TokenType: r.TokenType}] += r.Tokens
		}
	}
	return out, nil
}

func (m *mockStore) TenantTier(ctx context.Context, tenantID string) (*TenantTier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tier, ok := m.tiers[tenantID]; ok {
		return tier, nil
	}
	return &TenantTier{TenantID: tenantID, Tier: "free"}, nil
}

func (m *mockStore) AgentOwner(ctx context.Context, agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownerCalls++
	if m.ownerErr != nil {
		return "", m.ownerErr
	}
	if owner, ok := m.owners[agentID]; ok {
		return owner, nil
	}
	return "", ErrOwnerNotFound
}

func (m *mockStore) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockStore) recordByKey(key string) *UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key]
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *cache.HierarchicalCache) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	remote := cache.NewRemoteTierFromClient(client, cache.DefaultRemoteConfig(), zap.NewNop())
	t.Cleanup(func() { _ = remote.Close() })

	return mr, cache.New(remote, cache.DefaultConfig(), nil, zap.NewNop())
}
