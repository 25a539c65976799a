package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AggregateKey identifies one durable aggregate bucket.
type AggregateKey struct {
	Tenant    string
	TokenType string
}

// Store is the durable ledger surface the accounting pipeline writes
// to. Inserts must be idempotent on the record's idempotency key.
type Store interface {
	// InsertRecords writes a batch; rows whose idempotency key already
	// exists are silently skipped.
	InsertRecords(ctx context.Context, records []*UsageRecord) error
	// InsertRecord writes one record with the same conflict semantics.
	InsertRecord(ctx context.Context, record *UsageRecord) error
	// AggregateTokens sums tokens attributed to (tenant, tokenType)
	// within [from, to).
	AggregateTokens(ctx context.Context, tenant, tokenType string, from, to time.Time) (int64, error)
	// AggregatesByTenantType sums tokens per (tenant, tokenType) across
	// all tenants within [from, to).
	AggregatesByTenantType(ctx context.Context, from, to time.Time) (map[AggregateKey]int64, error)
	// TenantTier reads a tenant's limits; unknown tenants get the zero
	// (unlimited) tier.
	TenantTier(ctx context.Context, tenantID string) (*TenantTier, error)
	// AgentOwner resolves a shared agent to its paying tenant. Returns
	// ErrOwnerNotFound when no mapping exists.
	AgentOwner(ctx context.Context, agentID string) (string, error)
}

// ErrOwnerNotFound reports that an agent has no recorded owner; the
// resolver then bills the requester.
var ErrOwnerNotFound = errors.New("agent owner not found")

// GormStore implements Store on a relational database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an already-open database handle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "usage_store")),
	}
}

func (s *GormStore) InsertRecords(ctx context.Context, records []*UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r.ID == "" {
			r.ID = NewRecordID()
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(records).Error
	if err != nil {
		return fmt.Errorf("usage batch insert failed: %w", err)
	}
	return nil
}

func (s *GormStore) InsertRecord(ctx context.Context, record *UsageRecord) error {
	if record.ID == "" {
		record.ID = NewRecordID()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("usage insert failed: %w", err)
	}
	return nil
}

func (s *GormStore) AggregateTokens(ctx context.Context, tenant, tokenType string, from, to time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Select("COALESCE(SUM(tokens), 0)").
		Where("effective_tenant_id = ? AND token_type = ? AND created_at >= ? AND created_at < ?",
			tenant, tokenType, from, to).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("usage aggregate query failed: %w", err)
	}
	return total, nil
}

func (s *GormStore) AggregatesByTenantType(ctx context.Context, from, to time.Time) (map[AggregateKey]int64, error) {
	var rows []struct {
		EffectiveTenantID string
		TokenType         string
		Total             int64
	}
	err := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Select("effective_tenant_id, token_type, COALESCE(SUM(tokens), 0) AS total").
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("effective_tenant_id, token_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("usage aggregate scan failed: %w", err)
	}

	out := make(map[AggregateKey]int64, len(rows))
	for _, row := range rows {
		out[AggregateKey{Tenant: row.EffectiveTenantID, TokenType: row.TokenType}] = row.Total
	}
	return out, nil
}

func (s *GormStore) TenantTier(ctx context.Context, tenantID string) (*TenantTier, error) {
	var tier TenantTier
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&tier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &TenantTier{TenantID: tenantID, Tier: "free"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant tier lookup failed: %w", err)
	}
	return &tier, nil
}

func (s *GormStore) AgentOwner(ctx context.Context, agentID string) (string, error) {
	var owner AgentOwner
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrOwnerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("agent owner lookup failed: %w", err)
	}
	return owner.OwnerTenantID, nil
}
