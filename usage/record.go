// Package usage implements token accounting on top of the hierarchical
// cache and the durable store: idempotent usage records, attribution of
// cost to the owning tenant, asynchronous persistence, quota checks and
// periodic reconciliation between the fast counters and the ledger.
package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Token types accounted by the subsystem. TokenType doubles as the fast
// counter type so that reconciliation can recover it from scanned keys.
const (
	TokenTypeLLM       = "llm"
	TokenTypeInput     = "input"
	TokenTypeOutput    = "output"
	TokenTypeEmbedding = "embedding"
	TokenTypeDocument  = "document"
	TokenTypeRequest   = "request"
)

// UsageRecord is one unit of accounted consumption. EffectiveTenantID
// is the attributed payer and may differ from TenantID when the agent
// is owned by another tenant. The unique index on IdempotencyKey makes
// durable inserts at-most-once under retries.
type UsageRecord struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID          string    `gorm:"size:64;not null;index:idx_tenant_created" json:"tenant_id"`
	EffectiveTenantID string    `gorm:"size:64;not null;index:idx_effective_type" json:"effective_tenant_id"`
	AgentID           string    `gorm:"size:64" json:"agent_id,omitempty"`
	ConversationID    string    `gorm:"size:64" json:"conversation_id,omitempty"`
	CollectionID      string    `gorm:"size:64" json:"collection_id,omitempty"`
	TokenType         string    `gorm:"size:32;not null;index:idx_effective_type" json:"token_type"`
	Operation         string    `gorm:"size:64;not null" json:"operation"`
	Model             string    `gorm:"size:128" json:"model"`
	Tokens            int64     `gorm:"not null" json:"tokens"`
	Metadata          string    `gorm:"type:text" json:"metadata,omitempty"`
	IdempotencyKey    string    `gorm:"size:64;not null;uniqueIndex:idx_idempotency" json:"idempotency_key"`
	CreatedAt         time.Time `gorm:"index:idx_tenant_created" json:"created_at"`
}

// TableName maps the model onto the ledger table.
func (UsageRecord) TableName() string { return "token_usage" }

// TenantTier holds per-tenant limits. Read-only to this subsystem; the
// control plane owns writes.
type TenantTier struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	TenantID          string `gorm:"size:64;not null;uniqueIndex" json:"tenant_id"`
	Tier              string `gorm:"size:32;not null;default:free" json:"tier"`
	DailyTokenLimit   int64  `gorm:"default:0" json:"daily_token_limit"`   // 0 = unlimited
	RequestsPerMinute int64  `gorm:"default:0" json:"requests_per_minute"` // 0 = unlimited
}

func (TenantTier) TableName() string { return "tenant_tiers" }

// AgentOwner maps a shared or public agent to the tenant that pays for
// its usage.
type AgentOwner struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	AgentID       string `gorm:"size:64;not null;uniqueIndex" json:"agent_id"`
	OwnerTenantID string `gorm:"size:64;not null" json:"owner_tenant_id"`
}

func (AgentOwner) TableName() string { return "agent_owners" }

// idempotencyBucket is the granularity of derived idempotency keys.
// Retries of an identical call within one bucket coalesce into a single
// ledger row; retries across a bucket boundary produce distinct rows
// and are absorbed by the monthly audit.
const idempotencyBucket = time.Minute

// DeriveIdempotencyKey computes a deterministic key for a usage write
// from its identifying fields and a time bucket. Callers that can
// supply their own key should; derivation is the best-effort fallback.
func DeriveIdempotencyKey(tenant string, tokens int64, tokenType, operation, model, agent, conversation string, at time.Time) string {
	payload, _ := json.Marshal([]any{
		tenant, tokens, tokenType, operation, model, agent, conversation,
		at.UTC().Truncate(idempotencyBucket).Unix(),
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewRecordID returns a fresh record identifier.
func NewRecordID() string { return uuid.NewString() }

// Validate rejects records a durable insert would mangle.
func (r *UsageRecord) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("usage record missing tenant")
	}
	if r.Tokens <= 0 {
		return fmt.Errorf("usage record tokens must be positive, got %d", r.Tokens)
	}
	if r.TokenType == "" {
		return fmt.Errorf("usage record missing token type")
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("usage record missing idempotency key")
	}
	return nil
}
