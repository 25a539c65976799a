package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIdempotencyKey_Deterministic(t *testing.T) {
	at := time.Date(2026, 8, 31, 12, 30, 15, 0, time.UTC)

	k1 := DeriveIdempotencyKey("t1", 500, TokenTypeLLM, "chat", "gpt-3.5-turbo", "a1", "c1", at)
	k2 := DeriveIdempotencyKey("t1", 500, TokenTypeLLM, "chat", "gpt-3.5-turbo", "a1", "c1", at)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestDeriveIdempotencyKey_CoalescesWithinBucket(t *testing.T) {
	at := time.Date(2026, 8, 31, 12, 30, 15, 0, time.UTC)
	retry := at.Add(20 * time.Second) // same minute

	k1 := DeriveIdempotencyKey("t1", 500, TokenTypeLLM, "chat", "m", "", "", at)
	k2 := DeriveIdempotencyKey("t1", 500, TokenTypeLLM, "chat", "m", "", "", retry)
	assert.Equal(t, k1, k2, "retries within one bucket share a key")

	crossBoundary := at.Add(time.Minute)
	k3 := DeriveIdempotencyKey("t1", 500, TokenTypeLLM, "chat", "m", "", "", crossBoundary)
	assert.NotEqual(t, k1, k3, "a new bucket produces a new key")
}

func TestDeriveIdempotencyKey_DistinguishesInputs(t *testing.T) {
	at := time.Date(2026, 8, 31, 12, 30, 0, 0, time.UTC)

	base := DeriveIdempotencyKey("t1", 500, TokenTypeLLM, "chat", "m", "a1", "c1", at)
	assert.NotEqual(t, base, DeriveIdempotencyKey("t2", 500, TokenTypeLLM, "chat", "m", "a1", "c1", at))
	assert.NotEqual(t, base, DeriveIdempotencyKey("t1", 501, TokenTypeLLM, "chat", "m", "a1", "c1", at))
	assert.NotEqual(t, base, DeriveIdempotencyKey("t1", 500, TokenTypeInput, "chat", "m", "a1", "c1", at))
	assert.NotEqual(t, base, DeriveIdempotencyKey("t1", 500, TokenTypeLLM, "embed", "m", "a1", "c1", at))
}

func TestUsageRecord_Validate(t *testing.T) {
	valid := UsageRecord{
		TenantID:       "t1",
		Tokens:         100,
		TokenType:      TokenTypeLLM,
		IdempotencyKey: "k",
	}
	assert.NoError(t, valid.Validate())

	missingTenant := valid
	missingTenant.TenantID = ""
	assert.Error(t, missingTenant.Validate())

	zeroTokens := valid
	zeroTokens.Tokens = 0
	assert.Error(t, zeroTokens.Validate())

	missingKey := valid
	missingKey.IdempotencyKey = ""
	assert.Error(t, missingKey.Validate())
}
