package usage

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/scope"
	"github.com/BaSui01/tenantflow/types"
)

// Config tunes the accounting pipeline.
type Config struct {
	// Enabled turns tracking off globally when false.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// QueueCapacity bounds the persistence queue channel.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	// BatchSize is the worker's per-drain insert batch.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// FlushInterval caps how long a record waits before persistence.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	// CounterTTL is the fast counter accumulation window. It must
	// outlive the monthly audit's trailing window.
	CounterTTL time.Duration `yaml:"counter_ttl" json:"counter_ttl"`
	// PendingAlertThreshold fires an alert when the daily job finds
	// more parked records than this.
	PendingAlertThreshold int `yaml:"pending_alert_threshold" json:"pending_alert_threshold"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		QueueCapacity:         4096,
		BatchSize:             100,
		FlushInterval:         5 * time.Second,
		CounterTTL:            40 * 24 * time.Hour,
		PendingAlertThreshold: 100,
	}
}

// RecordInput describes one usage event.
type RecordInput struct {
	// Scope overrides the scope carried on the context when non-zero.
	Scope     scope.Scope
	Tokens    int64
	TokenType string
	Operation string
	Model     string
	Metadata  map[string]any
	// IdempotencyKey is caller-supplied when the caller can retry;
	// empty means derive one from the input and a time bucket.
	IdempotencyKey string
}

// Tracker is the hot-path entry point for usage accounting. Record
// performs two independent writes per event: an atomic fast-counter
// increment for quota checks, and a queue enqueue for durable
// persistence. Neither write is rolled back when the other fails;
// over-counting is repaired by reconciliation, silent loss is not.
type Tracker struct {
	config    Config
	cache     *cache.HierarchicalCache
	queue     *Queue
	resolver  *AttributionResolver
	collector *metrics.Collector
	logger    *zap.Logger
	clock     func() time.Time
}

// NewTracker wires the accounting pipeline entry point.
func NewTracker(config Config, c *cache.HierarchicalCache, queue *Queue, resolver *AttributionResolver, collector *metrics.Collector, logger *zap.Logger) *Tracker {
	if config.QueueCapacity <= 0 {
		config = DefaultConfig()
	}
	return &Tracker{
		config:    config,
		cache:     c,
		queue:     queue,
		resolver:  resolver,
		collector: collector,
		logger:    logger.With(zap.String("component", "usage_tracker")),
		clock:     time.Now,
	}
}

// WithClock injects a clock; tests use it to pin counter windows and
// idempotency buckets.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Record accounts one usage event. Zero or negative token counts and
// disabled tracking are silent no-ops. The only error surfaced to the
// caller is a scope validation failure; every storage failure degrades
// to logging plus queueing for reconciliation.
func (t *Tracker) Record(ctx context.Context, in RecordInput) error {
	if !t.config.Enabled || in.Tokens <= 0 {
		return nil
	}

	sc := in.Scope
	if sc.IsZero() {
		sc = scope.Current(ctx)
	}
	if !sc.HasTenant() {
		return types.NewError(types.ErrScope, "usage recording requires a tenant").
			WithHTTPStatus(400).
			WithMetadata("operation", in.Operation)
	}

	effective := sc.Tenant
	if t.resolver != nil {
		effective = t.resolver.ResolveOwner(ctx, sc.Tenant, sc.Agent, sc.Conversation)
	}

	now := t.clock()
	key := in.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(effective, in.Tokens, in.TokenType, in.Operation, in.Model, sc.Agent, sc.Conversation, now)
	}

	rec := &UsageRecord{
		ID:                NewRecordID(),
		TenantID:          sc.Tenant,
		EffectiveTenantID: effective,
		AgentID:           sc.Agent,
		ConversationID:    sc.Conversation,
		CollectionID:      sc.Collection,
		TokenType:         in.TokenType,
		Operation:         in.Operation,
		Model:             in.Model,
		Tokens:            in.Tokens,
		Metadata:          marshalMetadata(in.Metadata),
		IdempotencyKey:    key,
		CreatedAt:         now,
	}

	// Write (a): fast counter under the payer's tenant. Failure here is
	// tolerable because the durable path below still records the usage.
	counterScope := scope.Scope{Tenant: effective}
	if _, err := t.cache.IncrementCounter(ctx, in.TokenType, dayBucket(now), counterScope, in.Tokens, t.config.CounterTTL); err != nil {
		t.logger.Warn("fast counter increment failed",
			zap.String("tenant", effective),
			zap.String("token_type", in.TokenType),
			zap.Error(err))
	}

	// Write (b): durable persistence via the queue.
	outcome := "queued"
	if !t.queue.Enqueue(rec) {
		outcome = "pending"
		t.logger.Warn("persistence queue full, record parked",
			zap.String("tenant", effective),
			zap.String("idempotency_key", key))
	}

	if t.collector != nil {
		t.collector.RecordTokens(effective, in.TokenType, in.Operation, in.Model, in.Tokens)
		t.collector.RecordUsageOutcome(effective, outcome)
		t.collector.SetQueueDepth(t.queue.Depth())
	}
	return nil
}

// CurrentUsage reads the payer's fast counter for today's window.
func (t *Tracker) CurrentUsage(ctx context.Context, tenant, tokenType string) (int64, error) {
	return t.cache.GetCounter(ctx, tokenType, dayBucket(t.clock()), scope.Scope{Tenant: tenant})
}

// Queue exposes the persistence queue to the worker and reconciler.
func (t *Tracker) Queue() *Queue {
	return t.queue
}

// dayBucket is the fast counter's resource id: one counter per payer,
// token type and UTC day.
func dayBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func marshalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
