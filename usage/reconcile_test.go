package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/internal/alerting"
	"github.com/BaSui01/tenantflow/retry"
	"github.com/BaSui01/tenantflow/scope"
)

func setupReconciler(t *testing.T) (*miniredis.Miniredis, *cache.HierarchicalCache, *mockStore, *Queue, *Reconciler) {
	mr, c := newTestCache(t)
	store := newMockStore()
	queue := NewQueue(64)

	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	r := NewReconciler(DefaultReconcilerConfig(), c, store, queue, nil, nil, zap.NewNop()).
		WithClock(func() time.Time { return now }).
		WithRetryer(fastRetryer())
	return mr, c, store, queue, r
}

func fastRetryer() retry.Retryer {
	return retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
	}, zap.NewNop())
}

func TestReconciler_MonthlyAuditConverges(t *testing.T) {
	_, c, store, _, r := setupReconciler(t)
	ctx := context.Background()

	// Fast tier shows 1000 for (t1, llm); the ledger only has 400.
	_, err := c.IncrementCounter(ctx, TokenTypeLLM, "2026-08-31", scope.Scope{Tenant: "t1"}, 1000, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.InsertRecord(ctx, testRecord("existing", 400)))

	report, err := r.RunMonthly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Mismatches)
	assert.Equal(t, 1, report.Reconciled)

	aggs, err := store.AggregatesByTenantType(ctx,
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), aggs[AggregateKey{Tenant: "t1", TokenType: TokenTypeLLM}],
		"exactly one compensating record of the 600 delta")

	// With the clock unchanged, a second run finds no drift.
	report, err = r.RunMonthly(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Mismatches)
	assert.Zero(t, report.Reconciled)
}

func TestReconciler_MonthlyNeverCorrectsDurableSurplus(t *testing.T) {
	_, c, store, _, r := setupReconciler(t)
	ctx := context.Background()

	// Durable 900 vs fast 100: expected direction, left alone.
	_, err := c.IncrementCounter(ctx, TokenTypeLLM, "2026-08-31", scope.Scope{Tenant: "t1"}, 100, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.InsertRecord(ctx, testRecord("existing", 900)))

	report, err := r.RunMonthly(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Mismatches)
	assert.Equal(t, 1, store.recordCount(), "no compensating record written")
}

func TestReconciler_WeeklyConsolidation(t *testing.T) {
	_, c, store, _, r := setupReconciler(t)
	ctx := context.Background()

	_, err := c.IncrementCounter(ctx, TokenTypeLLM, "2026-08-30", scope.Scope{Tenant: "t1"}, 300, time.Hour)
	require.NoError(t, err)
	_, err = c.IncrementCounter(ctx, TokenTypeEmbedding, "2026-08-30", scope.Scope{Tenant: "t2"}, 40, time.Hour)
	require.NoError(t, err)

	report, err := r.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Reconciled)
	assert.Equal(t, 2, store.recordCount())

	// Re-running with unchanged counters writes nothing new: the
	// derived idempotency keys collide on purpose.
	report, err = r.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reconciled)
	assert.Equal(t, 2, store.recordCount())
}

func TestReconciler_DailyDrainsPending(t *testing.T) {
	_, _, store, queue, r := setupReconciler(t)
	ctx := context.Background()

	queue.MarkPending(testRecord("p1", 100))
	queue.MarkPending(testRecord("p2", 200))

	report, err := r.RunDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Reconciled)
	assert.Equal(t, 2, store.recordCount())
	assert.Zero(t, queue.PendingCount())
}

func TestReconciler_DailyKeepsFailingRecordsParked(t *testing.T) {
	_, c, store, queue, _ := setupReconciler(t)
	store.failSingle = func(rec *UsageRecord) bool { return rec.IdempotencyKey == "stuck" }

	var alerts []alerting.Alert
	alerter := alerting.NewAlerter(zap.NewNop())
	alerter.AddHandler(func(a alerting.Alert) { alerts = append(alerts, a) })

	cfg := DefaultReconcilerConfig()
	cfg.PendingAlertThreshold = 0
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	r := NewReconciler(cfg, c, store, queue, alerter, nil, zap.NewNop()).
		WithClock(func() time.Time { return now }).
		WithRetryer(fastRetryer())

	queue.MarkPending(testRecord("stuck", 100))

	report, err := r.RunDaily(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reconciled)
	assert.Equal(t, 1, queue.PendingCount(), "still parked for the next run")
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.LevelCritical, alerts[0].Level)
}

func TestReconciler_LockSkipsConcurrentRun(t *testing.T) {
	_, c, _, _, r := setupReconciler(t)
	ctx := context.Background()

	held, err := c.Remote().SetNX(ctx, "tf:lock:reconcile:monthly", []byte("1"), time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	report, err := r.RunMonthly(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}
