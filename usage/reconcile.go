package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/tenantflow/cache"
	"github.com/BaSui01/tenantflow/internal/alerting"
	"github.com/BaSui01/tenantflow/internal/metrics"
	"github.com/BaSui01/tenantflow/retry"
)

// Job names used in locks, metrics and reports.
const (
	JobDaily   = "daily"
	JobWeekly  = "weekly"
	JobMonthly = "monthly"
)

// ReconcilerConfig tunes the reconciliation jobs.
type ReconcilerConfig struct {
	// LockTTL bounds how long a crashed run blocks the next one.
	LockTTL time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	// ScanRatePerSecond throttles counter reads during scans so
	// reconciliation cannot starve the hot path.
	ScanRatePerSecond float64 `yaml:"scan_rate_per_second" json:"scan_rate_per_second"`
	// AuditWindow is the monthly audit's trailing comparison window.
	AuditWindow time.Duration `yaml:"audit_window" json:"audit_window"`
	// PendingAlertThreshold fires an alert when the daily drain leaves
	// more parked records than this.
	PendingAlertThreshold int `yaml:"pending_alert_threshold" json:"pending_alert_threshold"`
	// MismatchAlertThreshold fires an alert when the monthly audit
	// detects more mismatched (tenant, token_type) pairs than this.
	MismatchAlertThreshold int `yaml:"mismatch_alert_threshold" json:"mismatch_alert_threshold"`

	DailyInterval   time.Duration `yaml:"daily_interval" json:"daily_interval"`
	WeeklyInterval  time.Duration `yaml:"weekly_interval" json:"weekly_interval"`
	MonthlyInterval time.Duration `yaml:"monthly_interval" json:"monthly_interval"`
}

// DefaultReconcilerConfig returns production defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		LockTTL:                time.Hour,
		ScanRatePerSecond:      200,
		AuditWindow:            30 * 24 * time.Hour,
		PendingAlertThreshold:  100,
		MismatchAlertThreshold: 10,
		DailyInterval:          24 * time.Hour,
		WeeklyInterval:         7 * 24 * time.Hour,
		MonthlyInterval:        30 * 24 * time.Hour,
	}
}

// Report summarizes one reconciliation run.
type Report struct {
	Job        string        `json:"job"`
	Skipped    bool          `json:"skipped"`
	Processed  int           `json:"processed"`
	Mismatches int           `json:"mismatches"`
	Reconciled int           `json:"reconciled"`
	Duration   time.Duration `json:"duration"`
}

// Reconciler repairs drift between the fast counters and the durable
// ledger. Every job is idempotent at the record level: compensating
// records carry deterministic idempotency keys, so overlapping or
// re-run jobs are redundant rather than corrupting. Jobs additionally
// take a best-effort remote lock so schedules across replicas do not
// duplicate work.
type Reconciler struct {
	config    ReconcilerConfig
	cache     *cache.HierarchicalCache
	store     Store
	queue     *Queue
	retryer   retry.Retryer
	limiter   *rate.Limiter
	alerter   *alerting.Alerter
	collector *metrics.Collector
	logger    *zap.Logger
	clock     func() time.Time

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewReconciler wires the reconciliation jobs. alerter and collector
// may be nil.
func NewReconciler(config ReconcilerConfig, c *cache.HierarchicalCache, store Store, queue *Queue, alerter *alerting.Alerter, collector *metrics.Collector, logger *zap.Logger) *Reconciler {
	if config.LockTTL <= 0 {
		config = DefaultReconcilerConfig()
	}
	return &Reconciler{
		config:    config,
		cache:     c,
		store:     store,
		queue:     queue,
		retryer:   retry.NewBackoffRetryer(retry.DefaultPolicy(), logger),
		limiter:   rate.NewLimiter(rate.Limit(config.ScanRatePerSecond), 1),
		alerter:   alerter,
		collector: collector,
		logger:    logger.With(zap.String("component", "reconciler")),
		clock:     time.Now,
	}
}

// WithClock injects a clock for window math in tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// WithRetryer replaces the default backoff retryer.
func (r *Reconciler) WithRetryer(retryer retry.Retryer) *Reconciler {
	r.retryer = retryer
	return r
}

// Start launches the job schedules. Stop or context cancellation ends
// them.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)

	schedule := func(interval time.Duration, job func(context.Context) (Report, error), name string) {
		r.group.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := job(ctx); err != nil {
						r.logger.Error("reconciliation run failed",
							zap.String("job", name), zap.Error(err))
					}
				}
			}
		})
	}

	schedule(r.config.DailyInterval, r.RunDaily, JobDaily)
	schedule(r.config.WeeklyInterval, r.RunWeekly, JobWeekly)
	schedule(r.config.MonthlyInterval, r.RunMonthly, JobMonthly)
	r.logger.Info("reconciliation schedules started")
}

// Stop ends the schedules.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
}

// RunDaily retries the insert of records parked by failed immediate
// writes. Records that fail again stay parked for the next run.
func (r *Reconciler) RunDaily(ctx context.Context) (Report, error) {
	return r.locked(ctx, JobDaily, func(ctx context.Context, report *Report) error {
		parked := r.queue.DrainPending()
		report.Processed = len(parked)

		for _, rec := range parked {
			err := r.retryer.Do(ctx, func() error {
				return r.store.InsertRecord(ctx, rec)
			})
			if err != nil {
				r.queue.MarkPending(rec)
				r.logger.Warn("parked record still failing",
					zap.String("idempotency_key", rec.IdempotencyKey), zap.Error(err))
				continue
			}
			report.Reconciled++
		}

		if remaining := r.queue.PendingCount(); remaining > r.config.PendingAlertThreshold {
			r.alert("pending usage records over threshold",
				fmt.Sprintf("%d usage records remain unpersisted after daily drain", remaining),
				alerting.LevelCritical, map[string]any{
					"pending":   remaining,
					"threshold": r.config.PendingAlertThreshold,
				})
		}
		return nil
	})
}

// RunWeekly scans every fast counter and writes one consolidated
// ledger record per non-zero counter. The counters are not reset; they
// remain the live rate-limit source and expire on their own TTL.
func (r *Reconciler) RunWeekly(ctx context.Context) (Report, error) {
	return r.locked(ctx, JobWeekly, func(ctx context.Context, report *Report) error {
		keys, err := r.cache.Remote().ScanKeys(ctx, cache.CounterScanPattern(""))
		if err != nil {
			return fmt.Errorf("counter scan failed: %w", err)
		}

		weekStart := r.clock().UTC().Truncate(24 * time.Hour)
		for _, key := range keys {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			counterType, resourceID, sc, err := cache.ParseCounterKey(key)
			if err != nil {
				r.logger.Warn("unparseable counter key skipped", zap.String("key", key))
				continue
			}
			value, err := r.cache.Remote().GetInt64(ctx, key)
			if err != nil || value <= 0 {
				continue
			}
			report.Processed++

			rec := &UsageRecord{
				ID:                NewRecordID(),
				TenantID:          sc.Tenant,
				EffectiveTenantID: sc.Tenant,
				TokenType:         counterType,
				Operation:         "consolidated",
				Tokens:            value,
				Metadata:          marshalMetadata(map[string]any{"counter_window": resourceID}),
				IdempotencyKey:    reconciliationKey("consolidated", key, value, weekStart.Unix()),
				CreatedAt:         r.clock(),
			}
			err = r.retryer.Do(ctx, func() error {
				return r.store.InsertRecord(ctx, rec)
			})
			if err != nil {
				r.logger.Warn("consolidated record insert failed",
					zap.String("counter_key", key), zap.Error(err))
				continue
			}
			report.Reconciled++
		}
		return nil
	})
}

// RunMonthly audits a trailing window: it sums the fast counters per
// (tenant, token type), compares against durable aggregates for the
// same window, and writes one compensating record per pair where the
// fast tier shows more usage. The opposite direction is expected (fast
// counters expire independently) and is never corrected.
func (r *Reconciler) RunMonthly(ctx context.Context) (Report, error) {
	return r.locked(ctx, JobMonthly, func(ctx context.Context, report *Report) error {
		now := r.clock().UTC()
		to := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		from := to.Add(-r.config.AuditWindow)

		fast, err := r.sumFastCounters(ctx, from, to)
		if err != nil {
			return err
		}
		durable, err := r.store.AggregatesByTenantType(ctx, from, to)
		if err != nil {
			return fmt.Errorf("durable aggregate query failed: %w", err)
		}

		report.Processed = len(fast)
		for key, fastTotal := range fast {
			delta := fastTotal - durable[key]
			if delta <= 0 {
				continue
			}
			report.Mismatches++

			rec := &UsageRecord{
				ID:                NewRecordID(),
				TenantID:          key.Tenant,
				EffectiveTenantID: key.Tenant,
				TokenType:         key.TokenType,
				Operation:         "audit_compensation",
				Tokens:            delta,
				Metadata: marshalMetadata(map[string]any{
					"window_from":   from.Format(time.RFC3339),
					"window_to":     to.Format(time.RFC3339),
					"fast_total":    fastTotal,
					"durable_total": durable[key],
				}),
				IdempotencyKey: reconciliationKey("audit", key.Tenant, key.TokenType, from.Unix(), to.Unix(), delta),
				CreatedAt:      now,
			}
			err := r.retryer.Do(ctx, func() error {
				return r.store.InsertRecord(ctx, rec)
			})
			if err != nil {
				r.logger.Warn("compensating record insert failed",
					zap.String("tenant", key.Tenant),
					zap.String("token_type", key.TokenType), zap.Error(err))
				continue
			}
			report.Reconciled++
			r.logger.Info("usage drift compensated",
				zap.String("tenant", key.Tenant),
				zap.String("token_type", key.TokenType),
				zap.Int64("delta", delta))
		}

		if report.Mismatches > r.config.MismatchAlertThreshold {
			r.alert("usage audit mismatch volume",
				fmt.Sprintf("monthly audit found %d mismatched tenant/type pairs", report.Mismatches),
				alerting.LevelWarning, map[string]any{
					"mismatches": report.Mismatches,
					"threshold":  r.config.MismatchAlertThreshold,
				})
		}
		return nil
	})
}

// sumFastCounters aggregates counter values per (tenant, token type)
// for windows whose day bucket falls inside [from, to).
func (r *Reconciler) sumFastCounters(ctx context.Context, from, to time.Time) (map[AggregateKey]int64, error) {
	keys, err := r.cache.Remote().ScanKeys(ctx, cache.CounterScanPattern(""))
	if err != nil {
		return nil, fmt.Errorf("counter scan failed: %w", err)
	}

	out := make(map[AggregateKey]int64)
	for _, key := range keys {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		counterType, resourceID, sc, err := cache.ParseCounterKey(key)
		if err != nil {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", resourceID, time.UTC)
		if err != nil {
			// Not a day-bucketed counter (e.g. per-minute rate counters).
			continue
		}
		if day.Before(from) || !day.Before(to) {
			continue
		}
		value, err := r.cache.Remote().GetInt64(ctx, key)
		if err != nil || value <= 0 {
			continue
		}
		out[AggregateKey{Tenant: sc.Tenant, TokenType: counterType}] += value
	}
	return out, nil
}

// locked runs a job body under a best-effort remote lock and emits the
// run's metrics. A held lock skips the run.
func (r *Reconciler) locked(ctx context.Context, job string, body func(context.Context, *Report) error) (Report, error) {
	start := r.clock()
	report := Report{Job: job}

	lockKey := "tf:lock:reconcile:" + job
	acquired, err := r.cache.Remote().SetNX(ctx, lockKey, []byte("1"), r.config.LockTTL)
	if err != nil {
		r.logger.Warn("reconciliation lock unavailable, proceeding unguarded",
			zap.String("job", job), zap.Error(err))
	} else if !acquired {
		report.Skipped = true
		r.logger.Info("reconciliation already running elsewhere, skipped",
			zap.String("job", job))
		return report, nil
	}
	if acquired {
		defer func() { _ = r.cache.Remote().Delete(context.Background(), lockKey) }()
	}

	runErr := body(ctx, &report)
	report.Duration = time.Since(start)

	status := "ok"
	if runErr != nil {
		status = "error"
	}
	if r.collector != nil {
		r.collector.RecordReconciliation(job, status, report.Processed, report.Mismatches, report.Reconciled, report.Duration)
	}
	r.logger.Info("reconciliation run finished",
		zap.String("job", job),
		zap.String("status", status),
		zap.Int("processed", report.Processed),
		zap.Int("mismatches", report.Mismatches),
		zap.Int("reconciled", report.Reconciled),
		zap.Duration("duration", report.Duration))
	return report, runErr
}

func (r *Reconciler) alert(title, message string, level alerting.Level, metadata map[string]any) {
	if r.alerter != nil {
		r.alerter.Register(title, message, level, "reconciler", metadata)
	}
}

// reconciliationKey derives a deterministic idempotency key for a
// compensating record so re-run jobs upsert instead of double-count.
func reconciliationKey(parts ...any) string {
	payload, _ := json.Marshal(parts)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
