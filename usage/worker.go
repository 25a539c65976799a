package usage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/tenantflow/internal/metrics"
)

// Worker is the single logical consumer of the persistence queue. It
// drains records in batches on a flush interval, inserts them into the
// durable store, and degrades stepwise on failure: batch insert, then
// per-record insert, then parking the record for the daily
// reconciliation drain. Delivery is at-least-once; the store's
// idempotency-key constraint absorbs redelivery.
type Worker struct {
	config    Config
	queue     *Queue
	store     Store
	collector *metrics.Collector
	logger    *zap.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewWorker builds the persistence worker.
func NewWorker(config Config, queue *Queue, store Store, collector *metrics.Collector, logger *zap.Logger) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Worker{
		config:    config,
		queue:     queue,
		store:     store,
		collector: collector,
		logger:    logger.With(zap.String("component", "usage_worker")),
	}
}

// Start launches the drain loop. Stop or context cancellation ends it
// after a final flush.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)
	w.group.Go(func() error {
		w.run(ctx)
		return nil
	})
	w.logger.Info("persistence worker started",
		zap.Int("batch_size", w.config.BatchSize),
		zap.Duration("flush_interval", w.config.FlushInterval))
}

// Stop ends the loop and waits for the final flush to complete.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.group != nil {
		_ = w.group.Wait()
	}
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with a detached deadline so shutdown does not
			// drop queued records.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.drainAll(flushCtx)
			cancel()
			return
		case first := <-w.queue.Chan():
			batch := append([]*UsageRecord{first}, w.queue.Dequeue(w.config.BatchSize-1)...)
			w.Flush(ctx, batch)
		case <-ticker.C:
			if batch := w.queue.Dequeue(w.config.BatchSize); len(batch) > 0 {
				w.Flush(ctx, batch)
			}
		}
	}
}

func (w *Worker) drainAll(ctx context.Context) {
	for {
		batch := w.queue.Dequeue(w.config.BatchSize)
		if len(batch) == 0 {
			return
		}
		w.Flush(ctx, batch)
	}
}

// Flush persists one batch. Exported so tests and the reconciler can
// drive the drain synchronously.
func (w *Worker) Flush(ctx context.Context, batch []*UsageRecord) {
	if len(batch) == 0 {
		return
	}

	err := w.store.InsertRecords(ctx, batch)
	if err == nil {
		w.publishDepth()
		return
	}
	w.recordFailure("batch")
	w.logger.Warn("batch insert failed, falling back to per-record",
		zap.Int("batch_size", len(batch)), zap.Error(err))

	// One bad record must not sink the batch.
	for _, rec := range batch {
		if err := w.store.InsertRecord(ctx, rec); err != nil {
			w.recordFailure("single")
			w.queue.MarkPending(rec)
			w.logger.Error("record insert failed, parked for reconciliation",
				zap.String("idempotency_key", rec.IdempotencyKey), zap.Error(err))
		}
	}
	w.publishDepth()
}

func (w *Worker) recordFailure(stage string) {
	if w.collector != nil {
		w.collector.RecordDurableWriteFailure(stage)
	}
}

func (w *Worker) publishDepth() {
	if w.collector != nil {
		w.collector.SetQueueDepth(w.queue.Depth())
	}
}
