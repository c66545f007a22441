// Package worker drains the queued-deduction stream: orders accepted
// while the inventory dependency was down are retried until they
// reach a terminal state.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/core/service"
	"github.com/valerix/order-pipeline/internal/obs"
	"github.com/valerix/order-pipeline/internal/port"
)

const (
	defaultInterval    = 5 * time.Second
	defaultBatchSize   = 10
	defaultCallTimeout = 5 * time.Second
)

type Settings struct {
	Queue     port.DeductionQueue
	Orders    port.OrderRepository
	Inventory port.DeductionClient
	Logger    *zap.Logger
	Metrics   *obs.OrderMetrics

	// Interval is the pause between drain passes when the stream is
	// empty or the dependency is still down.
	Interval time.Duration

	// BatchSize caps the entries claimed per pass.
	BatchSize int64

	// CallTimeout bounds each deduction attempt.
	CallTimeout time.Duration
}

// Retrier replays queued deductions against the inventory service.
// Entries are acked only once the order is terminal, so a crash
// between deduction and ack is resolved by the engine's replay check
// on the next delivery.
type Retrier struct {
	queue       port.DeductionQueue
	orders      port.OrderRepository
	inventory   port.DeductionClient
	log         *zap.Logger
	metrics     *obs.OrderMetrics
	interval    time.Duration
	batchSize   int64
	callTimeout time.Duration
}

func NewRetrier(s Settings) *Retrier {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Interval <= 0 {
		s.Interval = defaultInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = defaultCallTimeout
	}
	return &Retrier{
		queue:       s.Queue,
		orders:      s.Orders,
		inventory:   s.Inventory,
		log:         s.Logger.With(zap.String("component", "requeue")),
		metrics:     s.Metrics,
		interval:    s.Interval,
		batchSize:   s.BatchSize,
		callTimeout: s.CallTimeout,
	}
}

// Run drains the stream until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) {
	r.log.Info("queued-order retrier started",
		zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("queued-order retrier stopped")
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce claims and processes a single batch without waiting for
// the ticker. Useful when a caller knows the dependency just came
// back.
func (r *Retrier) DrainOnce(ctx context.Context) {
	r.drain(ctx)
}

// drain claims one batch and processes it. On a dependency failure it
// stops early: the remaining entries would fail the same way, and
// they stay pending for the next pass.
func (r *Retrier) drain(ctx context.Context) {
	entries, err := r.queue.Fetch(ctx, r.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("failed to fetch queued deductions", zap.Error(err))
		}
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !r.process(ctx, entry) {
			return
		}
	}
}

// process retries one queued deduction. Returns false when the
// dependency is still unavailable and the pass should stop.
func (r *Retrier) process(ctx context.Context, entry domain.QueuedDeduction) bool {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	res, err := r.inventory.Deduct(cctx, entry.ItemID, entry.Quantity, entry.OrderID)
	cancel()

	switch {
	case err == nil:
		if res.Replay {
			// The original attempt did commit; the response just
			// never made it back.
			r.log.Info("queued deduction was already committed",
				zap.String("order_id", entry.OrderID))
		}
		r.finalize(ctx, entry, domain.OrderStatusConfirmed, "confirmed")

	case service.IsBusinessError(err):
		// Stock ran out (or the item vanished) while the order sat in
		// the queue. Terminal: retrying cannot help.
		r.log.Info("queued order rejected by inventory",
			zap.String("order_id", entry.OrderID), zap.Error(err))
		r.finalize(ctx, entry, domain.OrderStatusFailed, "failed")

	default:
		r.count("retry_later")
		r.log.Warn("inventory still unavailable, leaving order queued",
			zap.String("order_id", entry.OrderID), zap.Error(err))
		return false
	}
	return true
}

func (r *Retrier) finalize(ctx context.Context, entry domain.QueuedDeduction, status domain.OrderStatus, outcome string) {
	if err := r.orders.FinalizeQueued(ctx, entry.OrderID, status); err != nil {
		// Leave the entry unacked; the next delivery lands in the
		// engine's replay branch and finalization is retried.
		r.count("finalize_error")
		r.log.Error("failed to finalize queued order",
			zap.String("order_id", entry.OrderID), zap.Error(err))
		return
	}
	if err := r.queue.Ack(ctx, entry.EntryID); err != nil {
		r.log.Warn("failed to ack queue entry",
			zap.String("entry_id", entry.EntryID), zap.Error(err))
		return
	}
	r.count(outcome)
	r.log.Info("queued order finalized",
		zap.String("order_id", entry.OrderID),
		zap.String("status", string(status)))
}

func (r *Retrier) count(outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.QueueRetries.WithLabelValues(outcome).Inc()
}
