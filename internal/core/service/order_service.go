package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/breaker"
	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/obs"
	"github.com/valerix/order-pipeline/internal/port"
)

// ErrDuplicateRequest marks an idempotency key that already belongs
// to another order row. The caller sees a conflict, not a reprocess.
var ErrDuplicateRequest = errors.New("order: duplicate idempotency key")

// IsBusinessError reports whether a deduction error is a terminal
// business rejection rather than a dependency failure. Business
// rejections finalize the order as failed and never count against the
// circuit breaker.
func IsBusinessError(err error) bool {
	var stockErr *domain.InsufficientStockError
	return errors.Is(err, domain.ErrItemNotFound) || errors.As(err, &stockErr)
}

// OrderService orchestrates order submission: pending row, breaker-
// guarded deduction call, terminal transition, and the queued-order
// fallback when the inventory dependency is unavailable.
type OrderService struct {
	orders    port.OrderRepository
	queue     port.DeductionQueue
	inventory port.DeductionClient
	breaker   *breaker.Breaker
	log       *zap.Logger
	metrics   *obs.OrderMetrics
}

func NewOrderService(
	orders port.OrderRepository,
	queue port.DeductionQueue,
	inventory port.DeductionClient,
	brk *breaker.Breaker,
	log *zap.Logger,
	metrics *obs.OrderMetrics,
) *OrderService {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderService{
		orders:    orders,
		queue:     queue,
		inventory: inventory,
		breaker:   brk,
		log:       log.With(zap.String("component", "orchestrator")),
		metrics:   metrics,
	}
}

type SubmitOutcome struct {
	Order   domain.Order
	Message string
}

// Submit runs one order through the state machine. The pending row
// and its terminal status commit in the same transaction; the unique
// idempotency_key column doubles as a durable backstop against
// concurrent duplicates the cache-level guard let through.
func (s *OrderService) Submit(ctx context.Context, idempotencyKey, itemID string, quantity int) (SubmitOutcome, error) {
	start := time.Now()

	order, err := domain.NewOrder(uuid.NewString(), itemID, quantity, idempotencyKey)
	if err != nil {
		return SubmitOutcome{}, err
	}

	tx, err := s.orders.Begin(ctx)
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("begin order tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := tx.InsertPending(ctx, order); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			return SubmitOutcome{}, ErrDuplicateRequest
		}
		return SubmitOutcome{}, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("item_id", itemID),
		zap.Int("quantity", quantity))

	var result *domain.DeductionResult
	callErr := s.breaker.Do(ctx, func(cctx context.Context) error {
		r, err := s.inventory.Deduct(cctx, itemID, quantity, order.ID)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	var message string
	switch {
	case callErr == nil:
		order.Status = domain.OrderStatusConfirmed
		message = "order confirmed"
		if result != nil && result.Replay {
			s.log.Info("deduction was a replay of a committed attempt",
				zap.String("order_id", order.ID))
		}

	case IsBusinessError(callErr):
		order.Status = domain.OrderStatusFailed
		message = callErr.Error()
		s.log.Info("order rejected by inventory",
			zap.String("order_id", order.ID), zap.Error(callErr))

	default:
		// Short-circuit, timeout or transport failure: never a hard
		// failure for the client; the order is parked for retry.
		order.Status = domain.OrderStatusQueued
		message = "inventory service unavailable, order queued for processing"
		s.log.Warn("degrading to queued order",
			zap.String("order_id", order.ID), zap.Error(callErr))
	}

	if err := tx.Finalize(ctx, order.ID, order.Status); err != nil {
		return SubmitOutcome{}, fmt.Errorf("finalize order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SubmitOutcome{}, fmt.Errorf("commit order: %w", err)
	}
	committed = true

	if order.Status == domain.OrderStatusQueued {
		if err := s.queue.Publish(ctx, domain.DeductionRequest{
			OrderID:  order.ID,
			ItemID:   order.ItemID,
			Quantity: order.Quantity,
		}); err != nil {
			// The order row stays queued; the retry worker cannot see
			// it until the entry is re-published.
			s.log.Error("CRITICAL: failed to enqueue deduction for queued order",
				zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.OrdersCreated.WithLabelValues(string(order.Status)).Inc()
		s.metrics.ProcessingDuration.WithLabelValues(string(order.Status)).Observe(time.Since(start).Seconds())
	}

	return SubmitOutcome{Order: order, Message: message}, nil
}

// Lookup returns (nil, nil) when the order does not exist.
func (s *OrderService) Lookup(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.GetOrder(ctx, orderID)
}

func (s *OrderService) Recent(ctx context.Context) ([]domain.Order, error) {
	return s.orders.ListOrders(ctx, 100)
}
