package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/obs"
	"github.com/valerix/order-pipeline/internal/port"
)

// InventoryService hosts the deduction engine: it validates inputs at
// the boundary and delegates the atomic check-then-deduct to the
// ledger.
type InventoryService struct {
	ledger  port.LedgerRepository
	log     *zap.Logger
	metrics *obs.InventoryMetrics
}

func NewInventoryService(ledger port.LedgerRepository, log *zap.Logger, metrics *obs.InventoryMetrics) *InventoryService {
	if log == nil {
		log = zap.NewNop()
	}
	return &InventoryService{
		ledger:  ledger,
		log:     log.With(zap.String("component", "deduction-engine")),
		metrics: metrics,
	}
}

func (s *InventoryService) Deduct(ctx context.Context, itemID string, quantity int, orderID string) (*domain.DeductionResult, error) {
	if itemID == "" {
		return nil, domain.ErrItemNotFound
	}
	if quantity <= 0 {
		return nil, domain.ErrInvalidDeduction
	}
	if orderID == "" {
		// Without an order reference a retry cannot be matched to its
		// committed effect, so the call is not replay-safe.
		return nil, domain.ErrMissingOrderRef
	}

	start := time.Now()
	res, err := s.ledger.Deduct(ctx, itemID, quantity, orderID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.UpdateDuration.WithLabelValues("deduct_error").Observe(time.Since(start).Seconds())
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.UpdateDuration.WithLabelValues("deduct").Observe(time.Since(start).Seconds())
		s.metrics.StockLevel.WithLabelValues(res.Item.ItemID).Set(float64(res.Item.Quantity))
		if res.Deducted {
			s.metrics.Transactions.WithLabelValues(string(domain.TransactionDeduct)).Inc()
		}
	}

	if res.Replay {
		s.log.Info("replayed committed deduction",
			zap.String("order_id", orderID),
			zap.String("item_id", res.Item.ItemID),
			zap.Int("remaining", res.Item.Quantity))
	} else {
		s.log.Info("stock deducted",
			zap.String("order_id", orderID),
			zap.String("item_id", itemID),
			zap.Int("quantity", quantity),
			zap.Int("remaining", res.Item.Quantity))
	}
	return res, nil
}

// GetItem returns (nil, nil) when the item does not exist.
func (s *InventoryService) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	return s.ledger.GetItem(ctx, itemID)
}

func (s *InventoryService) ListItems(ctx context.Context) ([]domain.Item, error) {
	items, err := s.ledger.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		for _, item := range items {
			s.metrics.StockLevel.WithLabelValues(item.ItemID).Set(float64(item.Quantity))
		}
	}
	return items, nil
}
