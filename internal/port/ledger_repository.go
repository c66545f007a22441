package port

import (
	"context"

	"github.com/valerix/order-pipeline/internal/core/domain"
)

type LedgerRepository interface {
	// Deduct atomically checks and deducts stock for an order. A
	// retried order id returns the committed effect with Replay set
	// instead of deducting again. Returns domain.ErrItemNotFound or
	// *domain.InsufficientStockError on business rejection, with no
	// side effects.
	Deduct(ctx context.Context, itemID string, quantity int, orderID string) (*domain.DeductionResult, error)

	// GetItem returns (nil, nil) when the item does not exist.
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)

	ListItems(ctx context.Context) ([]domain.Item, error)
}
