package port

import (
	"context"

	"github.com/valerix/order-pipeline/internal/core/domain"
)

// OrderTx scopes a single order submission. The pending row and its
// terminal status are committed together so a crash mid-flight leaves
// no order behind.
type OrderTx interface {
	// InsertPending persists the pending order. Returns
	// domain.ErrDuplicateIdempotencyKey when the idempotency key is
	// already taken by another order.
	InsertPending(ctx context.Context, order domain.Order) error

	// Finalize moves the order to a terminal status.
	Finalize(ctx context.Context, orderID string, status domain.OrderStatus) error

	Commit() error
	Rollback() error
}

type OrderRepository interface {
	Begin(ctx context.Context) (OrderTx, error)

	// GetOrder returns (nil, nil) when no order exists with the id.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// ListOrders returns the most recent orders, newest first.
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)

	// FinalizeQueued moves a queued order to a terminal status.
	// Orders already past queued are left untouched.
	FinalizeQueued(ctx context.Context, orderID string, status domain.OrderStatus) error
}
