package port

import (
	"context"

	"github.com/valerix/order-pipeline/internal/core/domain"
)

// DeductionClient is the orchestrator's view of the inventory
// deduction engine. Business rejections come back as
// domain.ErrItemNotFound or *domain.InsufficientStockError; any other
// error means the dependency did not deliver a usable answer.
type DeductionClient interface {
	Deduct(ctx context.Context, itemID string, quantity int, orderID string) (*domain.DeductionResult, error)
}

// DeductionQueue is the async work queue for orders accepted while
// the inventory dependency was unavailable.
type DeductionQueue interface {
	Publish(ctx context.Context, req domain.DeductionRequest) error

	// Fetch returns pending deduction requests. Entries stay pending
	// until acked and are redelivered to a later Fetch otherwise.
	Fetch(ctx context.Context, count int64) ([]domain.QueuedDeduction, error)

	Ack(ctx context.Context, entryID string) error
}
