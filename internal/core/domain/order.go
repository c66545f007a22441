package domain

import (
	"errors"
	"time"
)

var (
	ErrOrderNotFound           = errors.New("order: not found")
	ErrInvalidQuantity         = errors.New("order: quantity must be greater than zero")
	ErrInvalidItem             = errors.New("order: item id is required")
	ErrDuplicateIdempotencyKey = errors.New("order: idempotency key already used")
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusQueued    OrderStatus = "queued"
	OrderStatusFailed    OrderStatus = "failed"
)

// Order is created as pending and finalized exactly once by the
// orchestrator. Rows are never deleted.
type Order struct {
	ID             string
	ItemID         string
	Quantity       int
	Status         OrderStatus
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewOrder(id, itemID string, quantity int, idempotencyKey string) (Order, error) {
	if itemID == "" {
		return Order{}, ErrInvalidItem
	}
	if quantity <= 0 {
		return Order{}, ErrInvalidQuantity
	}

	now := time.Now().UTC()
	return Order{
		ID:             id,
		ItemID:         itemID,
		Quantity:       quantity,
		Status:         OrderStatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
