package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrItemNotFound     = errors.New("inventory: item not found")
	ErrMissingOrderRef  = errors.New("inventory: order reference is required")
	ErrInvalidDeduction = errors.New("inventory: quantity must be greater than zero")
)

// InsufficientStockError is a terminal business rejection. It never
// trips the circuit breaker and is safe to cache under the
// idempotency key.
type InsufficientStockError struct {
	ItemID    string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: only %d units of %s available, requested %d",
		e.Available, e.ItemID, e.Requested)
}

type TransactionType string

const (
	TransactionDeduct  TransactionType = "deduct"
	TransactionRestock TransactionType = "restock"
)

// Item quantity never goes negative; the check-then-deduct runs under
// an exclusive row lock inside the ledger transaction.
type Item struct {
	ItemID    string
	Name      string
	Quantity  int
	Reserved  int
	UpdatedAt time.Time
}

// Transaction is the append-only ledger record. At most one deduct
// transaction exists per order id, enforced by a uniqueness
// constraint; that row is the replay-detection key.
type Transaction struct {
	ID             int64
	ItemID         string
	OrderID        string
	QuantityChange int
	Type           TransactionType
	CreatedAt      time.Time
}

// DeductionResult reports the outcome of a deduction attempt. Replay
// is set when the order id already has a committed deduct transaction
// and the call returned the prior effect instead of reapplying it.
type DeductionResult struct {
	Deducted bool
	Replay   bool
	Item     Item
}

// DeductionRequest is a queued retry of a deduction that could not be
// attempted while the inventory dependency was unavailable.
type DeductionRequest struct {
	OrderID  string
	ItemID   string
	Quantity int
}

// QueuedDeduction is a DeductionRequest with its stream entry id,
// used to ack the entry once the order reaches a terminal state.
type QueuedDeduction struct {
	EntryID string
	DeductionRequest
}
