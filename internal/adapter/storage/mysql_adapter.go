package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/port"
)

const mysqlDupEntry = 1062

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

type orderTx struct {
	tx *sql.Tx
}

func (a *MySQLAdapter) Begin(ctx context.Context) (port.OrderTx, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &orderTx{tx: tx}, nil
}

func (t *orderTx) InsertPending(ctx context.Context, order domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, item_id, quantity, status, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.ItemID, order.Quantity, order.Status,
		order.IdempotencyKey, order.CreatedAt, order.UpdatedAt,
	)
	if isDupEntry(err) {
		return domain.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *orderTx) Finalize(ctx context.Context, orderID string, status domain.OrderStatus) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = NOW(6) WHERE order_id = ?`,
		status, orderID,
	)
	if err != nil {
		return fmt.Errorf("finalize order: %w", err)
	}
	return nil
}

func (t *orderTx) Commit() error   { return t.tx.Commit() }
func (t *orderTx) Rollback() error { return t.tx.Rollback() }

func (a *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	err := a.db.QueryRowContext(ctx, `
		SELECT order_id, item_id, quantity, status, idempotency_key, created_at, updated_at
		FROM orders WHERE order_id = ?`, orderID,
	).Scan(&o.ID, &o.ItemID, &o.Quantity, &o.Status, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

func (a *MySQLAdapter) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT order_id, item_id, quantity, status, idempotency_key, created_at, updated_at
		FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.ItemID, &o.Quantity, &o.Status, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (a *MySQLAdapter) FinalizeQueued(ctx context.Context, orderID string, status domain.OrderStatus) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = NOW(6)
		WHERE order_id = ? AND status = ?`,
		status, orderID, domain.OrderStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("finalize queued order: %w", err)
	}
	return nil
}

// Deduct runs the whole check-then-deduct inside one transaction with
// the item row locked for its duration. The replay check makes the
// call safe to retry after a partition of unknown outcome: an order id
// that already has a committed deduct transaction gets the prior
// effect back instead of a second deduction.
func (a *MySQLAdapter) Deduct(ctx context.Context, itemID string, quantity int, orderID string) (*domain.DeductionResult, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT item_id FROM inventory_transactions
		WHERE order_id = ? AND transaction_type = ? LIMIT 1`,
		orderID, domain.TransactionDeduct,
	).Scan(&existing)
	switch {
	case err == nil:
		item, err := a.snapshotItem(ctx, tx, existing)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &domain.DeductionResult{Deducted: false, Replay: true, Item: *item}, nil
	case errors.Is(err, sql.ErrNoRows):
		// first attempt for this order
	default:
		return nil, fmt.Errorf("replay check: %w", err)
	}

	var item domain.Item
	err = tx.QueryRowContext(ctx, `
		SELECT item_id, item_name, quantity, reserved_quantity, updated_at
		FROM inventory WHERE item_id = ? FOR UPDATE`, itemID,
	).Scan(&item.ItemID, &item.Name, &item.Quantity, &item.Reserved, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock item: %w", err)
	}

	if item.Quantity < quantity {
		return nil, &domain.InsufficientStockError{
			ItemID:    itemID,
			Available: item.Quantity,
			Requested: quantity,
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory SET quantity = quantity - ?, updated_at = NOW(6)
		WHERE item_id = ?`, quantity, itemID)
	if err != nil {
		return nil, fmt.Errorf("deduct stock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_transactions (item_id, order_id, quantity_change, transaction_type, created_at)
		VALUES (?, ?, ?, ?, NOW(6))`,
		itemID, orderID, -quantity, domain.TransactionDeduct)
	if isDupEntry(err) {
		// A concurrent retry of the same order committed between our
		// replay check and the row lock. Roll back and report theirs.
		_ = tx.Rollback()
		return a.replaySnapshot(ctx, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	item.Quantity -= quantity
	return &domain.DeductionResult{Deducted: true, Replay: false, Item: item}, nil
}

func (a *MySQLAdapter) replaySnapshot(ctx context.Context, itemID string) (*domain.DeductionResult, error) {
	item, err := a.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrItemNotFound
	}
	return &domain.DeductionResult{Deducted: false, Replay: true, Item: *item}, nil
}

func (a *MySQLAdapter) snapshotItem(ctx context.Context, tx *sql.Tx, itemID string) (*domain.Item, error) {
	var item domain.Item
	err := tx.QueryRowContext(ctx, `
		SELECT item_id, item_name, quantity, reserved_quantity, updated_at
		FROM inventory WHERE item_id = ?`, itemID,
	).Scan(&item.ItemID, &item.Name, &item.Quantity, &item.Reserved, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return &item, nil
}

func (a *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var item domain.Item
	err := a.db.QueryRowContext(ctx, `
		SELECT item_id, item_name, quantity, reserved_quantity, updated_at
		FROM inventory WHERE item_id = ?`, itemID,
	).Scan(&item.ItemID, &item.Name, &item.Quantity, &item.Reserved, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return &item, nil
}

func (a *MySQLAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT item_id, item_name, quantity, reserved_quantity, updated_at
		FROM inventory ORDER BY item_name`)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ItemID, &item.Name, &item.Quantity, &item.Reserved, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func isDupEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDupEntry
}
