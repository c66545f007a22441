package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valerix/order-pipeline/internal/core/domain"
)

// These tests need a MySQL with scripts/schema.sql applied. They skip
// when the database is unreachable.

func setupMySQL(t *testing.T) (*MySQLAdapter, *sql.DB) {
	t.Helper()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:password@tcp(localhost:3306)/order_pipeline?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLAdapter(db), db
}

func seedItem(t *testing.T, db *sql.DB, quantity int) string {
	t.Helper()
	itemID := "item-" + uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO inventory (item_id, item_name, quantity, reserved_quantity)
		VALUES (?, ?, ?, 0)`, itemID, "Test Item", quantity)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Exec(`DELETE FROM inventory_transactions WHERE item_id = ?`, itemID)
		db.Exec(`DELETE FROM inventory WHERE item_id = ?`, itemID)
	})
	return itemID
}

func TestMySQLDeduct(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()
	itemID := seedItem(t, db, 10)

	res, err := adapter.Deduct(ctx, itemID, 3, uuid.NewString())
	require.NoError(t, err)
	assert.True(t, res.Deducted)
	assert.False(t, res.Replay)
	assert.Equal(t, 7, res.Item.Quantity)
}

func TestMySQLDeduct_ReplaySameOrder(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()
	itemID := seedItem(t, db, 10)
	orderID := uuid.NewString()

	first, err := adapter.Deduct(ctx, itemID, 3, orderID)
	require.NoError(t, err)
	require.True(t, first.Deducted)

	second, err := adapter.Deduct(ctx, itemID, 3, orderID)
	require.NoError(t, err)
	assert.False(t, second.Deducted)
	assert.True(t, second.Replay)
	assert.Equal(t, 7, second.Item.Quantity, "stock deducted exactly once")
}

func TestMySQLDeduct_InsufficientStock(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()
	itemID := seedItem(t, db, 2)

	_, err := adapter.Deduct(ctx, itemID, 5, uuid.NewString())
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Available)
	assert.Equal(t, 5, stockErr.Requested)

	item, err := adapter.GetItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity, "rejected deduction must not touch stock")
}

func TestMySQLDeduct_UnknownItem(t *testing.T) {
	adapter, _ := setupMySQL(t)
	_, err := adapter.Deduct(context.Background(), "no-such-item", 1, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestMySQLDeduct_ConcurrentSameOrder(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()
	itemID := seedItem(t, db, 10)
	orderID := uuid.NewString()

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]*domain.DeductionResult, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = adapter.Deduct(ctx, itemID, 2, orderID)
		}(i)
	}
	wg.Wait()

	deducted := 0
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		if results[i].Deducted {
			deducted++
		} else {
			assert.True(t, results[i].Replay)
		}
	}
	assert.Equal(t, 1, deducted, "one attempt wins, the rest replay")

	item, err := adapter.GetItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 8, item.Quantity, "stock deducted exactly once")
}

func TestMySQLDeduct_ConcurrentDistinctOrders(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()
	itemID := seedItem(t, db, 5)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = adapter.Deduct(ctx, itemID, 1, uuid.NewString())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *domain.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
	}
	assert.Equal(t, 5, succeeded)

	item, err := adapter.GetItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Quantity, "stock never goes negative")
}

func newTestOrder(itemID string) domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Order{
		ID:             uuid.NewString(),
		ItemID:         itemID,
		Quantity:       1,
		Status:         domain.OrderStatusPending,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func cleanupOrder(t *testing.T, db *sql.DB, orderID string) {
	t.Cleanup(func() { db.Exec(`DELETE FROM orders WHERE order_id = ?`, orderID) })
}

func TestMySQLOrderLifecycle(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()
	order := newTestOrder("ps5")
	cleanupOrder(t, db, order.ID)

	tx, err := adapter.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertPending(ctx, order))
	require.NoError(t, tx.Finalize(ctx, order.ID, domain.OrderStatusConfirmed))
	require.NoError(t, tx.Commit())

	got, err := adapter.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.OrderStatusConfirmed, got.Status)
	assert.Equal(t, order.IdempotencyKey, got.IdempotencyKey)
}

func TestMySQLOrder_DuplicateIdempotencyKey(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()

	order := newTestOrder("ps5")
	cleanupOrder(t, db, order.ID)
	tx, err := adapter.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertPending(ctx, order))
	require.NoError(t, tx.Commit())

	dup := newTestOrder("ps5")
	dup.IdempotencyKey = order.IdempotencyKey
	cleanupOrder(t, db, dup.ID)
	tx2, err := adapter.Begin(ctx)
	require.NoError(t, err)
	err = tx2.InsertPending(ctx, dup)
	assert.True(t, errors.Is(err, domain.ErrDuplicateIdempotencyKey))
	tx2.Rollback()
}

func TestMySQLFinalizeQueued(t *testing.T) {
	adapter, db := setupMySQL(t)
	ctx := context.Background()

	order := newTestOrder("ps5")
	order.Status = domain.OrderStatusQueued
	cleanupOrder(t, db, order.ID)
	tx, err := adapter.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertPending(ctx, order))
	require.NoError(t, tx.Commit())

	require.NoError(t, adapter.FinalizeQueued(ctx, order.ID, domain.OrderStatusConfirmed))

	got, err := adapter.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, got.Status)

	// Already terminal: a second finalize is a no-op.
	require.NoError(t, adapter.FinalizeQueued(ctx, order.ID, domain.OrderStatusFailed))
	got, err = adapter.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, got.Status)
}

func TestMySQLGetOrder_Missing(t *testing.T) {
	adapter, _ := setupMySQL(t)
	got, err := adapter.GetOrder(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, got)
}
