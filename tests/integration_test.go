package tests

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/adapter/client"
	"github.com/valerix/order-pipeline/internal/adapter/handler"
	"github.com/valerix/order-pipeline/internal/adapter/storage"
	"github.com/valerix/order-pipeline/internal/breaker"
	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/core/service"
	"github.com/valerix/order-pipeline/internal/idempotency"
	"github.com/valerix/order-pipeline/internal/worker"
)

// End-to-end tests over real MySQL and Redis, with both services wired
// the way the binaries wire them. Skipped when either backend is
// unreachable; the schema from scripts/schema.sql must be applied.

type testEnv struct {
	mysql *sql.DB
	redis *redis.Client
	db    *storage.MySQLAdapter
	cache *storage.RedisAdapter

	inventorySrv *httptest.Server
	orderSrv     *httptest.Server
	breaker      *breaker.Breaker

	itemID string
}

func setupEnv(t *testing.T, initialStock int) *testEnv {
	t.Helper()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:password@tcp(localhost:3306)/order_pipeline?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	env := &testEnv{
		mysql: db,
		redis: rdb,
		db:    storage.NewMySQLAdapter(db),
		cache: storage.NewRedisAdapter(rdb, "itest-"+uuid.NewString()),
	}

	// Seed a private item so parallel runs do not collide.
	env.itemID = "item-" + uuid.NewString()
	_, err = db.Exec(`
		INSERT INTO inventory (item_id, item_name, quantity, reserved_quantity)
		VALUES (?, 'Integration Test Item', ?, 0)`, env.itemID, initialStock)
	require.NoError(t, err)

	require.NoError(t, env.cache.EnsureGroup(context.Background()))

	// Inventory service end.
	invService := service.NewInventoryService(env.db, zap.NewNop(), nil)
	invMux := http.NewServeMux()
	handler.NewInventoryHandler(invService, nil, zap.NewNop()).Register(invMux)
	env.inventorySrv = httptest.NewServer(invMux)

	// Order service end.
	env.breaker = breaker.New(breaker.Settings{
		Name:             "inventory-service",
		CallTimeout:      2 * time.Second,
		Window:           10 * time.Second,
		FailureThreshold: 50,
		MinRequests:      2,
		CoolDown:         10 * time.Second,
		IsSuccessful: func(err error) bool {
			return err == nil || service.IsBusinessError(err)
		},
	})
	inv := client.New(env.inventorySrv.URL, 3*time.Second)
	orderService := service.NewOrderService(env.db, env.cache, inv, env.breaker, zap.NewNop(), nil)
	guard := idempotency.NewGuard(idempotency.Settings{Store: env.cache})
	orderMux := http.NewServeMux()
	handler.NewOrderHandler(orderService, guard, zap.NewNop()).Register(orderMux)
	env.orderSrv = httptest.NewServer(orderMux)

	t.Cleanup(func() {
		env.orderSrv.Close()
		env.inventorySrv.Close()
		db.Exec(`DELETE FROM orders WHERE item_id = ?`, env.itemID)
		db.Exec(`DELETE FROM inventory_transactions WHERE item_id = ?`, env.itemID)
		db.Exec(`DELETE FROM inventory WHERE item_id = ?`, env.itemID)
		db.Close()
		rdb.Close()
	})
	return env
}

type orderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   struct {
		OrderID  string `json:"order_id"`
		ItemID   string `json:"item_id"`
		Quantity int    `json:"quantity"`
		Status   string `json:"status"`
	} `json:"order"`
}

func (e *testEnv) submitOrder(t *testing.T, key string, quantity int) (*http.Response, orderResponse) {
	t.Helper()
	body := fmt.Sprintf(`{"item_id":%q,"quantity":%d}`, e.itemID, quantity)
	req, err := http.NewRequest(http.MethodPost, e.orderSrv.URL+"/api/orders", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	var parsed orderResponse
	json.Unmarshal(raw, &parsed)
	return resp, parsed
}

func (e *testEnv) stock(t *testing.T) int {
	t.Helper()
	item, err := e.db.GetItem(context.Background(), e.itemID)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item.Quantity
}

func TestHappyPath(t *testing.T) {
	env := setupEnv(t, 10)

	resp, parsed := env.submitOrder(t, uuid.NewString(), 3)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "confirmed", parsed.Order.Status)
	assert.Equal(t, 7, env.stock(t))

	order, err := env.db.GetOrder(context.Background(), parsed.Order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestInsufficientStock(t *testing.T) {
	env := setupEnv(t, 2)

	resp, parsed := env.submitOrder(t, uuid.NewString(), 5)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "failed", parsed.Order.Status)
	assert.Equal(t, 2, env.stock(t), "rejected order must not touch stock")
}

func TestIdempotentRetry(t *testing.T) {
	env := setupEnv(t, 10)
	key := uuid.NewString()

	first, firstParsed := env.submitOrder(t, key, 3)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	for i := 0; i < 3; i++ {
		resp, parsed := env.submitOrder(t, key, 3)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, firstParsed.Order.OrderID, parsed.Order.OrderID,
			"replay must return the original order")
	}
	assert.Equal(t, 7, env.stock(t), "stock deducted exactly once")

	orders, err := env.db.ListOrders(context.Background(), 1000)
	require.NoError(t, err)
	count := 0
	for _, o := range orders {
		if o.ItemID == env.itemID {
			count++
		}
	}
	assert.Equal(t, 1, count, "one order row for four requests")
}

func TestOutageQueuesAndRetrierRecovers(t *testing.T) {
	env := setupEnv(t, 10)

	// Kill the inventory service: deduction calls now fail at the
	// transport level.
	env.inventorySrv.Close()

	resp, parsed := env.submitOrder(t, uuid.NewString(), 3)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", parsed.Order.Status)
	assert.Equal(t, 10, env.stock(t), "no deduction while the dependency is down")

	// Bring a replacement up on a fresh address and point a retrier at
	// it. The queued entry was published with the order id, so the
	// retry deducts and confirms.
	invService := service.NewInventoryService(env.db, zap.NewNop(), nil)
	invMux := http.NewServeMux()
	handler.NewInventoryHandler(invService, nil, zap.NewNop()).Register(invMux)
	replacement := httptest.NewServer(invMux)
	defer replacement.Close()

	retrier := worker.NewRetrier(worker.Settings{
		Queue:       env.cache,
		Orders:      env.db,
		Inventory:   client.New(replacement.URL, 3*time.Second),
		CallTimeout: 2 * time.Second,
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		retrier.DrainOnce(context.Background())
		order, err := env.db.GetOrder(context.Background(), parsed.Order.OrderID)
		require.NoError(t, err)
		if order != nil && order.Status == domain.OrderStatusConfirmed {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	order, err := env.db.GetOrder(context.Background(), parsed.Order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
	assert.Equal(t, 7, env.stock(t))
}

func TestBreakerShortCircuitsAfterFailures(t *testing.T) {
	env := setupEnv(t, 100)
	env.inventorySrv.Close()

	// Enough failures to trip the breaker.
	for i := 0; i < 3; i++ {
		resp, _ := env.submitOrder(t, uuid.NewString(), 1)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	assert.Equal(t, breaker.StateOpen, env.breaker.State())

	// Short-circuited submissions still queue immediately.
	start := time.Now()
	resp, parsed := env.submitOrder(t, uuid.NewString(), 1)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", parsed.Order.Status)
	assert.Less(t, time.Since(start), time.Second, "open breaker must fail fast")
}

func TestLostResponseResolvesViaReplay(t *testing.T) {
	env := setupEnv(t, 10)
	ctx := context.Background()
	orderID := uuid.NewString()

	// The deduction commits but the response never reaches the
	// caller. The retry of the same order must not deduct twice.
	first, err := env.db.Deduct(ctx, env.itemID, 3, orderID)
	require.NoError(t, err)
	require.True(t, first.Deducted)

	inv := client.New(env.inventorySrv.URL, 3*time.Second)
	second, err := inv.Deduct(ctx, env.itemID, 3, orderID)
	require.NoError(t, err)
	assert.False(t, second.Deducted)
	assert.True(t, second.Replay)
	assert.Equal(t, 7, second.Item.Quantity)
	assert.Equal(t, 7, env.stock(t), "stock deducted exactly once")
}
