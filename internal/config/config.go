// Package config provides runtime configuration for both services.
package config

import (
	"os"
	"strconv"
	"time"
)

// Order holds the configuration of the order orchestrator.
type Order struct {
	HTTPAddr        string
	MySQLDSN        string
	RedisAddr       string
	InventoryURL    string
	ShutdownTimeout time.Duration

	// Circuit breaker around the inventory call.
	BreakerTimeout     time.Duration
	BreakerWindow      time.Duration
	BreakerThreshold   float64
	BreakerMinRequests int
	BreakerCoolDown    time.Duration

	// Idempotency guard.
	IdempotencyTTL      time.Duration
	IdempotencyInFlight time.Duration

	// Queued-order retry worker.
	RetryInterval    time.Duration
	RetryBatchSize   int64
	RetryCallTimeout time.Duration
}

// Inventory holds the configuration of the inventory service.
type Inventory struct {
	HTTPAddr        string
	MySQLDSN        string
	RedisAddr       string
	ShutdownTimeout time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatenv(key string, def float64) float64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func durenvms(key string, defMs int) time.Duration {
	ms := atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// LoadOrder collects the orchestrator configuration from the
// environment with defaults.
func LoadOrder() Order {
	return Order{
		HTTPAddr:        getenv("HTTP_ADDR", ":3000"),
		MySQLDSN:        getenv("MYSQL_DSN", "root:password@tcp(localhost:3306)/order_pipeline?parseTime=true"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		InventoryURL:    getenv("INVENTORY_URL", "http://localhost:3001"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 15),

		BreakerTimeout:     durenvms("BREAKER_TIMEOUT_MS", 3000),
		BreakerWindow:      durenvms("BREAKER_WINDOW_MS", 10000),
		BreakerThreshold:   floatenv("BREAKER_THRESHOLD_PCT", 50),
		BreakerMinRequests: atoienv("BREAKER_MIN_REQUESTS", 5),
		BreakerCoolDown:    durenvms("BREAKER_COOLDOWN_MS", 10000),

		IdempotencyTTL:      durenvs("IDEMPOTENCY_TTL_SEC", 24*60*60),
		IdempotencyInFlight: durenvs("IDEMPOTENCY_INFLIGHT_SEC", 30),

		RetryInterval:    durenvs("RETRY_INTERVAL_SEC", 5),
		RetryBatchSize:   int64(atoienv("RETRY_BATCH_SIZE", 10)),
		RetryCallTimeout: durenvs("RETRY_CALL_TIMEOUT_SEC", 5),
	}
}

// LoadInventory collects the inventory service configuration from the
// environment with defaults.
func LoadInventory() Inventory {
	return Inventory{
		HTTPAddr:        getenv("HTTP_ADDR", ":3001"),
		MySQLDSN:        getenv("MYSQL_DSN", "root:password@tcp(localhost:3306)/order_pipeline?parseTime=true"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 15),
	}
}
