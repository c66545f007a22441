package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/adapter/client"
	"github.com/valerix/order-pipeline/internal/adapter/handler"
	"github.com/valerix/order-pipeline/internal/adapter/storage"
	"github.com/valerix/order-pipeline/internal/breaker"
	"github.com/valerix/order-pipeline/internal/config"
	"github.com/valerix/order-pipeline/internal/core/service"
	"github.com/valerix/order-pipeline/internal/idempotency"
	"github.com/valerix/order-pipeline/internal/obs"
	"github.com/valerix/order-pipeline/internal/worker"
)

func main() {
	cfg := config.LoadOrder()

	log, err := obs.NewLogger("order-service")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal("failed to open mysql", zap.Error(err))
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("failed to ping mysql", zap.Error(err))
	}
	log.Info("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect redis", zap.Error(err))
	}
	log.Info("connected to redis")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewOrderMetrics(reg)

	// Adapters
	hostname, _ := os.Hostname()
	redisAdapter := storage.NewRedisAdapter(rdb, hostname)
	mysqlAdapter := storage.NewMySQLAdapter(db)
	inventory := client.New(cfg.InventoryURL, cfg.BreakerTimeout+time.Second)

	if err := redisAdapter.EnsureGroup(ctx); err != nil {
		log.Fatal("failed to create retry consumer group", zap.Error(err))
	}

	// Circuit breaker around the inventory call.
	brk := breaker.New(breaker.Settings{
		Name:             "inventory-service",
		CallTimeout:      cfg.BreakerTimeout,
		Window:           cfg.BreakerWindow,
		FailureThreshold: cfg.BreakerThreshold,
		MinRequests:      cfg.BreakerMinRequests,
		CoolDown:         cfg.BreakerCoolDown,
		IsSuccessful: func(err error) bool {
			return err == nil || service.IsBusinessError(err)
		},
		OnStateChange: func(name string, from, to breaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	guard := idempotency.NewGuard(idempotency.Settings{
		Store:       redisAdapter,
		ResponseTTL: cfg.IdempotencyTTL,
		InFlightTTL: cfg.IdempotencyInFlight,
		Logger:      log,
		Hits:        metrics.IdempotencyHits,
		Misses:      metrics.IdempotencyMisses,
	})

	orderService := service.NewOrderService(mysqlAdapter, redisAdapter, inventory, brk, log, metrics)

	// Retry worker for queued orders.
	retrier := worker.NewRetrier(worker.Settings{
		Queue:       redisAdapter,
		Orders:      mysqlAdapter,
		Inventory:   inventory,
		Logger:      log,
		Metrics:     metrics,
		Interval:    cfg.RetryInterval,
		BatchSize:   cfg.RetryBatchSize,
		CallTimeout: cfg.RetryCallTimeout,
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		retrier.Run(ctx)
	}()

	// HTTP server
	mux := http.NewServeMux()
	handler.NewOrderHandler(orderService, guard, log).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", handler.Health(map[string]func(context.Context) error{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}))

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.Observability(log, metrics.HTTPRequests, metrics.HTTPDuration)(mux),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info("http server stopped")

	cancel()
	wg.Wait()
	log.Info("retry worker stopped")

	rdb.Close()
	db.Close()
	log.Info("connections closed")
}
