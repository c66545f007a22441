package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/adapter/handler"
	"github.com/valerix/order-pipeline/internal/adapter/storage"
	"github.com/valerix/order-pipeline/internal/chaos"
	"github.com/valerix/order-pipeline/internal/config"
	"github.com/valerix/order-pipeline/internal/core/service"
	"github.com/valerix/order-pipeline/internal/obs"
)

func main() {
	cfg := config.LoadInventory()

	log, err := obs.NewLogger("inventory-service")
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

	// Redis holds the chaos configuration.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
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
	metrics := obs.NewInventoryMetrics(reg)

	hostname, _ := os.Hostname()
	redisAdapter := storage.NewRedisAdapter(rdb, hostname)
	mysqlAdapter := storage.NewMySQLAdapter(db)

	inventoryService := service.NewInventoryService(mysqlAdapter, log, metrics)
	gremlin := chaos.NewGremlin(chaos.Settings{
		Repo:    redisAdapter,
		Logger:  log,
		Metrics: metrics,
	})

	h := handler.NewInventoryHandler(inventoryService, gremlin, log)
	mux := http.NewServeMux()
	h.Register(mux)

	// The gremlin wraps only the inventory API. Health, metrics and
	// the chaos controls stay outside it, so an experiment cannot
	// blind the probes or lock the operator out of disabling chaos.
	chain := handler.Observability(log, metrics.HTTPRequests, metrics.HTTPDuration)(gremlin.Middleware(mux))
	outer := http.NewServeMux()
	h.RegisterChaos(outer)
	outer.Handle("GET /health", handler.Health(map[string]func(context.Context) error{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}))
	outer.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	outer.Handle("/", chain)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: outer,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info("http server stopped")

	rdb.Close()
	db.Close()
	log.Info("connections closed")
}
