package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrderMetrics are the collectors exported by the order service.
type OrderMetrics struct {
	OrdersCreated      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	IdempotencyHits    prometheus.Counter
	IdempotencyMisses  prometheus.Counter
	QueueRetries       *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	f := promauto.With(reg)
	return &OrderMetrics{
		OrdersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders created, labelled by terminal status.",
		}, []string{"status"}),
		ProcessingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_processing_seconds",
			Help:    "End-to-end order submission latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"dependency"}),
		IdempotencyHits: f.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_cache_hits_total",
			Help: "Requests answered from the idempotency cache.",
		}),
		IdempotencyMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_cache_misses_total",
			Help: "Requests that missed the idempotency cache.",
		}),
		QueueRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "queued_order_retries_total",
			Help: "Retry attempts for queued orders, by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// InventoryMetrics are the collectors exported by the inventory
// service.
type InventoryMetrics struct {
	UpdateDuration *prometheus.HistogramVec
	StockLevel     *prometheus.GaugeVec
	Transactions   *prometheus.CounterVec
	ChaosEvents    *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

func NewInventoryMetrics(reg prometheus.Registerer) *InventoryMetrics {
	f := promauto.With(reg)
	return &InventoryMetrics{
		UpdateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inventory_update_seconds",
			Help:    "Inventory deduction latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		StockLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inventory_stock_level",
			Help: "Available quantity per item.",
		}, []string{"item_id"}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_transactions_total",
			Help: "Ledger transactions appended, by type.",
		}, []string{"type"}),
		ChaosEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chaos_events_total",
			Help: "Injected faults, by type.",
		}, []string{"type"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
