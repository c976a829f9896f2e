// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders by side and type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "order_type"})

	// OrderRejections counts rejected order placements by error class.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_order_rejections_total",
		Help: "Orders rejected before or during matching",
	}, []string{"reason"})

	// OrderLatency tracks PlaceOrder latency including matching.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_engine_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"order_type"})

	// TradesTotal counts trades by recorded side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// MarketVolume tracks cumulative traded shares per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_market_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"market_id"})

	// FeesCollected tracks fees collected by type, in tokens.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_fees_collected_total",
		Help: "Platform fees collected",
	}, []string{"fee_type"})

	// MarketsResolved counts resolutions by outcome.
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_markets_resolved_total",
		Help: "Markets resolved",
	}, []string{"outcome"})

	// MarketsClosed counts markets closed at their deadline.
	MarketsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_engine_markets_closed_total",
		Help: "Markets closed after their deadline passed",
	})

	// PendingActions counts manual-mode actions by final status.
	PendingActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_pending_actions_total",
		Help: "Manual-mode actions by status transition",
	}, []string{"action_type", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the per-agent limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_engine_rate_limited_total",
		Help: "Requests rejected by the per-agent rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
