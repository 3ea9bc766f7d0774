package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts accepted orders by type, side and resulting status
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Orders accepted by settlement",
	},
	[]string{"type", "side", "status"},
)

// OrdersCancelled counts cancellations that released their reservation
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Orders cancelled by their owner",
	},
)

// SettlementFailures counts rejected or aborted settlements by error kind
var SettlementFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_settlement_failures_total",
		Help: "Settlement attempts that were rejected or rolled back",
	},
	[]string{"kind"},
)

// SettlementLatency records how long a settlement transaction takes end to end
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "exchange_settlement_latency_seconds",
		Help:    "Latency of order settlement",
		Buckets: prometheus.DefBuckets,
	},
)

// Price resolver metrics
var (
	PriceResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_price_resolutions_total",
			Help: "Resolved prices by source (live, cache, fallback, default)",
		},
		[]string{"source"},
	)

	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exchange_price_provider_latency_seconds",
			Help:    "Latency of market-data provider calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProviderErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_price_provider_errors_total",
			Help: "Failed market-data provider attempts",
		},
	)
)

// Market stream metrics
var (
	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_stream_reconnects_total",
			Help: "Reconnect attempts of the market data stream",
		},
	)

	StreamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_stream_state",
			Help: "Market stream state (0 connecting, 1 open, 2 reconnecting, 3 closed)",
		},
	)

	StreamMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_stream_messages_total",
			Help: "Messages received from the market data stream by stream name",
		},
		[]string{"stream"},
	)
)

// Resting order index and price fan-out metrics
var (
	RestingOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_resting_orders",
			Help: "Orders currently indexed in the resting order book",
		},
	)

	TriggeredFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_triggered_fills_total",
			Help: "Resting orders the price trigger tried to fill, by result",
		},
		[]string{"result"},
	)

	HubClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_ws_clients",
			Help: "Connected price feed WebSocket clients",
		},
	)
)

// Database pool metrics
var (
	DBTotalConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_db_total_connections",
			Help: "Number of connections in the DB pool",
		},
	)

	DBIdleConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
	)

	DBAcquiredConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_db_acquired_connections",
			Help: "Number of in-use connections in the DB pool",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersCancelled, SettlementFailures, SettlementLatency)
	prometheus.MustRegister(PriceResolutions, ProviderLatency, ProviderErrors)
	prometheus.MustRegister(StreamReconnects, StreamState, StreamMessages)
	prometheus.MustRegister(RestingOrders, TriggeredFills, HubClients)
	prometheus.MustRegister(DBTotalConns, DBIdleConns, DBAcquiredConns)
}
