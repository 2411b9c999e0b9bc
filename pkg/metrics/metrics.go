package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts accepted orders by side (buy/sell)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openbrick_orders_submitted_total",
		Help: "Total number of orders accepted by order intake",
	},
	[]string{"side"},
)

// OrdersCancelled counts successfully cancelled orders
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "openbrick_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	},
)

// AuctionTickDuration records the duration of one auction round per property
var AuctionTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "openbrick_auction_tick_duration_seconds",
		Help:    "Duration in seconds of one auction round for one property",
		Buckets: prometheus.DefBuckets,
	},
)

// TokensMatched counts tokens matched across all auction rounds
var TokensMatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "openbrick_tokens_matched_total",
		Help: "Total token quantity matched by the auction engine",
	},
)

// WSClients tracks currently connected websocket subscribers
var WSClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "openbrick_ws_clients",
		Help: "Number of connected websocket subscribers",
	},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersCancelled)
	prometheus.MustRegister(AuctionTickDuration, TokensMatched)
	prometheus.MustRegister(WSClients)
}
