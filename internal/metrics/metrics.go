// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perpbox"

// BoxTransitions counts grid lifecycle events by kind (create, trigger, expire).
var BoxTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grid",
		Name:      "box_transitions_total",
		Help:      "Box lifecycle events by kind",
	},
	[]string{"kind"},
)

// LiveBoxes is the number of boxes currently drawn on the grid.
var LiveBoxes = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grid",
		Name:      "live_boxes",
		Help:      "Boxes currently occupying a grid cell",
	},
)

// DesyncedBoxes is the number of resolved boxes whose venue close has not
// been confirmed.
var DesyncedBoxes = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "grid",
		Name:      "desynced_boxes",
		Help:      "Resolved boxes whose venue position may still be open",
	},
)

// UntrackedPositions is the number of open venue positions with no box.
var UntrackedPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "untracked_positions",
		Help:      "Open venue positions not matched by any tracked order",
	},
)

// OrdersPlaced counts submitted placements by direction and how the
// direction was decided.
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "orders_placed_total",
		Help:      "Limit orders submitted to the venue",
	},
	[]string{"direction", "source"},
)

// FillWaits counts fill-wait results (filled, timeout, cancelled).
var FillWaits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "fill_waits_total",
		Help:      "Fill-wait outcomes",
	},
	[]string{"result"},
)

// Closes counts close attempts by outcome.
var Closes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "closes_total",
		Help:      "Trigger and expiry close outcomes",
	},
	[]string{"reason", "outcome"},
)

// VenueCallSeconds observes venue call latency by method.
var VenueCallSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "call_seconds",
		Help:      "Latency of venue calls",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
	[]string{"method"},
)

// PollErrors counts swallowed position-poll failures.
var PollErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "poll_errors_total",
		Help:      "Position polls that failed and were retried",
	},
)

// PnlSubscribers is the multiplexer's current reference count.
var PnlSubscribers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pnl",
		Name:      "subscribers",
		Help:      "Active references to the shared PnL subscription",
	},
)

// PriceUpdates counts accepted price feed ticks.
var PriceUpdates = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "price_updates_total",
		Help:      "Price ticks forwarded to the grid",
	},
)

// FeedReconnects counts price feed reconnect attempts.
var FeedReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Price feed reconnect attempts",
	},
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HubClients is the number of connected UI websocket clients.
var HubClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "clients",
		Help:      "Connected UI websocket clients",
	},
)

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route and status",
	},
	[]string{"route", "status"},
)
