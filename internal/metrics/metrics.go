// Package metrics holds the Prometheus collectors for the scanner.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scanner.
type Metrics struct {
	TicksTotal        prometheus.Counter
	ClosedCandles     prometheus.Counter
	AlertsTotal       *prometheus.CounterVec // labels: kind
	DroppedEvents     *prometheus.CounterVec // labels: stage (mailbox, sink, hub, commands)
	WSReconnects      prometheus.Counter
	InvariantFailures prometheus.Counter
	StorageErrors     prometheus.Counter
	BackfilledBars    prometheus.Counter
	EvaluationDur     prometheus.Histogram

	NotificationsSent  *prometheus.CounterVec // labels: channel
	NotificationErrors *prometheus.CounterVec // labels: channel

	WatchlistSize    prometheus.Gauge
	SubscribedPairs  prometheus.Gauge
	PendingPairs     prometheus.Gauge
	ClientsConnected prometheus.Gauge
	ClientMessages   prometheus.Counter
}

// NewMetrics registers all collectors with the default registry. Call once
// per process.
func NewMetrics() *Metrics {
	m := newCollectors()
	prometheus.MustRegister(
		m.TicksTotal,
		m.ClosedCandles,
		m.AlertsTotal,
		m.DroppedEvents,
		m.WSReconnects,
		m.InvariantFailures,
		m.StorageErrors,
		m.BackfilledBars,
		m.EvaluationDur,
		m.NotificationsSent,
		m.NotificationErrors,
		m.WatchlistSize,
		m.SubscribedPairs,
		m.PendingPairs,
		m.ClientsConnected,
		m.ClientMessages,
	)
	return m
}

// NewUnregistered returns working collectors that are not registered
// anywhere. Meant for tests, where repeated registration would panic.
func NewUnregistered() *Metrics {
	return newCollectors()
}

func newCollectors() *Metrics {
	return &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_ticks_total",
			Help: "Kline ticks received from the venue stream",
		}),
		ClosedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_closed_candles_total",
			Help: "Closed one-minute candles processed",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_alerts_total",
			Help: "Alerts emitted by kind",
		}, []string{"kind"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_dropped_events_total",
			Help: "Events dropped because a queue was full, by stage",
		}, []string{"stage"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_ws_reconnects_total",
			Help: "Venue WebSocket reconnection attempts",
		}),
		InvariantFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_invariant_failures_total",
			Help: "Data points rejected for violating a model invariant",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_storage_errors_total",
			Help: "Failed database operations",
		}),
		BackfilledBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_backfilled_bars_total",
			Help: "Candles loaded through REST backfill",
		}),
		EvaluationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_evaluation_duration_seconds",
			Help:    "Closed-candle pipeline latency per symbol",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_notifications_sent_total",
			Help: "Alert notifications delivered, by channel",
		}, []string{"channel"}),
		NotificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_notification_errors_total",
			Help: "Alert notification deliveries that failed, by channel",
		}, []string{"channel"}),
		WatchlistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_watchlist_size",
			Help: "Symbols currently on the watchlist",
		}),
		SubscribedPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_subscribed_pairs",
			Help: "Symbols with live data on the venue stream",
		}),
		PendingPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_pending_pairs",
			Help: "Symbols requested on the venue stream but not yet ticking",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_clients_connected",
			Help: "Browser WebSocket clients currently connected",
		}),
		ClientMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanner_client_messages_total",
			Help: "Messages pushed to browser WebSocket clients",
		}),
	}
}

// Handler exposes the default registry for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
