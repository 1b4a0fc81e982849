// Package metrics exposes engine counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	orders               *prometheus.CounterVec
	confirmTimeouts      prometheus.Counter
	candles              *prometheus.CounterVec
	runningSubscriptions prometheus.Gauge
	feeds                prometheus.Gauge
	feedFailures         *prometheus.CounterVec
}

// New registers every collector on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradebots",
			Name:      "orders_total",
			Help:      "Market orders placed, by exchange, side, purpose and result.",
		}, []string{"exchange", "side", "purpose", "result"}),
		confirmTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradebots",
			Name:      "close_confirmation_timeouts_total",
			Help:      "Closes whose flat confirmation ran out of polls.",
		}),
		candles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradebots",
			Name:      "candles_total",
			Help:      "Closed candles broadcast per feed.",
		}, []string{"symbol", "timeframe"}),
		runningSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradebots",
			Name:      "running_subscriptions",
			Help:      "Position managers currently running.",
		}),
		feeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradebots",
			Name:      "candle_feeds",
			Help:      "Shared candle feeds currently open.",
		}),
		feedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradebots",
			Name:      "feed_failures_total",
			Help:      "Candle feeds lost after exhausting reconnects.",
		}, []string{"symbol", "timeframe"}),
	}

	m.registry.MustRegister(
		m.orders,
		m.confirmTimeouts,
		m.candles,
		m.runningSubscriptions,
		m.feeds,
		m.feedFailures,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// OrderPlaced counts one order attempt
func (m *Metrics) OrderPlaced(exchange, side, purpose string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.orders.With(prometheus.Labels{
		"exchange": exchange,
		"side":     side,
		"purpose":  purpose,
		"result":   result,
	}).Inc()
}

func (m *Metrics) ConfirmTimeout() {
	if m == nil {
		return
	}
	m.confirmTimeouts.Inc()
}

func (m *Metrics) CandleBroadcast(symbol, timeframe string) {
	if m == nil {
		return
	}
	m.candles.WithLabelValues(symbol, timeframe).Inc()
}

func (m *Metrics) FeedFailed(symbol, timeframe string) {
	if m == nil {
		return
	}
	m.feedFailures.WithLabelValues(symbol, timeframe).Inc()
}

// SubscriptionStarted and SubscriptionStopped move the running gauge
func (m *Metrics) SubscriptionStarted() {
	if m == nil {
		return
	}
	m.runningSubscriptions.Inc()
}

func (m *Metrics) SubscriptionStopped() {
	if m == nil {
		return
	}
	m.runningSubscriptions.Dec()
}

func (m *Metrics) FeedOpened() {
	if m == nil {
		return
	}
	m.feeds.Inc()
}

func (m *Metrics) FeedClosed() {
	if m == nil {
		return
	}
	m.feeds.Dec()
}
