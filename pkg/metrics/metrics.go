// Package metrics exposes the process's Prometheus collectors. One
// Metrics value is created at startup, handed to the subsystems that
// record into it, and served over HTTP via Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine exports. All collectors are
// registered on a private registry so tests can create as many Metrics
// values as they need.
type Metrics struct {
	registry *prometheus.Registry

	// Indicator pipeline.
	ComputeDuration *prometheus.HistogramVec
	Computations    *prometheus.CounterVec
	EngineTicks     prometheus.Counter
	ActiveSessions  prometheus.Gauge

	// Event bus.
	BusPublished *prometheus.CounterVec
	BusDropped   *prometheus.CounterVec

	// Persistence.
	StoreRetries prometheus.Counter

	// Backtests.
	BacktestCandles prometheus.Counter
	BacktestsActive prometheus.Gauge

	// Market data feed.
	FeedTicks      prometheus.Counter
	FeedReconnects prometheus.Counter
}

// New creates a Metrics value with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ComputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantpulse_compute_duration_seconds",
				Help:    "Duration of one indicator computation",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"indicator_type"},
		),

		Computations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantpulse_computations_total",
				Help: "Indicator computations by type and result (ok, nil, error)",
			},
			[]string{"indicator_type", "result"},
		),

		EngineTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantpulse_engine_ticks_total",
				Help: "Market ticks processed by the streaming engine",
			},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantpulse_active_session_indicators",
				Help: "Indicator instances currently registered on the streaming engine",
			},
		),

		BusPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantpulse_bus_published_total",
				Help: "Events accepted by the bus, by topic",
			},
			[]string{"topic"},
		),

		BusDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantpulse_bus_dropped_total",
				Help: "Events dropped on a full topic queue, by topic",
			},
			[]string{"topic"},
		),

		StoreRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantpulse_store_read_retries_total",
				Help: "Read retries while waiting out append visibility lag",
			},
		),

		BacktestCandles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantpulse_backtest_candles_total",
				Help: "Candles replayed across all backtest runs",
			},
		),

		BacktestsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantpulse_backtests_active",
				Help: "Backtest runs currently executing",
			},
		),

		FeedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantpulse_feed_ticks_total",
				Help: "Ticks received from external market data feeds",
			},
		),

		FeedReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantpulse_feed_reconnects_total",
				Help: "Reconnect attempts made by feed clients",
			},
		),
	}

	m.registry.MustRegister(
		m.ComputeDuration,
		m.Computations,
		m.EngineTicks,
		m.ActiveSessions,
		m.BusPublished,
		m.BusDropped,
		m.StoreRetries,
		m.BacktestCandles,
		m.BacktestsActive,
		m.FeedTicks,
		m.FeedReconnects,
	)

	return m
}

// Registry returns the underlying registry for callers that register
// extra collectors of their own.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the scrape endpoint for this Metrics value.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCompute records one indicator computation. Result is "ok" for a
// value, "nil" for a warm-up miss, "error" for a failed evaluation.
func (m *Metrics) ObserveCompute(indicatorType, result string, d time.Duration) {
	m.ComputeDuration.WithLabelValues(indicatorType).Observe(d.Seconds())
	m.Computations.WithLabelValues(indicatorType, result).Inc()
}

// Published implements the bus activity counter.
func (m *Metrics) Published(topic string) {
	m.BusPublished.WithLabelValues(topic).Inc()
}

// Dropped implements the bus activity counter.
func (m *Metrics) Dropped(topic string) {
	m.BusDropped.WithLabelValues(topic).Inc()
}
