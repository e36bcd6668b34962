// Package metrics exposes Prometheus counters for reconciliation passes,
// orders, fills and mode switches. A nil *Metrics is a valid no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	passes       *prometheus.CounterVec
	passSkipped  *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	orders       *prometheus.CounterVec
	cancels      *prometheus.CounterVec
	fills        *prometheus.CounterVec
	trades       *prometheus.CounterVec
	profit       *prometheus.GaugeVec
	modeSwitches *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_passes_total",
				Help: "Reconciliation passes by result",
			},
			[]string{"pair", "result"},
		),
		passSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_passes_skipped_total",
				Help: "Passes skipped because one was already in flight",
			},
			[]string{"pair"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grid_pass_duration_seconds",
				Help:    "Duration of reconciliation passes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pair"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_orders_placed_total",
				Help: "Orders placed",
			},
			[]string{"pair", "side"},
		),
		cancels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_orders_cancelled_total",
				Help: "Orders cancelled by the bot",
			},
			[]string{"pair"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_fills_total",
				Help: "Observed order fills",
			},
			[]string{"pair", "side"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_trades_total",
				Help: "Completed buy/sell round trips",
			},
			[]string{"pair"},
		),
		profit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "grid_cumulative_profit",
				Help: "Cumulative realized profit in quote currency",
			},
			[]string{"pair"},
		),
		modeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_mode_switches_total",
				Help: "Environment switches",
			},
			[]string{"target"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.passSkipped, m.passDuration)
		reg.MustRegister(m.orders, m.cancels, m.fills)
		reg.MustRegister(m.trades, m.profit, m.modeSwitches)
	}
	return m
}

func (m *Metrics) PassCompleted(pair, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(pair, result).Inc()
	m.passDuration.WithLabelValues(pair).Observe(took.Seconds())
}

func (m *Metrics) PassSkipped(pair string) {
	if m == nil {
		return
	}
	m.passSkipped.WithLabelValues(pair).Inc()
}

func (m *Metrics) OrderPlaced(pair, side string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(pair, side).Inc()
}

func (m *Metrics) OrderCancelled(pair string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(pair).Inc()
}

func (m *Metrics) Fill(pair, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(pair, side).Inc()
}

// Trade counts a completed trade and publishes the pair's cumulative profit.
func (m *Metrics) Trade(pair string, cumulativeProfit decimal.Decimal) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(pair).Inc()
	m.profit.WithLabelValues(pair).Set(cumulativeProfit.InexactFloat64())
}

func (m *Metrics) ModeSwitched(target string) {
	if m == nil {
		return
	}
	m.modeSwitches.WithLabelValues(target).Inc()
}
