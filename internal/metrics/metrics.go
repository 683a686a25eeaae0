// Package metrics exposes engine activity as Prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle status label values.
const (
	CycleOK      = "ok"
	CycleError   = "error"
	CycleSkipped = "skipped"
)

// Recorder owns the engine's Prometheus series. Create one per process
// and share it; the underlying vectors are safe for concurrent use.
type Recorder struct {
	cyclesTotal    *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	signalsTotal   *prometheus.CounterVec
	decisionsTotal *prometheus.CounterVec
	ordersTotal    *prometheus.CounterVec
	tradesTotal    *prometheus.CounterVec
	realizedPnL    *prometheus.GaugeVec
	openPositions  *prometheus.GaugeVec
	marketsTracked *prometheus.GaugeVec
	exposure       prometheus.Gauge
	balance        prometheus.Gauge
}

// New creates a recorder registered on reg. Pass
// prometheus.DefaultRegisterer in production; tests use their own
// registry so parallel packages never collide.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		cyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_cycles_total",
				Help: "Evaluation cycles run, by market class and result",
			},
			[]string{"class", "status"},
		),
		cycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_cycle_duration_seconds",
				Help:    "Wall time of one evaluation cycle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"class"},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_signals_total",
				Help: "Signals produced by strategies, before gating",
			},
			[]string{"class", "strategy"},
		),
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_gate_decisions_total",
				Help: "Gate verdicts, admitted or the rejecting stage",
			},
			[]string{"class", "stage"},
		),
		ordersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_total",
				Help: "Orders placed at the venue, by action and status",
			},
			[]string{"action", "status"},
		),
		tradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_trades_total",
				Help: "Completed round trips, by class and outcome",
			},
			[]string{"class", "outcome"},
		),
		realizedPnL: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_daily_pnl_dollars",
				Help: "Realized PnL for the current UTC day",
			},
			[]string{"class"},
		),
		openPositions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_open_positions",
				Help: "Positions not yet back to flat",
			},
			[]string{"class"},
		),
		marketsTracked: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_markets_tracked",
				Help: "Markets in the latest snapshot",
			},
			[]string{"class"},
		),
		exposure: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_exposure_dollars",
				Help: "Cost basis of all open positions",
			},
		),
		balance: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_balance_dollars",
				Help: "Venue account balance at last check",
			},
		),
	}
}

// RecordCycle counts a finished cycle and its duration.
func (r *Recorder) RecordCycle(class, status string, seconds float64) {
	r.cyclesTotal.WithLabelValues(class, status).Inc()
	if status != CycleSkipped {
		r.cycleDuration.WithLabelValues(class).Observe(seconds)
	}
}

// RecordSignal counts one strategy signal.
func (r *Recorder) RecordSignal(class, strategy string) {
	r.signalsTotal.WithLabelValues(class, strategy).Inc()
}

// RecordDecision counts one gate verdict. Admitted signals carry no
// stage; they are counted under "admitted".
func (r *Recorder) RecordDecision(class, stage string) {
	if stage == "" {
		stage = "admitted"
	}
	r.decisionsTotal.WithLabelValues(class, stage).Inc()
}

// RecordOrder counts one placed order.
func (r *Recorder) RecordOrder(action, status string) {
	r.ordersTotal.WithLabelValues(action, status).Inc()
}

// RecordTrade counts one completed round trip.
func (r *Recorder) RecordTrade(class, outcome string) {
	r.tradesTotal.WithLabelValues(class, outcome).Inc()
}

// SetDailyPnL publishes the class's realized PnL for the day.
func (r *Recorder) SetDailyPnL(class string, dollars float64) {
	r.realizedPnL.WithLabelValues(class).Set(dollars)
}

// SetOpenPositions publishes the open position count for a class.
func (r *Recorder) SetOpenPositions(class string, n int) {
	r.openPositions.WithLabelValues(class).Set(float64(n))
}

// SetMarketsTracked publishes the snapshot size for a class.
func (r *Recorder) SetMarketsTracked(class string, n int) {
	r.marketsTracked.WithLabelValues(class).Set(float64(n))
}

// SetExposure publishes total open cost basis.
func (r *Recorder) SetExposure(dollars float64) {
	r.exposure.Set(dollars)
}

// SetBalance publishes the venue balance.
func (r *Recorder) SetBalance(dollars float64) {
	r.balance.Set(dollars)
}
