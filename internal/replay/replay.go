// Package replay drives recorded cycle snapshots through the same
// evaluator, gate, sizing and execution path the live engine uses,
// filling orders against a paper book. The same snapshots and config
// always produce the same report, so a strategy mix can be judged on
// history before it touches the venue.
package replay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/exchange"
	"github.com/kestrel-markets/prediction-engine/internal/execution"
	"github.com/kestrel-markets/prediction-engine/internal/learning"
	"github.com/kestrel-markets/prediction-engine/internal/risk"
	"github.com/kestrel-markets/prediction-engine/internal/strategy"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Snapshot is one recorded engine cycle: the markets visible at that
// instant plus whatever feed data the class consumes. Candles are keyed
// by spot symbol, forecasts and nowcasts by series ticker. Markets that
// settled since the previous snapshot stay in the slice with their
// result set so held positions can be settled.
type Snapshot struct {
	At        time.Time                 `json:"at"`
	Markets   []types.Market            `json:"markets"`
	Candles   map[string][]types.Candle `json:"candles,omitempty"`
	Forecasts map[string]types.Estimate `json:"forecasts,omitempty"`
	Nowcasts  map[string]types.Estimate `json:"nowcasts,omitempty"`
}

// Config carries the knobs for one replay run. The gate, sizer and
// executor configs default to the live ones so a replay answers "what
// would the engine have done", not "what would a looser engine have
// done".
type Config struct {
	Class            types.MarketClass       `json:"class"`
	StartingBalance  decimal.Decimal         `json:"startingBalance"`
	BaseScoreFloor   float64                 `json:"baseScoreFloor"`
	MinConfidence    float64                 `json:"minConfidence"`
	MinExpectedValue decimal.Decimal         `json:"minExpectedValue"`
	Gate             risk.GateConfig         `json:"gate"`
	Sizer            risk.SizerConfig        `json:"sizer"`
	Executor         execution.ManagerConfig `json:"executor"`
}

// DefaultConfig mirrors the live engine's entry thresholds over a
// thousand-dollar paper book.
func DefaultConfig() Config {
	return Config{
		Class:            types.MarketClassCrypto,
		StartingBalance:  decimal.NewFromInt(1000),
		BaseScoreFloor:   0.15,
		MinConfidence:    0.55,
		MinExpectedValue: decimal.RequireFromString("0.05"),
		Gate:             risk.DefaultGateConfig(),
		Sizer:            risk.DefaultSizerConfig(),
		Executor:         execution.DefaultManagerConfig(),
	}
}

// EquityPoint samples the paper book after one snapshot: cash, the cost
// basis of open positions, and cash plus the marked value of the book.
type EquityPoint struct {
	At       time.Time       `json:"at"`
	Cash     decimal.Decimal `json:"cash"`
	Exposure decimal.Decimal `json:"exposure"`
	Equity   decimal.Decimal `json:"equity"`
}

// Result is the outcome of one replay run. Trades holds the closed
// trades in exit order; Report aggregates them the same way the live
// performance endpoint does.
type Result struct {
	Cycles      int                 `json:"cycles"`
	Signals     int                 `json:"signals"`
	Admitted    int                 `json:"admitted"`
	Entered     int                 `json:"entered"`
	OpenAtEnd   int                 `json:"openAtEnd"`
	EndBalance  decimal.Decimal     `json:"endBalance"`
	Trades      []types.TradeRecord `json:"trades"`
	Decisions   []risk.Decision     `json:"decisions"`
	EquityCurve []EquityPoint       `json:"equityCurve"`
	Report      learning.Report     `json:"report"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  time.Time           `json:"finishedAt"`
	Duration    time.Duration       `json:"duration"`
}

// Harness replays snapshots against a fresh gate, sizer and executor
// built per run, so runs cannot leak budget or cooldown state into each
// other or into live trading. Only the evaluator registry is shared
// with the caller; toggling strategies between runs is the point.
type Harness struct {
	logger   *zap.Logger
	config   Config
	registry *strategy.Registry
	running  atomic.Bool
}

// New creates a replay harness over the given evaluator registry.
func New(logger *zap.Logger, config Config, registry *strategy.Registry) *Harness {
	return &Harness{
		logger:   logger.Named("replay"),
		config:   config,
		registry: registry,
	}
}

// Running reports whether a replay is in progress.
func (h *Harness) Running() bool {
	return h.running.Load()
}

// Run walks the snapshots in order through evaluation, admission,
// sizing, paper entry and exit management, then aggregates the closed
// trades into a performance report. Snapshots must be sorted by time;
// each one is processed exactly as a live cycle would be, exits before
// entries.
func (h *Harness) Run(ctx context.Context, snapshots []Snapshot) (*Result, error) {
	if h.running.Swap(true) {
		return nil, fmt.Errorf("replay already running")
	}
	defer h.running.Store(false)

	if len(snapshots) == 0 {
		return nil, fmt.Errorf("no snapshots to replay")
	}

	wallStart := time.Now()

	book := newBook()
	venue := exchange.NewPaper(h.logger, book, h.config.StartingBalance)
	gate := risk.NewGate(h.logger, h.config.Gate)
	sizer := risk.NewSizer(h.logger, h.config.Sizer)
	executor := execution.NewManager(h.logger, venue, h.config.Executor)

	res := &Result{
		StartedAt:  snapshots[0].At.UTC(),
		FinishedAt: snapshots[len(snapshots)-1].At.UTC(),
	}
	var closed []types.TradeRecord

	h.logger.Info("Starting replay",
		zap.String("class", string(h.config.Class)),
		zap.Int("snapshots", len(snapshots)),
		zap.Time("from", res.StartedAt),
		zap.Time("to", res.FinishedAt))

	for _, snap := range snapshots {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := snap.At.UTC()
		markets := marketMap(snap.Markets)
		book.load(markets, now)

		executor.MarkPositions(markets)
		for _, rec := range executor.ManageExits(ctx, markets, now) {
			if rec.ExitReason == types.ExitSettlement && rec.ExitPrice.IsPositive() {
				venue.Credit(rec.ExitPrice.Mul(decimal.NewFromInt(rec.Contracts)), "settlement")
			}
			gate.RecordPnL(h.config.Class, rec.PnL, now)
			closed = append(closed, rec)
		}
		executor.ExpireCooldowns(now)

		candidates := h.generate(ctx, executor, snap, now)
		res.Signals += len(candidates)

		var admitted []types.Signal
		for _, dec := range gate.Admit(now, h.config.Class, candidates, markets, executor.OpenCount()) {
			if dec.Admitted {
				admitted = append(admitted, dec.Signal)
			}
		}
		res.Admitted += len(admitted)
		res.Entered += h.enter(ctx, venue, gate, sizer, executor, admitted, markets, now)

		res.EquityCurve = append(res.EquityCurve, equityPoint(ctx, venue, executor, now))
		res.Cycles++
	}

	res.Trades = closed
	res.Decisions = gate.Decisions(0)
	res.OpenAtEnd = executor.OpenCount()
	if balance, err := venue.GetBalance(ctx); err == nil {
		res.EndBalance = balance
	}
	res.Report = learning.NewAnalyzer(h.logger).Analyze(closed, "all")
	res.Duration = time.Since(wallStart)

	h.logger.Info("Replay complete",
		zap.Int("cycles", res.Cycles),
		zap.Int("trades", len(res.Trades)),
		zap.Int("openAtEnd", res.OpenAtEnd),
		zap.String("totalPnl", res.Report.TotalPnL.StringFixed(2)),
		zap.String("endBalance", res.EndBalance.StringFixed(2)),
		zap.Duration("took", res.Duration))

	return res, nil
}

// generate runs the enabled evaluators over one snapshot and applies
// the engine's pre-gate filters: held instruments, minimum confidence,
// minimum expected value. Evaluators run sequentially here; replays
// trade wall time for reproducible ordering.
func (h *Harness) generate(ctx context.Context, executor *execution.Manager, snap Snapshot, now time.Time) []types.Signal {
	input := strategy.Input{
		Now:       now,
		Markets:   append([]types.Market(nil), snap.Markets...),
		Candles:   snap.Candles,
		Forecasts: snap.Forecasts,
		Nowcasts:  snap.Nowcasts,
		MinScore:  h.config.BaseScoreFloor,
	}

	all := h.registry.EvaluateAll(ctx, input)

	kept := make([]types.Signal, 0, len(all))
	for _, sig := range all {
		if h.holdsAnyLeg(executor, sig) {
			continue
		}
		if sig.Confidence < h.config.MinConfidence {
			continue
		}
		if sig.ExpectedValue.LessThan(h.config.MinExpectedValue) {
			continue
		}
		kept = append(kept, sig)
	}
	return kept
}

// enter sizes and places each admitted signal on the paper book,
// mirroring the live entry path including partial group accounting.
func (h *Harness) enter(ctx context.Context, venue *exchange.Paper, gate *risk.Gate, sizer *risk.Sizer, executor *execution.Manager, admitted []types.Signal, markets map[string]types.Market, now time.Time) int {
	entered := 0
	for _, sig := range admitted {
		balance, err := venue.GetBalance(ctx)
		if err != nil {
			balance = decimal.Zero
		}
		contracts := sizer.Contracts(sig, balance, executor.Exposure(), gate.LossRoom(h.config.Class, now))
		if contracts <= 0 {
			continue
		}
		legs := signalLegs(sig)
		if err := executor.OpenPosition(ctx, sig, contracts, markets, now); err != nil {
			h.logger.Debug("Replay entry failed",
				zap.String("ticker", sig.Ticker),
				zap.Error(err))
			placed := make([]string, 0, len(legs))
			for _, leg := range legs {
				if executor.Held(leg) {
					placed = append(placed, leg)
				}
			}
			if len(placed) > 0 {
				gate.RecordEntry(h.config.Class, placed, now)
			}
			continue
		}
		gate.RecordEntry(h.config.Class, legs, now)
		entered++
	}
	return entered
}

func (h *Harness) holdsAnyLeg(executor *execution.Manager, sig types.Signal) bool {
	for _, leg := range signalLegs(sig) {
		if executor.Held(leg) {
			return true
		}
	}
	return false
}

func signalLegs(sig types.Signal) []string {
	if len(sig.GroupIDs) > 0 {
		return sig.GroupIDs
	}
	return []string{sig.Ticker}
}

func marketMap(markets []types.Market) map[string]types.Market {
	out := make(map[string]types.Market, len(markets))
	for _, m := range markets {
		if m.Class == "" {
			m.Class = types.ClassifyTicker(m.EventTicker)
		}
		out[m.Ticker] = m
	}
	return out
}

// equityPoint marks the open book at mid and adds it to cash.
func equityPoint(ctx context.Context, venue *exchange.Paper, executor *execution.Manager, now time.Time) EquityPoint {
	cash, err := venue.GetBalance(ctx)
	if err != nil {
		cash = decimal.Zero
	}
	marked := decimal.Zero
	for _, pos := range executor.Positions() {
		switch pos.State {
		case types.PositionEntering, types.PositionOpen, types.PositionExiting:
			marked = marked.Add(pos.CurrentPrice.Mul(decimal.NewFromInt(pos.Contracts)))
		}
	}
	return EquityPoint{
		At:       now,
		Cash:     cash,
		Exposure: executor.Exposure(),
		Equity:   cash.Add(marked),
	}
}
