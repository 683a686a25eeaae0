// Package engine runs the evaluation cycle that ties the rest of the
// system together. Each market class gets its own cadence: refresh the
// market snapshot and external feeds, manage the open book, generate
// and gate candidate signals, size and place entries, then persist
// positions, budget and learning state for the next run. Cycles for
// the same class never overlap; cycles for different classes run side
// by side on the shared worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/data"
	"github.com/kestrel-markets/prediction-engine/internal/events"
	"github.com/kestrel-markets/prediction-engine/internal/exchange"
	"github.com/kestrel-markets/prediction-engine/internal/execution"
	"github.com/kestrel-markets/prediction-engine/internal/learning"
	"github.com/kestrel-markets/prediction-engine/internal/metrics"
	"github.com/kestrel-markets/prediction-engine/internal/risk"
	"github.com/kestrel-markets/prediction-engine/internal/signals"
	"github.com/kestrel-markets/prediction-engine/internal/store"
	"github.com/kestrel-markets/prediction-engine/internal/strategy"
	"github.com/kestrel-markets/prediction-engine/internal/workers"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// SpotFeed refreshes the spot candle store that backs crypto evaluation.
type SpotFeed interface {
	Refresh(ctx context.Context) error
}

// EstimateFeed produces external estimates keyed by series ticker.
type EstimateFeed interface {
	Estimates(ctx context.Context) map[string]types.Estimate
}

// Config holds the engine's cycle parameters.
type Config struct {
	// Classes lists the market classes the engine trades.
	Classes []types.MarketClass `json:"classes"`

	// Series maps each class to the series tickers scanned every cycle.
	Series map[types.MarketClass][]string `json:"series"`

	// Window bounds entries by UTC hour. Exits run around the clock.
	Window types.TradingWindow `json:"window"`

	// MaxHoursToClose drops markets closing too far out to price.
	MaxHoursToClose float64 `json:"maxHoursToClose"`

	// MinConfidence and MinExpectedValue filter candidates before the
	// risk gate sees them.
	MinConfidence    float64         `json:"minConfidence"`
	MinExpectedValue decimal.Decimal `json:"minExpectedValue"`

	// BaseScoreFloor is the composite score floor before the learning
	// tracker adjusts it per class.
	BaseScoreFloor float64 `json:"baseScoreFloor"`

	// TradeHistory caps the in-memory closed trade history.
	TradeHistory int `json:"tradeHistory"`

	// SignalHistory caps the in-memory raw signal history.
	SignalHistory int `json:"signalHistory"`
}

// DefaultConfig returns engine defaults for all three market classes.
func DefaultConfig() Config {
	return Config{
		Classes: []types.MarketClass{
			types.MarketClassCrypto,
			types.MarketClassWeather,
			types.MarketClassEconomics,
		},
		Series: map[types.MarketClass][]string{
			types.MarketClassCrypto:    {"KXBTCD", "KXETHD"},
			types.MarketClassWeather:   {"KXHIGHNY", "KXHIGHCHI", "KXHIGHMIA", "KXHIGHAUS"},
			types.MarketClassEconomics: {"KXCPI", "KXJOBS", "KXFED", "KXGDP", "KXSP500"},
		},
		Window:           types.TradingWindow{StartHourUTC: 10, EndHourUTC: 23},
		MaxHoursToClose:  48,
		MinConfidence:    0.55,
		MinExpectedValue: decimal.NewFromFloat(0.05),
		BaseScoreFloor:   0.15,
		TradeHistory:     1000,
		SignalHistory:    500,
	}
}

// Deps are the components the engine coordinates. Venue, Store and the
// feeds are interfaces so tests can script them.
type Deps struct {
	Venue     exchange.Venue
	Store     store.Store
	Candles   *data.Store
	Quality   *data.Checker
	Spot      SpotFeed
	Weather   EstimateFeed
	Economic  EstimateFeed
	Registry  *strategy.Registry
	Composite *signals.Generator
	Gate      *risk.Gate
	Sizer     *risk.Sizer
	Manager   *execution.Manager
	Tracker   *learning.Tracker
	Pool      *workers.Pool
	Bus       *events.Bus
	Metrics   *metrics.Recorder

	// Clock overrides the cycle timestamp source. Nil means time.Now.
	Clock func() time.Time
}

// CycleResult summarizes one completed cycle for a class.
type CycleResult struct {
	Class     types.MarketClass `json:"class"`
	StartedAt time.Time         `json:"startedAt"`
	Duration  time.Duration     `json:"duration"`
	OK        bool              `json:"ok"`
	Reason    string            `json:"reason,omitempty"`
	Markets   int               `json:"markets"`
	Signals   int               `json:"signals"`
	Admitted  int               `json:"admitted"`
	Entered   int               `json:"entered"`
	Exited    int               `json:"exited"`
	InWindow  bool              `json:"inWindow"`
	Paused    bool              `json:"paused"`
}

// ModeChange is published on the event bus when a class's learning
// mode shifts.
type ModeChange struct {
	Class types.MarketClass `json:"class"`
	From  learning.Mode     `json:"from"`
	To    learning.Mode     `json:"to"`
}

// Engine owns the cycle flow and the state that spans cycles.
type Engine struct {
	logger *zap.Logger
	config Config
	deps   Deps

	paused  atomic.Bool
	balance decimal.Decimal

	guards map[types.MarketClass]*atomic.Bool

	mu          sync.RWMutex
	lastResults map[types.MarketClass]CycleResult
	trades      []types.TradeRecord
	signals     []types.Signal
}

// New creates an engine from config and wired dependencies.
func New(logger *zap.Logger, config Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if config.TradeHistory <= 0 {
		config.TradeHistory = DefaultConfig().TradeHistory
	}
	if config.SignalHistory <= 0 {
		config.SignalHistory = DefaultConfig().SignalHistory
	}
	guards := make(map[types.MarketClass]*atomic.Bool, len(config.Classes))
	for _, class := range config.Classes {
		guards[class] = &atomic.Bool{}
	}
	return &Engine{
		logger:      logger.Named("engine"),
		config:      config,
		deps:        deps,
		guards:      guards,
		lastResults: make(map[types.MarketClass]CycleResult),
	}
}

// Restore loads persisted positions, budgets and learning state for
// every configured class. Missing keys mean a fresh start for that
// class; any other store error aborts, because trading without the
// restored book would double-enter held instruments.
func (e *Engine) Restore(ctx context.Context) error {
	var positions []types.Position
	for _, class := range e.config.Classes {
		var classPositions []types.Position
		err := e.deps.Store.Load(ctx, store.Key(store.KindPositions, class), &classPositions)
		switch {
		case err == nil:
			positions = append(positions, classPositions...)
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("restore positions for %s: %w", class, err)
		}

		var budget risk.Budget
		err = e.deps.Store.Load(ctx, store.Key(store.KindBudget, class), &budget)
		switch {
		case err == nil:
			e.deps.Gate.RestoreBudget(class, budget)
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("restore budget for %s: %w", class, err)
		}

		var state learning.ClassState
		err = e.deps.Store.Load(ctx, store.Key(store.KindLearning, class), &state)
		switch {
		case err == nil:
			e.deps.Tracker.Restore(state)
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("restore learning for %s: %w", class, err)
		}
	}
	if len(positions) > 0 {
		e.deps.Manager.Restore(positions)
	}
	e.logger.Info("State restored",
		zap.Int("positions", len(positions)),
		zap.Int("classes", len(e.config.Classes)))
	return nil
}

// Pause suppresses new entries. Exits and settlements keep running.
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		e.logger.Info("Entries paused")
	}
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		e.logger.Info("Entries resumed")
	}
}

// Paused reports whether entries are suppressed.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// LastResults returns the most recent cycle result per class.
func (e *Engine) LastResults() map[types.MarketClass]CycleResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[types.MarketClass]CycleResult, len(e.lastResults))
	for class, res := range e.lastResults {
		out[class] = res
	}
	return out
}

// TradeHistory returns closed trades, newest last. limit <= 0 returns
// everything retained.
func (e *Engine) TradeHistory(limit int) []types.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	records := e.trades
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]types.TradeRecord, len(records))
	copy(out, records)
	return out
}

// SignalHistory returns raw signals from recent cycles, newest last.
// limit <= 0 returns everything retained.
func (e *Engine) SignalHistory(limit int) []types.Signal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	records := e.signals
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]types.Signal, len(records))
	copy(out, records)
	return out
}

// Balance returns the last balance observed from the venue.
func (e *Engine) Balance() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// ConfigSnapshot returns a copy of the engine's configuration. Config
// is fixed at construction; the copy keeps callers from aliasing the
// class and series slices.
func (e *Engine) ConfigSnapshot() Config {
	out := e.config
	out.Classes = append([]types.MarketClass(nil), e.config.Classes...)
	out.Series = make(map[types.MarketClass][]string, len(e.config.Series))
	for class, series := range e.config.Series {
		out.Series[class] = append([]string(nil), series...)
	}
	return out
}

// RunCycle executes one full cycle for a class and returns its result.
// A cycle already in flight for the same class makes this call a no-op
// skip so a slow venue never stacks work.
func (e *Engine) RunCycle(ctx context.Context, class types.MarketClass) CycleResult {
	guard, ok := e.guards[class]
	if !ok {
		return CycleResult{Class: class, Reason: "class not configured"}
	}
	if !guard.CompareAndSwap(false, true) {
		e.logger.Debug("Cycle skipped, previous still running", zap.String("class", string(class)))
		e.deps.Metrics.RecordCycle(string(class), metrics.CycleSkipped, 0)
		return CycleResult{Class: class, Reason: "previous cycle still running"}
	}
	defer guard.Store(false)

	wallStart := time.Now()
	res := e.runCycle(ctx, class)
	res.Duration = time.Since(wallStart)

	status := metrics.CycleOK
	if !res.OK {
		status = metrics.CycleError
	}
	e.deps.Metrics.RecordCycle(string(class), status, res.Duration.Seconds())
	e.deps.Bus.Emit(events.TypeCycle, res)

	e.mu.Lock()
	e.lastResults[class] = res
	e.mu.Unlock()

	if res.OK {
		e.logger.Info("Cycle complete",
			zap.String("class", string(class)),
			zap.Int("markets", res.Markets),
			zap.Int("signals", res.Signals),
			zap.Int("admitted", res.Admitted),
			zap.Int("entered", res.Entered),
			zap.Int("exited", res.Exited),
			zap.Duration("duration", res.Duration))
	} else {
		e.logger.Warn("Cycle failed",
			zap.String("class", string(class)),
			zap.String("reason", res.Reason),
			zap.Duration("duration", res.Duration))
	}
	return res
}

func (e *Engine) runCycle(ctx context.Context, class types.MarketClass) CycleResult {
	now := e.deps.Clock().UTC()
	res := CycleResult{
		Class:     class,
		StartedAt: now,
		InWindow:  e.config.Window.Contains(now),
		Paused:    e.paused.Load(),
	}

	status, err := e.deps.Venue.Status(ctx)
	if err != nil {
		e.logger.Warn("Venue status check failed", zap.Error(err))
		res.Reason = "venue unavailable"
		return res
	}
	if !status.ExchangeActive || !status.TradingActive {
		res.Reason = "venue trading halted"
		return res
	}

	if balance, err := e.deps.Venue.GetBalance(ctx); err != nil {
		e.logger.Warn("Balance check failed, using last known", zap.Error(err))
	} else {
		e.mu.Lock()
		e.balance = balance
		e.mu.Unlock()
		e.deps.Metrics.SetBalance(balance.InexactFloat64())
	}

	markets, err := e.refreshMarkets(ctx, class, now)
	if err != nil {
		e.logger.Warn("Market snapshot failed", zap.String("class", string(class)), zap.Error(err))
		res.Reason = "market snapshot failed"
		return res
	}
	res.Markets = len(markets)
	e.deps.Metrics.SetMarketsTracked(string(class), len(markets))

	input := e.refreshFeeds(ctx, class, now)

	e.deps.Manager.MarkPositions(markets)
	records := e.deps.Manager.ManageExits(ctx, markets, now)
	for _, rec := range records {
		e.absorbTrade(rec, now)
	}
	res.Exited = len(records)
	if freed := e.deps.Manager.ExpireCooldowns(now); len(freed) > 0 {
		e.logger.Debug("Cooldowns expired", zap.Strings("tickers", freed))
	}

	if res.InWindow && !res.Paused {
		candidates := e.generate(ctx, class, markets, input, now)
		res.Signals = len(candidates)
		if len(candidates) > 0 {
			decisions := e.deps.Gate.Admit(now, class, candidates, markets, e.deps.Manager.OpenCount())
			admitted := make([]types.Signal, 0, len(decisions))
			for _, dec := range decisions {
				e.deps.Bus.Emit(events.TypeDecision, dec)
				e.deps.Metrics.RecordDecision(string(class), dec.Stage)
				if dec.Admitted {
					admitted = append(admitted, dec.Signal)
				}
			}
			res.Admitted = len(admitted)
			res.Entered = e.enter(ctx, class, admitted, markets, now)
		}
	} else {
		e.logger.Debug("Entries suppressed",
			zap.String("class", string(class)),
			zap.Bool("inWindow", res.InWindow),
			zap.Bool("paused", res.Paused))
	}

	e.publishGauges(class, now)

	if err := e.persist(ctx, class, now); err != nil {
		e.logger.Error("State persist failed", zap.String("class", string(class)), zap.Error(err))
		res.Reason = "state persist failed"
		return res
	}

	res.OK = true
	return res
}

// refreshMarkets builds the cycle's market snapshot: every market under
// the class's series inside the close horizon, plus individual fetches
// for held tickers that dropped out of the listing. Settled markets
// leave the open listing, and exits need their snapshot to settle the
// position.
func (e *Engine) refreshMarkets(ctx context.Context, class types.MarketClass, now time.Time) (map[string]types.Market, error) {
	seriesList := e.config.Series[class]
	out := make(map[string]types.Market)
	failed := 0
	var lastErr error
	for _, series := range seriesList {
		markets, err := e.deps.Venue.ListOpenMarkets(ctx, series)
		if err != nil {
			failed++
			lastErr = err
			e.logger.Warn("Series listing failed", zap.String("series", series), zap.Error(err))
			continue
		}
		for _, market := range markets {
			if market.Class == "" {
				market.Class = types.ClassifyTicker(market.EventTicker)
			}
			if market.HoursToClose(now) > e.config.MaxHoursToClose {
				continue
			}
			out[market.Ticker] = market
		}
	}
	if len(seriesList) > 0 && failed == len(seriesList) {
		return nil, fmt.Errorf("all %d series listings failed: %w", failed, lastErr)
	}

	for _, pos := range e.deps.Manager.Positions() {
		if types.ClassifyTicker(pos.Ticker) != class {
			continue
		}
		if _, ok := out[pos.Ticker]; ok {
			continue
		}
		market, err := e.deps.Venue.GetMarket(ctx, pos.Ticker)
		if err != nil {
			e.logger.Warn("Held market fetch failed", zap.String("ticker", pos.Ticker), zap.Error(err))
			continue
		}
		if market.Class == "" {
			market.Class = types.ClassifyTicker(market.EventTicker)
		}
		out[market.Ticker] = market
	}
	return out, nil
}

// refreshFeeds pulls the class's external data and seeds the strategy
// input. Feed failures degrade to an emptier input rather than failing
// the cycle; evaluators skip what they cannot price.
func (e *Engine) refreshFeeds(ctx context.Context, class types.MarketClass, now time.Time) strategy.Input {
	input := strategy.Input{Now: now}
	switch class {
	case types.MarketClassCrypto:
		if e.deps.Spot != nil {
			if err := e.deps.Spot.Refresh(ctx); err != nil {
				e.logger.Warn("Spot refresh failed", zap.Error(err))
			}
		}
		input.Candles = e.usableCandles(now)
	case types.MarketClassWeather:
		if e.deps.Weather != nil {
			input.Forecasts = e.deps.Weather.Estimates(ctx)
		}
	case types.MarketClassEconomics:
		if e.deps.Economic != nil {
			input.Nowcasts = e.deps.Economic.Estimates(ctx)
		}
	}
	return input
}

// usableCandles returns the candle series that pass the quality check.
// A stale or gappy series is withheld entirely; a wrong signal is worse
// than no signal.
func (e *Engine) usableCandles(now time.Time) map[string][]types.Candle {
	if e.deps.Candles == nil {
		return nil
	}
	out := make(map[string][]types.Candle)
	for _, symbol := range e.deps.Candles.Symbols() {
		series := e.deps.Candles.Candles(symbol, 0)
		report := e.deps.Quality.Check(symbol, series, now)
		if !report.Usable {
			e.logger.Warn("Candle series unusable",
				zap.String("symbol", symbol),
				zap.Int("bars", report.Bars),
				zap.Any("issues", report.Issues))
			continue
		}
		out[symbol] = series
	}
	return out
}

// generate runs every enabled evaluator over the cycle input on the
// worker pool, then sorts and pre-filters the merged candidates. The
// composite weights and score floor are refreshed from the learning
// tracker first so the evaluation reflects recent outcomes.
func (e *Engine) generate(ctx context.Context, class types.MarketClass, markets map[string]types.Market, input strategy.Input, now time.Time) []types.Signal {
	e.deps.Composite.SetWeights(class, e.deps.Tracker.Weights(class))
	input.Now = now
	input.MinScore = e.deps.Tracker.ScoreFloor(class, e.config.BaseScoreFloor)
	input.Markets = sortedMarkets(markets)

	evaluators := e.deps.Registry.Enabled()
	var mu sync.Mutex
	var all []types.Signal
	err := workers.Each(e.deps.Pool, evaluators, func(ev strategy.Evaluator) error {
		sigs := ev.Evaluate(ctx, input)
		if len(sigs) == 0 {
			return nil
		}
		mu.Lock()
		all = append(all, sigs...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		e.logger.Warn("Evaluator fan-out incomplete", zap.Error(err))
	}
	strategy.SortSignals(all)
	e.recordSignals(all)

	kept := make([]types.Signal, 0, len(all))
	for _, sig := range all {
		e.deps.Bus.Emit(events.TypeSignal, sig)
		e.deps.Metrics.RecordSignal(string(class), sig.Strategy)
		if e.holdsAnyLeg(sig) {
			continue
		}
		if sig.Confidence < e.config.MinConfidence {
			continue
		}
		if sig.ExpectedValue.LessThan(e.config.MinExpectedValue) {
			continue
		}
		kept = append(kept, sig)
	}
	e.logger.Debug("Signals generated",
		zap.String("class", string(class)),
		zap.Int("raw", len(all)),
		zap.Int("candidates", len(kept)))
	return kept
}

// enter sizes and places each admitted signal. A group entry can fail
// partway; legs that filled before the failure still count against the
// budget.
func (e *Engine) enter(ctx context.Context, class types.MarketClass, admitted []types.Signal, markets map[string]types.Market, now time.Time) int {
	entered := 0
	for _, sig := range admitted {
		contracts := e.deps.Sizer.Contracts(sig, e.Balance(), e.deps.Manager.Exposure(), e.deps.Gate.LossRoom(class, now))
		if contracts <= 0 {
			e.logger.Debug("Signal sized to zero", zap.String("ticker", sig.Ticker))
			continue
		}
		legs := signalLegs(sig)
		if err := e.deps.Manager.OpenPosition(ctx, sig, contracts, markets, now); err != nil {
			e.logger.Warn("Entry failed",
				zap.String("ticker", sig.Ticker),
				zap.String("strategy", sig.Strategy),
				zap.Error(err))
			placed := make([]string, 0, len(legs))
			for _, leg := range legs {
				if e.deps.Manager.Held(leg) {
					placed = append(placed, leg)
					e.deps.Metrics.RecordOrder("buy", "executed")
				} else {
					e.deps.Metrics.RecordOrder("buy", "failed")
				}
			}
			if len(placed) > 0 {
				e.deps.Gate.RecordEntry(class, placed, now)
			}
			continue
		}
		for range legs {
			e.deps.Metrics.RecordOrder("buy", "executed")
		}
		e.deps.Gate.RecordEntry(class, legs, now)
		entered++
	}
	return entered
}

// absorbTrade folds one closed trade into the learning tracker, the
// risk budget, the retained history and the event stream.
func (e *Engine) absorbTrade(rec types.TradeRecord, now time.Time) {
	before := e.deps.Tracker.Mode(rec.Class)
	e.deps.Tracker.Record(rec)
	if after := e.deps.Tracker.Mode(rec.Class); after != before {
		e.logger.Info("Learning mode shifted",
			zap.String("class", string(rec.Class)),
			zap.String("from", string(before)),
			zap.String("to", string(after)))
		e.deps.Bus.Emit(events.TypeMode, ModeChange{Class: rec.Class, From: before, To: after})
	}
	e.deps.Gate.RecordPnL(rec.Class, rec.PnL, now)
	e.deps.Metrics.RecordTrade(string(rec.Class), string(rec.Outcome))
	if rec.ExitReason != types.ExitSettlement {
		e.deps.Metrics.RecordOrder("sell", "executed")
	}

	e.mu.Lock()
	e.trades = append(e.trades, rec)
	if len(e.trades) > e.config.TradeHistory {
		e.trades = e.trades[len(e.trades)-e.config.TradeHistory:]
	}
	e.mu.Unlock()
}

// recordSignals retains raw signals for the control surface, newest
// last.
func (e *Engine) recordSignals(sigs []types.Signal) {
	if len(sigs) == 0 {
		return
	}
	e.mu.Lock()
	e.signals = append(e.signals, sigs...)
	if len(e.signals) > e.config.SignalHistory {
		e.signals = e.signals[len(e.signals)-e.config.SignalHistory:]
	}
	e.mu.Unlock()
}

// publishGauges refreshes the point-in-time metrics after the book has
// been managed for the cycle.
func (e *Engine) publishGauges(class types.MarketClass, now time.Time) {
	open := 0
	for _, pos := range e.deps.Manager.Positions() {
		if types.ClassifyTicker(pos.Ticker) == class {
			open++
		}
	}
	e.deps.Metrics.SetOpenPositions(string(class), open)
	e.deps.Metrics.SetExposure(e.deps.Manager.Exposure().InexactFloat64())
	budget := e.deps.Gate.Budget(class, now)
	e.deps.Metrics.SetDailyPnL(string(class), budget.DailyPnL.InexactFloat64())
}

// persist writes the class's positions, budget and learning state to
// the durable store. A failed persist fails the cycle; a restart in
// that window would trade on stale state.
func (e *Engine) persist(ctx context.Context, class types.MarketClass, now time.Time) error {
	positions := make([]types.Position, 0)
	for _, pos := range e.deps.Manager.Positions() {
		if types.ClassifyTicker(pos.Ticker) == class {
			positions = append(positions, pos)
		}
	}
	if err := e.deps.Store.Save(ctx, store.Key(store.KindPositions, class), positions); err != nil {
		return fmt.Errorf("save positions: %w", err)
	}
	if err := e.deps.Store.Save(ctx, store.Key(store.KindBudget, class), e.deps.Gate.Budget(class, now)); err != nil {
		return fmt.Errorf("save budget: %w", err)
	}
	if err := e.deps.Store.Save(ctx, store.Key(store.KindLearning, class), e.deps.Tracker.State(class)); err != nil {
		return fmt.Errorf("save learning: %w", err)
	}
	return nil
}

// bridge pumps manager events onto the bus until ctx ends.
func (e *Engine) bridge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-e.deps.Manager.Updates():
			e.deps.Bus.Emit(events.TypePosition, update)
		case rec := <-e.deps.Manager.Trades():
			e.deps.Bus.Emit(events.TypeTrade, rec)
		}
	}
}

// holdsAnyLeg reports whether any instrument the signal touches is
// already held or cooling down.
func (e *Engine) holdsAnyLeg(sig types.Signal) bool {
	for _, leg := range signalLegs(sig) {
		if e.deps.Manager.Held(leg) {
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

func sortedMarkets(markets map[string]types.Market) []types.Market {
	out := make([]types.Market, 0, len(markets))
	for _, market := range markets {
		out = append(out, market)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}
