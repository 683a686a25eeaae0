// Package execution drives the per-instrument position lifecycle:
// flat -> entering -> open -> exiting -> cooldown and back to flat.
// Entries are single-attempt, exits are latched and retried until they
// fill, and every completed round trip becomes a TradeRecord.
package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/exchange"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/kestrel-markets/prediction-engine/pkg/utils"
)

// ManagerConfig configures exit thresholds and lifecycle pacing.
type ManagerConfig struct {
	TakeProfitPct    float64       `json:"takeProfitPct"`    // unrealized gain fraction that triggers an exit
	StopLossPct      float64       `json:"stopLossPct"`      // unrealized loss fraction that triggers an exit
	ExitHoursBefore  float64       `json:"exitHoursBefore"`  // defensive exit window ahead of settlement
	MaxExitsPerCycle int           `json:"maxExitsPerCycle"` // exit orders placed per pass
	Cooldown         time.Duration `json:"cooldown"`         // post-exit hold before the instrument re-arms
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		TakeProfitPct:    0.15,
		StopLossPct:      0.20,
		ExitHoursBefore:  0.5,
		MaxExitsPerCycle: 3,
		Cooldown:         30 * time.Minute,
	}
}

// PositionUpdate is emitted on every state transition.
type PositionUpdate struct {
	Ticker string              `json:"ticker"`
	From   types.PositionState `json:"from"`
	To     types.PositionState `json:"to"`
	At     time.Time           `json:"at"`
}

// Manager runs the state machine for every held instrument. FLAT is
// represented by absence: an instrument with no tracked position is
// eligible for entry.
type Manager struct {
	logger *zap.Logger
	config ManagerConfig
	venue  exchange.Venue

	mu        sync.RWMutex
	positions map[string]*types.Position

	updates chan PositionUpdate
	trades  chan types.TradeRecord
}

// NewManager creates a position lifecycle manager placing orders on venue.
func NewManager(logger *zap.Logger, venue exchange.Venue, config ManagerConfig) *Manager {
	return &Manager{
		logger:    logger.Named("positions"),
		config:    config,
		venue:     venue,
		positions: make(map[string]*types.Position),
		updates:   make(chan PositionUpdate, 256),
		trades:    make(chan types.TradeRecord, 256),
	}
}

// Updates exposes state transitions for streaming consumers.
func (m *Manager) Updates() <-chan PositionUpdate {
	return m.updates
}

// Trades exposes completed trade records for streaming consumers. The
// authoritative hand-off to learning is the ManageExits return value.
func (m *Manager) Trades() <-chan types.TradeRecord {
	return m.trades
}

// OpenPosition runs FLAT -> ENTERING -> OPEN for an admitted signal.
// A group signal expands into one entry per leg, placed sequentially;
// the first failed leg abandons the remaining ones while keeping legs
// already filled. Entry placement is a single attempt: any failure or
// unfilled acknowledgment is logged, the instrument returns to FLAT,
// and nothing retries.
func (m *Manager) OpenPosition(ctx context.Context, sig types.Signal, contracts int64, markets map[string]types.Market, now time.Time) error {
	if contracts <= 0 {
		return fmt.Errorf("position size must be positive, got %d", contracts)
	}

	if len(sig.GroupIDs) > 1 {
		return m.openGroup(ctx, sig, contracts, markets, now)
	}

	market, ok := markets[sig.Ticker]
	if !ok {
		return fmt.Errorf("no market snapshot for %s", sig.Ticker)
	}
	return m.enterLeg(ctx, sig, sig.Ticker, contracts, types.DollarsToCents(sig.Price), market, now)
}

// openGroup places one entry per leg at that leg's ask. Legs filled
// before a failure stay on as ordinary positions and exit through the
// normal lifecycle.
func (m *Manager) openGroup(ctx context.Context, sig types.Signal, sets int64, markets map[string]types.Market, now time.Time) error {
	for i, ticker := range sig.GroupIDs {
		market, ok := markets[ticker]
		if !ok {
			m.logGroupAbandon(sig, i, fmt.Sprintf("no market snapshot for %s", ticker))
			return fmt.Errorf("group entry %s: no market snapshot for leg %s", sig.ID, ticker)
		}
		if err := m.enterLeg(ctx, sig, ticker, sets, askCents(&market, sig.Side), market, now); err != nil {
			m.logGroupAbandon(sig, i, err.Error())
			return fmt.Errorf("group entry %s: %w", sig.ID, err)
		}
	}
	return nil
}

func (m *Manager) logGroupAbandon(sig types.Signal, failedLeg int, detail string) {
	if remaining := len(sig.GroupIDs) - failedLeg - 1; remaining > 0 {
		m.logger.Warn("Abandoning remaining group legs",
			zap.String("signalId", sig.ID),
			zap.Int("filledLegs", failedLeg),
			zap.Int("remainingLegs", remaining),
			zap.String("detail", detail))
	}
}

func (m *Manager) enterLeg(ctx context.Context, sig types.Signal, ticker string, contracts, limitCents int64, market types.Market, now time.Time) error {
	if err := m.admitEntry(sig, ticker, contracts, market, now); err != nil {
		return err
	}

	order := types.Order{
		ClientOrderID: uuid.NewString(),
		Ticker:        ticker,
		Side:          sig.Side,
		Action:        types.OrderActionBuy,
		Count:         contracts,
		LimitPrice:    limitCents,
	}
	result, err := m.venue.PlaceOrder(ctx, order)
	if err != nil {
		m.abandonEntry(ticker, now, fmt.Sprintf("order failed: %v", err))
		return fmt.Errorf("entry %s: %w", ticker, err)
	}
	if result.Status != types.OrderStatusExecuted || result.FilledCount <= 0 {
		m.abandonEntry(ticker, now, fmt.Sprintf("order %s not filled, status %s", result.OrderID, result.Status))
		return fmt.Errorf("entry %s: order %s not filled, status %s", ticker, result.OrderID, result.Status)
	}

	m.confirmEntry(ticker, result, now)
	return nil
}

// admitEntry installs the ENTERING position. A second position on the
// same instrument is a state machine violation and is refused loudly.
func (m *Manager) admitEntry(sig types.Signal, ticker string, contracts int64, market types.Market, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.positions[ticker]; ok {
		m.logger.Error("Refusing duplicate entry",
			zap.String("ticker", ticker),
			zap.String("state", string(existing.State)))
		return fmt.Errorf("position already exists for %s in state %s", ticker, existing.State)
	}

	m.positions[ticker] = &types.Position{
		Ticker:         ticker,
		Class:          sig.Class,
		Side:           sig.Side,
		State:          types.PositionEntering,
		Contracts:      contracts,
		Strategy:       sig.Strategy,
		SignalID:       sig.ID,
		Indicators:     sig.Indicators,
		CloseTime:      market.CloseTime,
		StateChangedAt: now,
	}
	m.emit(PositionUpdate{Ticker: ticker, From: types.PositionFlat, To: types.PositionEntering, At: now})
	return nil
}

// abandonEntry returns an instrument to FLAT after a failed entry.
func (m *Manager) abandonEntry(ticker string, now time.Time, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.positions, ticker)
	m.emit(PositionUpdate{Ticker: ticker, From: types.PositionEntering, To: types.PositionFlat, At: now})
	m.logger.Warn("Entry abandoned",
		zap.String("ticker", ticker),
		zap.String("reason", string(types.ExitAbandoned)),
		zap.String("detail", detail))
}

// confirmEntry records the realized fill and moves ENTERING -> OPEN.
func (m *Manager) confirmEntry(ticker string, result types.OrderResult, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[ticker]
	if !ok {
		return
	}
	pos.Contracts = result.FilledCount
	pos.EntryPrice = result.AvgPrice
	pos.CurrentPrice = result.AvgPrice
	pos.Cost = result.AvgPrice.Mul(decimal.NewFromInt(result.FilledCount))
	pos.OpenedAt = now
	pos.State = types.PositionOpen
	pos.StateChangedAt = now
	m.emit(PositionUpdate{Ticker: ticker, From: types.PositionEntering, To: types.PositionOpen, At: now})
	m.logger.Info("Position opened",
		zap.String("ticker", ticker),
		zap.String("side", string(pos.Side)),
		zap.Int64("contracts", pos.Contracts),
		zap.String("entryPrice", pos.EntryPrice.StringFixed(2)))
}

// MarkPositions refreshes current prices and unrealized PnL from the
// latest market snapshots. A position whose market is missing from the
// snapshot keeps its previous mark.
func (m *Manager) MarkPositions(markets map[string]types.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ticker, pos := range m.positions {
		switch pos.State {
		case types.PositionEntering, types.PositionOpen, types.PositionExiting:
		default:
			continue
		}
		market, ok := markets[ticker]
		if !ok {
			continue
		}
		mid := sideMid(&market, pos.Side)
		if mid.IsZero() {
			continue
		}
		pos.CurrentPrice = mid
		pos.UnrealizedPnL = mid.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Contracts))
	}
}

// ManageExits runs one exit pass. Settled markets close immediately at
// their settlement value and are never throttled. OPEN positions are
// tested against take-profit, stop-loss and the time-to-close floor;
// triggered ones latch into EXITING. Latched positions then place exit
// orders, previously latched retries first, capped at MaxExitsPerCycle
// orders per pass. The returned records feed the learning tracker.
func (m *Manager) ManageExits(ctx context.Context, markets map[string]types.Market, now time.Time) []types.TradeRecord {
	var records []types.TradeRecord

	for _, ticker := range m.heldTickers() {
		market, ok := markets[ticker]
		if !ok {
			continue
		}
		if market.Status == types.MarketStatusSettled && market.Result != "" {
			if rec, closed := m.settle(ticker, market.Result, now); closed {
				records = append(records, rec)
			}
		}
	}

	placed := 0
	for _, ticker := range m.exitCandidates(markets, now) {
		if placed >= m.config.MaxExitsPerCycle {
			m.logger.Debug("Exit throttle reached, deferring remaining exits",
				zap.Int("placed", placed))
			break
		}
		market, ok := markets[ticker]
		if !ok {
			continue
		}
		placed++
		if rec, closed := m.placeExit(ctx, ticker, &market, now); closed {
			records = append(records, rec)
		}
	}

	return records
}

// exitCandidates latches newly triggered OPEN positions into EXITING
// and returns every EXITING ticker, previously latched ones first.
func (m *Manager) exitCandidates(markets map[string]types.Market, now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var retries, fresh []string
	for ticker, pos := range m.positions {
		switch pos.State {
		case types.PositionExiting:
			retries = append(retries, ticker)
		case types.PositionOpen:
			market, ok := markets[ticker]
			if !ok {
				continue
			}
			reason, triggered := m.exitTrigger(pos, &market, now)
			if !triggered {
				continue
			}
			pos.State = types.PositionExiting
			pos.StateChangedAt = now
			pos.PendingExit = reason
			m.emit(PositionUpdate{Ticker: ticker, From: types.PositionOpen, To: types.PositionExiting, At: now})
			m.logger.Info("Exit triggered",
				zap.String("ticker", ticker),
				zap.String("reason", string(reason)),
				zap.String("mark", pos.CurrentPrice.StringFixed(2)))
			fresh = append(fresh, ticker)
		}
	}
	sort.Strings(retries)
	sort.Strings(fresh)
	return append(retries, fresh...)
}

// exitTrigger recomputes unrealized gain against the mid restated for
// the held side and tests the configured thresholds.
func (m *Manager) exitTrigger(pos *types.Position, market *types.Market, now time.Time) (types.ExitReason, bool) {
	if mid := sideMid(market, pos.Side); !mid.IsZero() && pos.EntryPrice.IsPositive() {
		gain, _ := mid.Sub(pos.EntryPrice).Div(pos.EntryPrice).Float64()
		if gain >= m.config.TakeProfitPct {
			return types.ExitTakeProfit, true
		}
		if gain <= -m.config.StopLossPct {
			return types.ExitStopLoss, true
		}
	}
	if market.HoursToClose(now) <= m.config.ExitHoursBefore {
		return types.ExitTimeToClose, true
	}
	return "", false
}

// placeExit sells a latched position back at the restated bid. A
// failed placement keeps the latch so the next pass retries it.
func (m *Manager) placeExit(ctx context.Context, ticker string, market *types.Market, now time.Time) (types.TradeRecord, bool) {
	m.mu.RLock()
	pos, ok := m.positions[ticker]
	if !ok || pos.State != types.PositionExiting {
		m.mu.RUnlock()
		return types.TradeRecord{}, false
	}
	order := types.Order{
		ClientOrderID: uuid.NewString(),
		Ticker:        ticker,
		Side:          pos.Side,
		Action:        types.OrderActionSell,
		Count:         pos.Contracts,
		LimitPrice:    bidCents(market, pos.Side),
	}
	m.mu.RUnlock()

	result, err := m.venue.PlaceOrder(ctx, order)
	if err != nil {
		m.logger.Warn("Exit order failed, retrying next cycle",
			zap.String("ticker", ticker),
			zap.Error(err))
		return types.TradeRecord{}, false
	}
	if result.Status != types.OrderStatusExecuted || result.FilledCount <= 0 {
		m.logger.Warn("Exit order not filled, retrying next cycle",
			zap.String("ticker", ticker),
			zap.String("status", string(result.Status)))
		return types.TradeRecord{}, false
	}

	return m.closePosition(ticker, result.AvgPrice, "", now)
}

// settle closes a position at its settlement value: a dollar per
// contract when the held side won, nothing when it lost. Settlement
// moves any non-FLAT state directly to COOLDOWN.
func (m *Manager) settle(ticker string, result types.Side, now time.Time) (types.TradeRecord, bool) {
	m.mu.RLock()
	pos, ok := m.positions[ticker]
	var side types.Side
	if ok {
		side = pos.Side
		ok = pos.State != types.PositionCooldown
	}
	m.mu.RUnlock()
	if !ok {
		return types.TradeRecord{}, false
	}

	exitPrice := decimal.Zero
	if result == side {
		exitPrice = decimal.NewFromInt(1)
	}
	return m.closePosition(ticker, exitPrice, types.ExitSettlement, now)
}

// closePosition finalizes the round trip: the position moves to
// COOLDOWN and its TradeRecord is built from the realized exit.
func (m *Manager) closePosition(ticker string, exitPrice decimal.Decimal, reason types.ExitReason, now time.Time) (types.TradeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[ticker]
	if !ok {
		return types.TradeRecord{}, false
	}
	if reason == "" {
		reason = pos.PendingExit
	}
	from := pos.State
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Contracts))

	rec := types.TradeRecord{
		ID:          uuid.NewString(),
		Ticker:      ticker,
		Class:       pos.Class,
		Side:        pos.Side,
		Strategy:    pos.Strategy,
		Contracts:   pos.Contracts,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		PnL:         pnl,
		Outcome:     outcomeOf(pnl),
		ExitReason:  reason,
		EnteredAt:   pos.OpenedAt,
		ExitedAt:    now,
		HourOfDay:   pos.OpenedAt.UTC().Hour(),
		PriceBucket: utils.PriceBucket(types.DollarsToCents(pos.EntryPrice)),
		Indicators:  pos.Indicators,
	}

	pos.State = types.PositionCooldown
	pos.StateChangedAt = now
	pos.CooldownUntil = now.Add(m.config.Cooldown)
	pos.CurrentPrice = exitPrice
	pos.UnrealizedPnL = decimal.Zero
	pos.PendingExit = ""
	m.emit(PositionUpdate{Ticker: ticker, From: from, To: types.PositionCooldown, At: now})

	select {
	case m.trades <- rec:
	default:
		m.logger.Warn("Trade channel full, dropping record", zap.String("ticker", ticker))
	}

	m.logger.Info("Position closed",
		zap.String("ticker", ticker),
		zap.String("reason", string(reason)),
		zap.String("pnl", pnl.StringFixed(2)),
		zap.String("outcome", string(rec.Outcome)))
	return rec, true
}

// ExpireCooldowns releases instruments whose cooldown has elapsed,
// returning the freed tickers. Release is removal: a FLAT instrument
// is simply absent from the book.
func (m *Manager) ExpireCooldowns(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []string
	for ticker, pos := range m.positions {
		if pos.State == types.PositionCooldown && !pos.CooldownUntil.After(now) {
			delete(m.positions, ticker)
			m.emit(PositionUpdate{Ticker: ticker, From: types.PositionCooldown, To: types.PositionFlat, At: now})
			freed = append(freed, ticker)
		}
	}
	sort.Strings(freed)
	if len(freed) > 0 {
		m.logger.Debug("Cooldowns expired", zap.Strings("tickers", freed))
	}
	return freed
}

// Positions returns a copy of every tracked position, sorted by ticker.
func (m *Manager) Positions() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Position returns the tracked position for one instrument.
func (m *Manager) Position(ticker string) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[ticker]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// OpenCount reports positions holding or seeking exposure. Cooldown
// positions have already closed and do not count against concurrency.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, pos := range m.positions {
		switch pos.State {
		case types.PositionEntering, types.PositionOpen, types.PositionExiting:
			count++
		}
	}
	return count
}

// Exposure sums the cost basis of positions holding exposure.
func (m *Manager) Exposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range m.positions {
		switch pos.State {
		case types.PositionEntering, types.PositionOpen, types.PositionExiting:
			total = total.Add(pos.Cost)
		}
	}
	return total
}

// Held reports whether an instrument is occupied in any state,
// cooldown included. Signal generation skips held instruments.
func (m *Manager) Held(ticker string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.positions[ticker]
	return ok
}

// Restore replaces the in-memory book with a persisted snapshot.
// Entering positions cannot outlive the placement call that created
// them, so restored ones are dropped.
func (m *Manager) Restore(positions []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = make(map[string]*types.Position, len(positions))
	for i := range positions {
		pos := positions[i]
		if pos.State == types.PositionEntering || pos.State == types.PositionFlat {
			continue
		}
		m.positions[pos.Ticker] = &pos
	}
}

func (m *Manager) heldTickers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tickers := make([]string, 0, len(m.positions))
	for ticker := range m.positions {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return tickers
}

// emit publishes a transition without blocking the state machine.
func (m *Manager) emit(update PositionUpdate) {
	select {
	case m.updates <- update:
	default:
		m.logger.Warn("Update channel full, dropping transition", zap.String("ticker", update.Ticker))
	}
}

// sideMid restates the yes mid for the held side, in dollars.
func sideMid(market *types.Market, side types.Side) decimal.Decimal {
	mid := market.YesMid()
	if mid <= 0 {
		return decimal.Zero
	}
	if side == types.SideNo {
		mid = 100 - mid
	}
	return decimal.NewFromFloat(mid).Div(decimal.NewFromInt(100))
}

// askCents is the touch an entry buys from for the traded side.
func askCents(market *types.Market, side types.Side) int64 {
	if side == types.SideYes {
		return market.YesAsk
	}
	return market.NoAsk
}

// bidCents is the touch an exit sells into for the held side.
func bidCents(market *types.Market, side types.Side) int64 {
	if side == types.SideYes {
		return market.YesBid
	}
	return market.NoBid
}

func outcomeOf(pnl decimal.Decimal) types.TradeOutcome {
	switch {
	case pnl.IsPositive():
		return types.OutcomeWin
	case pnl.IsNegative():
		return types.OutcomeLoss
	default:
		return types.OutcomeFlat
	}
}
