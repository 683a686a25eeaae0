// Package risk implements the ordered admission gate that stands between
// signal generation and order placement, the rolling trade budgets the
// gate consults, and Kelly-based position sizing. Every rejection is a
// named decision, not an error: the full decision trail is kept for the
// audit feed.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Hard limits. These are not tunable: runtime configuration is clamped
// into them at load and on every control-surface update, so no snapshot
// can widen the bands or lift the caps.
const (
	HardProbMin = 0.40
	HardProbMax = 0.50

	HardPriceMinCents int64 = 10
	HardPriceMaxCents int64 = 90

	HardMaxConcurrent  = 10
	HardMaxHourlyTrade = 6
	HardMaxDailyTrade  = 20
	HardMaxPerCycle    = 3
)

// Gate stage names, in the order the checks run. A signal that fails a
// stage never reaches the next one, so each decision carries exactly one
// rejecting stage.
const (
	StageProbabilityBand = "probability_band"
	StagePriceBand       = "price_band"
	StageMinEdge         = "min_edge"
	StageLiquidity       = "liquidity"
	StageCooldown        = "cooldown"
	StageConcurrency     = "concurrency_cap"
	StageRateCap         = "rate_cap"
	StageLossCap         = "daily_loss_cap"

	// StageCapacity marks signals that cleared every check but ranked
	// below the cycle's slot allowance.
	StageCapacity = "capacity"

	// StageSnapshot marks a signal whose instrument is missing from the
	// market snapshot. That should never happen and is logged loudly.
	StageSnapshot = "missing_market"
)

// GateConfig holds the tunable side of the gate. Clamped() folds it
// into the hard limits before use.
type GateConfig struct {
	ProbMin         float64         `json:"probMin"`         // trade-direction probability band, inclusive
	ProbMax         float64         `json:"probMax"`         //
	PriceMinCents   int64           `json:"priceMinCents"`   // entry price band, inclusive
	PriceMaxCents   int64           `json:"priceMaxCents"`   //
	MinEdge         float64         `json:"minEdge"`         // minimum |edge| in probability points
	MinVolume24H    int64           `json:"minVolume24h"`    // contracts traded in the last 24h
	Cooldown        time.Duration   `json:"cooldown"`        // per-instrument re-entry window
	MaxConcurrent   int             `json:"maxConcurrent"`   // open positions across the book
	MaxHourlyTrades int             `json:"maxHourlyTrades"` //
	MaxDailyTrades  int             `json:"maxDailyTrades"`  //
	MaxDailyLoss    decimal.Decimal `json:"maxDailyLoss"`    // circuit breaker, dollars
	MaxPerCycle     int             `json:"maxPerCycle"`     // admissions per evaluation cycle
}

// DefaultGateConfig returns the stock gate settings.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ProbMin:         HardProbMin,
		ProbMax:         HardProbMax,
		PriceMinCents:   HardPriceMinCents,
		PriceMaxCents:   HardPriceMaxCents,
		MinEdge:         0.03,
		MinVolume24H:    20,
		Cooldown:        time.Hour,
		MaxConcurrent:   5,
		MaxHourlyTrades: 3,
		MaxDailyTrades:  10,
		MaxDailyLoss:    decimal.NewFromInt(50),
		MaxPerCycle:     2,
	}
}

// Clamped returns a copy with every field pulled inside the hard
// limits. Configuration may narrow the bands and lower the caps, never
// the reverse.
func (c GateConfig) Clamped() GateConfig {
	out := c
	if out.ProbMin < HardProbMin {
		out.ProbMin = HardProbMin
	}
	if out.ProbMax > HardProbMax || out.ProbMax <= 0 {
		out.ProbMax = HardProbMax
	}
	if out.PriceMinCents < HardPriceMinCents {
		out.PriceMinCents = HardPriceMinCents
	}
	if out.PriceMaxCents > HardPriceMaxCents || out.PriceMaxCents <= 0 {
		out.PriceMaxCents = HardPriceMaxCents
	}
	if out.MaxConcurrent > HardMaxConcurrent || out.MaxConcurrent <= 0 {
		out.MaxConcurrent = HardMaxConcurrent
	}
	if out.MaxHourlyTrades > HardMaxHourlyTrade || out.MaxHourlyTrades <= 0 {
		out.MaxHourlyTrades = HardMaxHourlyTrade
	}
	if out.MaxDailyTrades > HardMaxDailyTrade || out.MaxDailyTrades <= 0 {
		out.MaxDailyTrades = HardMaxDailyTrade
	}
	if out.MaxPerCycle > HardMaxPerCycle || out.MaxPerCycle <= 0 {
		out.MaxPerCycle = HardMaxPerCycle
	}
	if out.Cooldown <= 0 {
		out.Cooldown = time.Hour
	}
	if out.MaxDailyLoss.LessThanOrEqual(decimal.Zero) {
		out.MaxDailyLoss = decimal.NewFromInt(50)
	}
	return out
}

// Decision records the gate's verdict on one signal. Admitted decisions
// have an empty Stage; rejected ones name the stage that stopped them
// and a human-readable reason.
type Decision struct {
	Signal   types.Signal `json:"signal"`
	Admitted bool         `json:"admitted"`
	Stage    string       `json:"stage,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

const maxDecisionHistory = 500

// Gate runs candidate signals through the ordered admission stages and
// keeps the per-class budgets the later stages consult.
type Gate struct {
	mu        sync.Mutex
	logger    *zap.Logger
	config    GateConfig
	budgets   map[types.MarketClass]*Budget
	decisions []Decision
}

// NewGate creates a gate with the given configuration clamped into the
// hard limits.
func NewGate(logger *zap.Logger, config GateConfig) *Gate {
	return &Gate{
		logger:  logger.Named("gate"),
		config:  config.Clamped(),
		budgets: make(map[types.MarketClass]*Budget),
	}
}

// UpdateConfig swaps the tunable settings. The replacement is clamped,
// so a bad control-surface payload cannot widen the hard limits.
func (g *Gate) UpdateConfig(config GateConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config = config.Clamped()
	g.logger.Info("Gate config updated",
		zap.Float64("probMin", g.config.ProbMin),
		zap.Float64("probMax", g.config.ProbMax),
		zap.Float64("minEdge", g.config.MinEdge),
		zap.Int("maxConcurrent", g.config.MaxConcurrent))
}

// Config returns the active (already clamped) configuration.
func (g *Gate) Config() GateConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.config
}

// Admit runs every candidate through the stages in order, ranks the
// survivors by |edge| then confidence, and admits the top of the list
// until the open-position slots or the per-cycle allowance run out.
// One Decision per candidate comes back, in candidate order for the
// staged checks with admitted/capacity verdicts filled in afterwards.
func (g *Gate) Admit(now time.Time, class types.MarketClass, candidates []types.Signal, markets map[string]types.Market, openCount int) []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	budget := g.budget(class, now)
	decisions := make([]Decision, len(candidates))
	survivors := make([]int, 0, len(candidates))

	for i, sig := range candidates {
		stage, reason := g.check(sig, markets, budget, now, openCount)
		decisions[i] = Decision{Signal: sig, Stage: stage, Reason: reason, At: now}
		if stage == "" {
			survivors = append(survivors, i)
		}
	}

	// Rank survivors: |edge| descending, confidence breaking ties.
	sort.SliceStable(survivors, func(a, b int) bool {
		sa, sb := candidates[survivors[a]], candidates[survivors[b]]
		ea, eb := math.Abs(sa.Edge), math.Abs(sb.Edge)
		if ea != eb {
			return ea > eb
		}
		return sa.Confidence > sb.Confidence
	})

	slots := g.config.MaxConcurrent - openCount
	admitted := 0
	for _, idx := range survivors {
		sig := candidates[idx]
		need := 1
		if len(sig.GroupIDs) > 1 {
			need = len(sig.GroupIDs)
		}
		if admitted >= g.config.MaxPerCycle || need > slots {
			decisions[idx].Stage = StageCapacity
			decisions[idx].Reason = fmt.Sprintf("ranked below cycle allowance (slots=%d, perCycle=%d)", slots, g.config.MaxPerCycle)
			continue
		}
		decisions[idx].Admitted = true
		slots -= need
		admitted++
	}

	for _, d := range decisions {
		if d.Admitted {
			g.logger.Info("Signal admitted",
				zap.String("ticker", d.Signal.Ticker),
				zap.String("strategy", d.Signal.Strategy),
				zap.String("side", string(d.Signal.Side)),
				zap.Float64("edge", d.Signal.Edge))
		} else {
			g.logger.Debug("Signal rejected",
				zap.String("ticker", d.Signal.Ticker),
				zap.String("strategy", d.Signal.Strategy),
				zap.String("stage", d.Stage),
				zap.String("reason", d.Reason))
		}
	}

	g.record(decisions)
	return decisions
}

// check walks the ordered stages for one signal. It returns the name of
// the rejecting stage and the reason, or "" when all stages pass.
func (g *Gate) check(sig types.Signal, markets map[string]types.Market, budget *Budget, now time.Time, openCount int) (string, string) {
	group := len(sig.GroupIDs) > 1
	legs := []string{sig.Ticker}
	if group {
		legs = sig.GroupIDs
	}

	// Stage 1: probability band. Group signals are structural (a full
	// set settles at exactly one payout) and carry probability 1 by
	// construction, so the band does not apply to them.
	if !group {
		if sig.Probability < g.config.ProbMin || sig.Probability > g.config.ProbMax {
			return StageProbabilityBand, fmt.Sprintf("probability %.4f outside [%.2f, %.2f]", sig.Probability, g.config.ProbMin, g.config.ProbMax)
		}
	}

	// Stage 2: price band, checked on every leg.
	for _, ticker := range legs {
		m, ok := markets[ticker]
		if !ok {
			g.logger.Warn("Signal references market missing from snapshot",
				zap.String("ticker", ticker),
				zap.String("strategy", sig.Strategy))
			return StageSnapshot, fmt.Sprintf("no snapshot for %s", ticker)
		}
		cents := legPriceCents(sig, m)
		if cents < g.config.PriceMinCents || cents > g.config.PriceMaxCents {
			return StagePriceBand, fmt.Sprintf("%s at %d¢ outside [%d¢, %d¢]", ticker, cents, g.config.PriceMinCents, g.config.PriceMaxCents)
		}
	}

	// Stage 3: minimum edge.
	if math.Abs(sig.Edge) < g.config.MinEdge {
		return StageMinEdge, fmt.Sprintf("|edge| %.4f below %.4f", math.Abs(sig.Edge), g.config.MinEdge)
	}

	// Stage 4: liquidity.
	for _, ticker := range legs {
		if m, ok := markets[ticker]; ok && m.Volume24H < g.config.MinVolume24H {
			return StageLiquidity, fmt.Sprintf("%s volume_24h %d below %d", ticker, m.Volume24H, g.config.MinVolume24H)
		}
	}

	// Stage 5: per-instrument cooldown.
	for _, ticker := range legs {
		if budget.onCooldown(ticker, now, g.config.Cooldown) {
			return StageCooldown, fmt.Sprintf("%s traded within %s", ticker, g.config.Cooldown)
		}
	}

	// Stage 6: concurrency cap.
	need := 1
	if group {
		need = len(legs)
	}
	if openCount+need > g.config.MaxConcurrent {
		return StageConcurrency, fmt.Sprintf("%d open positions, cap %d", openCount, g.config.MaxConcurrent)
	}

	// Stage 7: hourly and daily rate caps.
	if budget.HourlyTrades >= g.config.MaxHourlyTrades {
		return StageRateCap, fmt.Sprintf("%d trades this hour, cap %d", budget.HourlyTrades, g.config.MaxHourlyTrades)
	}
	if budget.DailyTrades >= g.config.MaxDailyTrades {
		return StageRateCap, fmt.Sprintf("%d trades today, cap %d", budget.DailyTrades, g.config.MaxDailyTrades)
	}

	// Stage 8: daily loss circuit breaker.
	if budget.DailyPnL.IsNegative() && budget.DailyPnL.Neg().GreaterThanOrEqual(g.config.MaxDailyLoss) {
		return StageLossCap, fmt.Sprintf("daily loss %s at limit %s", budget.DailyPnL.StringFixed(2), g.config.MaxDailyLoss.StringFixed(2))
	}

	return "", ""
}

// legPriceCents resolves the entry price for one leg in cents. Single
// signals carry their resolved price; group legs are priced off the
// member's book for the group's side.
func legPriceCents(sig types.Signal, m types.Market) int64 {
	if len(sig.GroupIDs) <= 1 {
		return types.DollarsToCents(sig.Price)
	}
	if sig.Side == types.SideYes {
		if m.YesAsk > 0 {
			return m.YesAsk
		}
		return int64(math.Round(m.ImpliedProbability() * 100))
	}
	if m.NoAsk > 0 {
		return m.NoAsk
	}
	return int64(math.Round((1 - m.ImpliedProbability()) * 100))
}

// RecordEntry counts a placed entry against the class budget and starts
// the cooldown clock for every leg.
func (g *Gate) RecordEntry(class types.MarketClass, tickers []string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budget(class, now).recordOrder(tickers, now)
}

// RecordPnL folds a realized trade result into the class's daily total.
// The loss-cap stage reads the running figure on the next cycle.
func (g *Gate) RecordPnL(class types.MarketClass, pnl decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	budget := g.budget(class, now)
	budget.recordPnL(pnl)
	if budget.DailyPnL.IsNegative() && budget.DailyPnL.Neg().GreaterThanOrEqual(g.config.MaxDailyLoss) {
		g.logger.Warn("Daily loss cap reached, entries halt until UTC midnight",
			zap.String("class", string(class)),
			zap.String("dailyPnl", budget.DailyPnL.StringFixed(2)))
	}
}

// Budget returns a detached copy of the class budget for persistence.
func (g *Gate) Budget(class types.MarketClass, now time.Time) Budget {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.budget(class, now).copy()
}

// LossRoom returns how many dollars of further loss the class can take
// today before the circuit breaker trips. Never negative.
func (g *Gate) LossRoom(class types.MarketClass, now time.Time) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.config.MaxDailyLoss
	if pnl := g.budget(class, now).DailyPnL; pnl.IsNegative() {
		room = room.Add(pnl)
	}
	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}

// RestoreBudget installs a persisted budget, typically at startup. The
// next roll discards it if the day has moved on.
func (g *Gate) RestoreBudget(class types.MarketClass, b Budget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	restored := b
	if restored.LastOrderAt == nil {
		restored.LastOrderAt = make(map[string]time.Time)
	}
	g.budgets[class] = &restored
}

// Decisions returns the most recent decisions, newest first.
func (g *Gate) Decisions(limit int) []Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit <= 0 || limit > len(g.decisions) {
		limit = len(g.decisions)
	}
	out := make([]Decision, limit)
	for i := 0; i < limit; i++ {
		out[i] = g.decisions[len(g.decisions)-1-i]
	}
	return out
}

func (g *Gate) budget(class types.MarketClass, now time.Time) *Budget {
	b, ok := g.budgets[class]
	if !ok {
		b = NewBudget(now)
		g.budgets[class] = b
	}
	b.roll(now, g.config.Cooldown)
	return b
}

func (g *Gate) record(decisions []Decision) {
	g.decisions = append(g.decisions, decisions...)
	if over := len(g.decisions) - maxDecisionHistory; over > 0 {
		g.decisions = g.decisions[over:]
	}
}
