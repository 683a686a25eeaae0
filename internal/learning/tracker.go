// Package learning turns completed trades into adjusted indicator
// weights, win-rate tables and a trading mode. Everything is keyed per
// market class so hourly crypto brackets never teach the weather book.
package learning

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/signals"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Mode gates how eagerly new entries are generated.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeAggressive Mode = "aggressive"
	ModeRecovery   Mode = "recovery"
)

// TrackerConfig configures weight adjustment and mode switching.
type TrackerConfig struct {
	MinObservations     int     `json:"minObservations"`     // attributions before a weight moves off default
	MaxWeightShift      float64 `json:"maxWeightShift"`      // bound on weight drift, as a fraction of default
	RecoveryLossStreak  int     `json:"recoveryLossStreak"`  // consecutive losses that force recovery
	RecoveryExitWins    int     `json:"recoveryExitWins"`    // consecutive wins that lift recovery
	AggressiveWinStreak int     `json:"aggressiveWinStreak"` // consecutive wins that unlock aggressive
	RecoveryBoost       float64 `json:"recoveryBoost"`       // added to the score floor in recovery
	AggressiveRelief    float64 `json:"aggressiveRelief"`    // taken off the score floor in aggressive
	MinComboTrades      int     `json:"minComboTrades"`      // observations before a combo rate is reported
}

// DefaultTrackerConfig returns sensible defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MinObservations:     5,
		MaxWeightShift:      0.5,
		RecoveryLossStreak:  3,
		RecoveryExitWins:    2,
		AggressiveWinStreak: 5,
		RecoveryBoost:       0.10,
		AggressiveRelief:    0.05,
		MinComboTrades:      3,
	}
}

// IndicatorStat counts attributions for one indicator.
type IndicatorStat struct {
	Correct int `json:"correct"`
	Wrong   int `json:"wrong"`
}

// Accuracy is the rolling fraction of correct attributions.
func (s *IndicatorStat) Accuracy() float64 {
	total := s.Correct + s.Wrong
	if total == 0 {
		return 0.5
	}
	return float64(s.Correct) / float64(total)
}

// WinRate counts outcomes for one table bucket.
type WinRate struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
}

// Rate is the win fraction of the bucket.
func (w *WinRate) Rate() float64 {
	total := w.Wins + w.Losses
	if total == 0 {
		return 0
	}
	return float64(w.Wins) / float64(total)
}

// Observations is the number of decided trades in the bucket.
func (w *WinRate) Observations() int {
	return w.Wins + w.Losses
}

// ClassState is the full learning state for one market class. It is
// what the durable store persists between cycles.
type ClassState struct {
	Class      types.MarketClass         `json:"class"`
	Indicators map[string]*IndicatorStat `json:"indicators"`
	Hours      map[int]*WinRate          `json:"hours"`
	Buckets    map[string]*WinRate       `json:"buckets"`
	Combos     map[string]*WinRate       `json:"combos"`
	Trades     int                       `json:"trades"`
	Wins       int                       `json:"wins"`
	Losses     int                       `json:"losses"`
	PnL        decimal.Decimal           `json:"pnl"`
	WinStreak  int                       `json:"winStreak"`
	LossStreak int                       `json:"lossStreak"`
	Mode       Mode                      `json:"mode"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

func newClassState(class types.MarketClass) *ClassState {
	return &ClassState{
		Class:      class,
		Indicators: make(map[string]*IndicatorStat),
		Hours:      make(map[int]*WinRate),
		Buckets:    make(map[string]*WinRate),
		Combos:     make(map[string]*WinRate),
		PnL:        decimal.Zero,
		Mode:       ModeNormal,
	}
}

// Tracker accumulates trade outcomes into per-class learning state.
type Tracker struct {
	logger *zap.Logger
	config TrackerConfig

	mu      sync.RWMutex
	classes map[types.MarketClass]*ClassState
}

// NewTracker creates an adaptive learning tracker.
func NewTracker(logger *zap.Logger, config TrackerConfig) *Tracker {
	return &Tracker{
		logger:  logger.Named("learning"),
		config:  config,
		classes: make(map[types.MarketClass]*ClassState),
	}
}

// Record folds one completed trade into the class state: indicator
// attribution, the hour/bucket/combo tables, streaks and mode. Trades
// that settle dead flat adjust nothing but the totals.
func (t *Tracker) Record(rec types.TradeRecord) {
	outcome := decidedOutcome(rec)

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.class(rec.Class)
	state.Trades++
	state.PnL = state.PnL.Add(rec.PnL)
	state.UpdatedAt = rec.ExitedAt

	if outcome == types.OutcomeFlat {
		return
	}
	won := outcome == types.OutcomeWin
	if won {
		state.Wins++
		state.WinStreak++
		state.LossStreak = 0
	} else {
		state.Losses++
		state.LossStreak++
		state.WinStreak = 0
	}

	t.attribute(state, rec, won)
	t.tally(state.Hours, rec.HourOfDay, won)
	t.tallyKey(state.Buckets, rec.PriceBucket, won)
	if combo := comboKey(rec.Indicators); combo != "" {
		t.tallyKey(state.Combos, combo, won)
	}
	t.shiftMode(state, won)
}

// attribute credits or blames every indicator that took a side on this
// trade. A score is supportive when its sign points the way the traded
// side needed: positive for yes, negative for no.
func (t *Tracker) attribute(state *ClassState, rec types.TradeRecord, won bool) {
	for name, reading := range rec.Indicators {
		if reading.Score == 0 {
			continue
		}
		supportive := reading.Score > 0
		if rec.Side == types.SideNo {
			supportive = !supportive
		}
		stat, ok := state.Indicators[name]
		if !ok {
			stat = &IndicatorStat{}
			state.Indicators[name] = stat
		}
		if supportive == won {
			stat.Correct++
		} else {
			stat.Wrong++
		}
	}
}

func (t *Tracker) tally(table map[int]*WinRate, key int, won bool) {
	rate, ok := table[key]
	if !ok {
		rate = &WinRate{}
		table[key] = rate
	}
	if won {
		rate.Wins++
	} else {
		rate.Losses++
	}
}

func (t *Tracker) tallyKey(table map[string]*WinRate, key string, won bool) {
	if key == "" {
		return
	}
	rate, ok := table[key]
	if !ok {
		rate = &WinRate{}
		table[key] = rate
	}
	if won {
		rate.Wins++
	} else {
		rate.Losses++
	}
}

// shiftMode walks the mode ladder after each decided trade: a loss
// streak forces recovery, wins climb back to normal and then to
// aggressive, and any loss in aggressive drops straight to normal.
func (t *Tracker) shiftMode(state *ClassState, won bool) {
	prior := state.Mode
	switch {
	case state.LossStreak >= t.config.RecoveryLossStreak:
		state.Mode = ModeRecovery
	case state.Mode == ModeRecovery && state.WinStreak >= t.config.RecoveryExitWins:
		state.Mode = ModeNormal
	case state.Mode == ModeNormal && state.WinStreak >= t.config.AggressiveWinStreak:
		state.Mode = ModeAggressive
	case state.Mode == ModeAggressive && !won:
		state.Mode = ModeNormal
	}
	if state.Mode != prior {
		t.logger.Info("Trading mode changed",
			zap.String("class", string(state.Class)),
			zap.String("from", string(prior)),
			zap.String("to", string(state.Mode)),
			zap.Int("winStreak", state.WinStreak),
			zap.Int("lossStreak", state.LossStreak))
	}
}

// Weights returns the effective indicator weights for a class: each
// default shifted in proportion to that indicator's rolling accuracy
// relative to a coin flip, bounded by MaxWeightShift. Indicators with
// too few attributions stay at their default.
func (t *Tracker) Weights(class types.MarketClass) map[string]float64 {
	weights := signals.DefaultWeights()

	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.classes[class]
	if !ok {
		return weights
	}
	for name, def := range weights {
		stat, ok := state.Indicators[name]
		if !ok || stat.Correct+stat.Wrong < t.config.MinObservations {
			continue
		}
		shift := (stat.Accuracy() - 0.5) * 2
		weights[name] = def * (1 + t.config.MaxWeightShift*shift)
	}
	return weights
}

// Mode returns the current trading mode for a class.
func (t *Tracker) Mode(class types.MarketClass) Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if state, ok := t.classes[class]; ok {
		return state.Mode
	}
	return ModeNormal
}

// ScoreFloor restates a base composite-score floor for the class mode:
// recovery tightens entries, aggressive relaxes them slightly.
func (t *Tracker) ScoreFloor(class types.MarketClass, base float64) float64 {
	switch t.Mode(class) {
	case ModeRecovery:
		return base + t.config.RecoveryBoost
	case ModeAggressive:
		floor := base - t.config.AggressiveRelief
		if floor < 0 {
			return 0
		}
		return floor
	default:
		return base
	}
}

// ComboRate reports the win rate for an indicator combination once it
// has been observed enough times to mean anything.
func (t *Tracker) ComboRate(class types.MarketClass, combo string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.classes[class]
	if !ok {
		return 0, false
	}
	rate, ok := state.Combos[combo]
	if !ok || rate.Observations() < t.config.MinComboTrades {
		return 0, false
	}
	return rate.Rate(), true
}

// State returns a deep copy of one class's learning state.
func (t *Tracker) State(class types.MarketClass) ClassState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.classes[class]
	if !ok {
		return *newClassState(class)
	}
	return copyState(state)
}

// Snapshot returns a deep copy of every class state for persistence.
func (t *Tracker) Snapshot() map[types.MarketClass]ClassState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.MarketClass]ClassState, len(t.classes))
	for class, state := range t.classes {
		out[class] = copyState(state)
	}
	return out
}

// Restore replaces one class's state from a persisted snapshot.
func (t *Tracker) Restore(state ClassState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	restored := copyState(&state)
	if restored.Mode == "" {
		restored.Mode = ModeNormal
	}
	t.classes[state.Class] = &restored
}

func (t *Tracker) class(class types.MarketClass) *ClassState {
	state, ok := t.classes[class]
	if !ok {
		state = newClassState(class)
		t.classes[class] = state
	}
	return state
}

// decidedOutcome resolves win/loss from the PnL sign, falling back to
// the exit reason when a trade closes at exactly its entry price.
func decidedOutcome(rec types.TradeRecord) types.TradeOutcome {
	switch {
	case rec.PnL.IsPositive():
		return types.OutcomeWin
	case rec.PnL.IsNegative():
		return types.OutcomeLoss
	case rec.ExitReason == types.ExitTakeProfit:
		return types.OutcomeWin
	case rec.ExitReason == types.ExitStopLoss:
		return types.OutcomeLoss
	default:
		return types.OutcomeFlat
	}
}

// comboKey names the set of indicators that took a side, sorted so the
// same combination always lands in the same table row.
func comboKey(snapshot types.IndicatorSnapshot) string {
	var names []string
	for name, reading := range snapshot {
		if reading.Score != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}

func copyState(state *ClassState) ClassState {
	out := *state
	out.Indicators = make(map[string]*IndicatorStat, len(state.Indicators))
	for name, stat := range state.Indicators {
		copied := *stat
		out.Indicators[name] = &copied
	}
	out.Hours = make(map[int]*WinRate, len(state.Hours))
	for hour, rate := range state.Hours {
		copied := *rate
		out.Hours[hour] = &copied
	}
	out.Buckets = make(map[string]*WinRate, len(state.Buckets))
	for bucket, rate := range state.Buckets {
		copied := *rate
		out.Buckets[bucket] = &copied
	}
	out.Combos = make(map[string]*WinRate, len(state.Combos))
	for combo, rate := range state.Combos {
		copied := *rate
		out.Combos[combo] = &copied
	}
	return out
}
