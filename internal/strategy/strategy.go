// Package strategy provides the strategy evaluators that turn market
// snapshots and external estimates into candidate trade signals. Evaluators
// are side-effect-free: each sees a read-only Input for the cycle and
// returns zero or more signals for the risk gate to judge.
package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Input is the read-only snapshot one evaluation cycle sees. Candles are
// keyed by underlying spot symbol, forecasts and nowcasts by series ticker.
type Input struct {
	Now       time.Time
	Markets   []types.Market
	Candles   map[string][]types.Candle
	Forecasts map[string]types.Estimate
	Nowcasts  map[string]types.Estimate

	// MinScore is the composite-score floor the learning tracker sets for
	// price-driven evaluators; recovery mode raises it.
	MinScore float64
}

// Evaluator is the interface all strategy evaluators implement.
type Evaluator interface {
	Name() string
	Description() string
	Evaluate(ctx context.Context, input Input) []types.Signal
}

// Registry manages the available evaluators and their enabled state.
type Registry struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	evaluators []Evaluator
	enabled    map[string]bool
}

// NewRegistry creates an empty evaluator registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("strategy"),
		enabled: make(map[string]bool),
	}
}

// Register adds an evaluator, enabled by default. Registration order is
// preserved so evaluation output is deterministic.
func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evaluators = append(r.evaluators, e)
	r.enabled[e.Name()] = true
}

// SetEnabled toggles a single evaluator by name.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.enabled[name]; ok {
		r.enabled[name] = enabled
	}
}

// Enabled returns the enabled evaluators in registration order.
func (r *Registry) Enabled() []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Evaluator, 0, len(r.evaluators))
	for _, e := range r.evaluators {
		if r.enabled[e.Name()] {
			out = append(out, e)
		}
	}
	return out
}

// List returns all registered evaluator names with their enabled state.
func (r *Registry) List() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.enabled))
	for name, on := range r.enabled {
		out[name] = on
	}
	return out
}

// EvaluateAll runs every enabled evaluator sequentially and returns the
// combined signals sorted by expected value descending, then |edge|
// descending. The engine uses its worker pool instead and sorts the same
// way; replay uses this directly.
func (r *Registry) EvaluateAll(ctx context.Context, input Input) []types.Signal {
	var all []types.Signal
	for _, e := range r.Enabled() {
		select {
		case <-ctx.Done():
			return all
		default:
		}
		all = append(all, e.Evaluate(ctx, input)...)
	}
	SortSignals(all)
	return all
}

// SortSignals orders candidate signals by expected value descending, ties
// broken by |edge| descending.
func SortSignals(signals []types.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if !signals[i].ExpectedValue.Equal(signals[j].ExpectedValue) {
			return signals[i].ExpectedValue.GreaterThan(signals[j].ExpectedValue)
		}
		return abs(signals[i].Edge) > abs(signals[j].Edge)
	})
}

// expectedValue returns the per-contract expected value in dollars for a
// binary contract with a $1 payout: probability minus cost.
func expectedValue(probability float64, cost decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(probability).Sub(cost)
}

// yesCost returns the cost in dollars of buying YES, preferring the ask
// and falling back to the implied probability when the book is empty.
func yesCost(m *types.Market) decimal.Decimal {
	if m.YesAsk > 0 {
		return types.CentsToDollars(m.YesAsk)
	}
	return decimal.NewFromFloat(m.ImpliedProbability())
}

// noCost returns the cost in dollars of buying NO.
func noCost(m *types.Market) decimal.Decimal {
	if m.NoAsk > 0 {
		return types.CentsToDollars(m.NoAsk)
	}
	return decimal.NewFromFloat(1 - m.ImpliedProbability())
}

// sideCost returns the cost in dollars of buying the given side.
func sideCost(m *types.Market, side types.Side) decimal.Decimal {
	if side == types.SideYes {
		return yesCost(m)
	}
	return noCost(m)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
