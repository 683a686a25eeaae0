package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/kestrel-markets/prediction-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ArbitrageConfig configures the mutually-exclusive set evaluator.
type ArbitrageConfig struct {
	SumThreshold float64 `json:"sumThreshold"` // deviation from 1.00 required to act
	MinMarkets   int     `json:"minMarkets"`
	MinVolume24H int64   `json:"minVolume24h"` // per member
}

// DefaultArbitrageConfig returns sensible defaults.
func DefaultArbitrageConfig() ArbitrageConfig {
	return ArbitrageConfig{
		SumThreshold: 0.03,
		MinMarkets:   2,
		MinVolume24H: 50,
	}
}

// ArbitrageEvaluator looks for mutually-exclusive event sets whose
// yes-mid probabilities sum away from 1.00. Markets sharing an event
// ticker form the set. A mispriced set produces one group signal
// spanning every member; the set's payoff is deterministic, so the
// signal carries probability 1.
type ArbitrageEvaluator struct {
	logger *zap.Logger
	config ArbitrageConfig
}

// NewArbitrageEvaluator creates the mutually-exclusive set evaluator.
func NewArbitrageEvaluator(logger *zap.Logger, config ArbitrageConfig) *ArbitrageEvaluator {
	return &ArbitrageEvaluator{
		logger: logger.Named("arbitrage"),
		config: config,
	}
}

func (e *ArbitrageEvaluator) Name() string { return "arbitrage" }

func (e *ArbitrageEvaluator) Description() string {
	return "Trades mutually-exclusive event sets priced away from 100%"
}

// Evaluate groups markets by event ticker and emits one signal per
// mispriced set.
func (e *ArbitrageEvaluator) Evaluate(ctx context.Context, input Input) []types.Signal {
	groups := make(map[string][]*types.Market)
	for i := range input.Markets {
		m := &input.Markets[i]
		if m.Status != types.MarketStatusActive || m.HoursToClose(input.Now) <= 0 {
			continue
		}
		if m.EventTicker == "" || m.Volume24H < e.config.MinVolume24H {
			continue
		}
		groups[m.EventTicker] = append(groups[m.EventTicker], m)
	}

	events := make([]string, 0, len(groups))
	for event := range groups {
		events = append(events, event)
	}
	sort.Strings(events)

	var out []types.Signal
	for _, event := range events {
		members := groups[event]
		if len(members) < e.config.MinMarkets {
			continue
		}
		if sig := e.analyze(event, members, input.Now); sig != nil {
			out = append(out, *sig)
		}
	}

	return out
}

// analyze prices one event set. Edge is the mid-based excess per the
// sum test; expected value uses real asks, so a set whose mids are
// mispriced but whose books are too wide to capture is dropped here.
func (e *ArbitrageEvaluator) analyze(event string, members []*types.Market, now time.Time) *types.Signal {
	sort.Slice(members, func(i, j int) bool { return members[i].Ticker < members[j].Ticker })

	var sum float64
	for _, m := range members {
		sum += m.ImpliedProbability()
	}

	var (
		side types.Side
		edge float64
	)
	switch {
	case sum >= 1+e.config.SumThreshold:
		side = types.SideNo
		edge = sum - 1
	case sum <= 1-e.config.SumThreshold:
		side = types.SideYes
		edge = 1 - sum
	default:
		return nil
	}

	// Cost of one full set at the asks and its settlement payoff: with
	// exactly one member resolving yes, N-1 no contracts pay out on the
	// no side, one yes contract pays out on the yes side.
	setCost := decimal.Zero
	for _, m := range members {
		setCost = setCost.Add(sideCost(m, side))
	}
	payoff := decimal.NewFromInt(1)
	if side == types.SideNo {
		payoff = decimal.NewFromInt(int64(len(members) - 1))
	}
	ev := payoff.Sub(setCost)
	if !ev.IsPositive() {
		e.logger.Debug("Set mispriced at mids but not at asks",
			zap.String("event", event),
			zap.Float64("sum", sum),
			zap.String("setCost", setCost.StringFixed(2)))
		return nil
	}

	groupIDs := make([]string, len(members))
	for i, m := range members {
		groupIDs[i] = m.Ticker
	}

	return &types.Signal{
		ID:            utils.GenerateSignalID(),
		Ticker:        event,
		Class:         members[0].Class,
		Side:          side,
		Strategy:      e.Name(),
		Price:         setCost,
		Probability:   1,
		Edge:          edge,
		Confidence:    1,
		ExpectedValue: ev,
		Reasoning: fmt.Sprintf("event %s: %d members, yes_mid_sum=%.3f, buy %s on all, excess=%.3f",
			event, len(members), sum, side, edge),
		GroupIDs:  groupIDs,
		CreatedAt: now,
	}
}
