package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/kestrel-markets/prediction-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EconomicConfig configures the macro-release evaluator.
type EconomicConfig struct {
	Series          []types.EconomicSeries `json:"series"`
	EntryEdge       float64                `json:"entryEdge"`  // edge beyond which either side is bought
	MinEdge         float64                `json:"minEdge"`    // final quality floor
	MinEV           float64                `json:"minEv"`      // dollars per contract
	MinVolume24H    int64                  `json:"minVolume24h"`
	MaxHoursToClose float64                `json:"maxHoursToClose"`
}

// DefaultEconomicConfig returns sensible defaults.
func DefaultEconomicConfig() EconomicConfig {
	return EconomicConfig{
		Series:          types.DefaultEconomicSeries(),
		EntryEdge:       0.04,
		MinEdge:         0.03,
		MinEV:           0.01,
		MinVolume24H:    20,
		MaxHoursToClose: 72,
	}
}

// EconomicEvaluator trades macro-release brackets against consensus
// nowcast estimates.
type EconomicEvaluator struct {
	logger *zap.Logger
	config EconomicConfig
	series map[string]types.EconomicSeries
}

// NewEconomicEvaluator creates the macro-release evaluator.
func NewEconomicEvaluator(logger *zap.Logger, config EconomicConfig) *EconomicEvaluator {
	series := make(map[string]types.EconomicSeries, len(config.Series))
	for _, s := range config.Series {
		series[s.SeriesTicker] = s
	}
	return &EconomicEvaluator{
		logger: logger.Named("economic"),
		config: config,
		series: series,
	}
}

func (e *EconomicEvaluator) Name() string { return "economic" }

func (e *EconomicEvaluator) Description() string {
	return "Trades macro-release brackets against consensus nowcasts"
}

// Evaluate scans economic markets nearing settlement. With a nowcast
// available it emits a tradeable signal where the nowcast probability
// and market pricing diverge; without one it emits a zero-edge review
// flag so the market still surfaces in the signal feed.
func (e *EconomicEvaluator) Evaluate(ctx context.Context, input Input) []types.Signal {
	var out []types.Signal

	for i := range input.Markets {
		m := &input.Markets[i]
		if m.Class != types.MarketClassEconomics || m.Status != types.MarketStatusActive {
			continue
		}
		hoursLeft := m.HoursToClose(input.Now)
		if hoursLeft <= 0 || hoursLeft > e.config.MaxHoursToClose {
			continue
		}
		if m.Volume24H < e.config.MinVolume24H {
			continue
		}

		series, ok := e.seriesFor(m.EventTicker)
		if !ok {
			continue
		}

		nowcast, ok := input.Nowcasts[series.SeriesTicker]
		if !ok {
			out = append(out, e.review(m, series, hoursLeft, input))
			continue
		}

		if sig := e.analyze(m, series, nowcast, hoursLeft, input); sig != nil {
			out = append(out, *sig)
		}
	}

	return out
}

// review emits a descriptive flag for a high-volume market nearing
// settlement. Edge and expected value stay zero, so the risk gate drops
// it before any order is considered.
func (e *EconomicEvaluator) review(m *types.Market, series types.EconomicSeries, hoursLeft float64, input Input) types.Signal {
	side := types.SideYes
	marketProb := m.ImpliedProbability()
	prob := marketProb
	if marketProb < 0.5 {
		side = types.SideNo
		prob = 1 - marketProb
	}

	reasoning := fmt.Sprintf(
		"%s: no nowcast, flagged for review, mkt_prob=%.3f, volume_24h=%d, hours_left=%.1f",
		strings.ToUpper(series.Indicator), marketProb, m.Volume24H, hoursLeft)

	return types.Signal{
		ID:          utils.GenerateSignalID(),
		Ticker:      m.Ticker,
		Class:       m.Class,
		Side:        side,
		Strategy:    e.Name(),
		Price:       sideCost(m, side),
		Probability: prob,
		Reasoning:   reasoning,
		CreatedAt:   input.Now,
	}
}

func (e *EconomicEvaluator) analyze(m *types.Market, series types.EconomicSeries, nowcast types.Estimate, hoursLeft float64, input Input) *types.Signal {
	bracket, ok := ParseValueBracket(m.Subtitle)
	if !ok {
		e.logger.Debug("Could not parse bracket",
			zap.String("ticker", m.Ticker),
			zap.String("subtitle", m.Subtitle))
		return nil
	}

	estProb := utils.Clamp(bracket.Probability(nowcast.Value, nowcast.Uncertainty), 0.01, 0.99)

	marketProb := m.ImpliedProbability()
	edge := estProb - marketProb

	var (
		side types.Side
		prob float64
	)
	switch {
	case edge > e.config.EntryEdge:
		side = types.SideYes
		prob = estProb
	case edge < -e.config.EntryEdge:
		side = types.SideNo
		prob = 1 - estProb
	default:
		return nil
	}

	cost := sideCost(m, side)
	ev := expectedValue(prob, cost)

	timeFactor := math.Min(1, math.Max(0.3, 1-hoursLeft/72))
	confidence := math.Min(0.90, math.Abs(edge)*1.5+timeFactor*0.2)

	if math.Abs(edge) < e.config.MinEdge || ev.LessThan(decimal.NewFromFloat(e.config.MinEV)) {
		return nil
	}

	reasoning := fmt.Sprintf(
		"%s: bracket=[%s, %s], est_prob=%.3f, mkt_prob=%.3f, edge=%+.3f, EV=$%s, hours_left=%.1f",
		strings.ToUpper(series.Indicator), formatBound(bracket.Low), formatBound(bracket.High),
		estProb, marketProb, edge, ev.StringFixed(3), hoursLeft)

	return &types.Signal{
		ID:            utils.GenerateSignalID(),
		Ticker:        m.Ticker,
		Class:         m.Class,
		Side:          side,
		Strategy:      e.Name(),
		Price:         cost,
		Probability:   prob,
		Edge:          edge,
		Confidence:    confidence,
		ExpectedValue: ev,
		Reasoning:     reasoning,
		CreatedAt:     input.Now,
	}
}

func (e *EconomicEvaluator) seriesFor(eventTicker string) (types.EconomicSeries, bool) {
	upper := strings.ToUpper(eventTicker)
	for ticker, s := range e.series {
		if strings.HasPrefix(upper, ticker) {
			return s, true
		}
	}
	return types.EconomicSeries{}, false
}
