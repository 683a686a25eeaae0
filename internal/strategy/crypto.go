package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/kestrel-markets/prediction-engine/internal/signals"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/kestrel-markets/prediction-engine/pkg/utils"
	"go.uber.org/zap"
)

// CryptoConfig configures the composite-momentum evaluator.
type CryptoConfig struct {
	MinEdge         float64 `json:"minEdge"`
	ScoreScale      float64 `json:"scoreScale"` // estimated prob = 0.5 + score*scale
	MaxHoursToClose float64 `json:"maxHoursToClose"`
}

// DefaultCryptoConfig returns sensible defaults.
func DefaultCryptoConfig() CryptoConfig {
	return CryptoConfig{
		MinEdge:         0.03,
		ScoreScale:      0.3,
		MaxHoursToClose: 6,
	}
}

// CryptoEvaluator trades up/down crypto series markets on the composite
// signal of the underlying spot series. It is the price-driven evaluator:
// its signals carry the full indicator snapshot so the learning tracker
// can attribute outcomes back to individual indicators.
type CryptoEvaluator struct {
	logger    *zap.Logger
	config    CryptoConfig
	composite *signals.Generator
}

// NewCryptoEvaluator creates the composite-momentum evaluator.
func NewCryptoEvaluator(logger *zap.Logger, config CryptoConfig, composite *signals.Generator) *CryptoEvaluator {
	return &CryptoEvaluator{
		logger:    logger.Named("crypto"),
		config:    config,
		composite: composite,
	}
}

func (e *CryptoEvaluator) Name() string { return "crypto_momentum" }

func (e *CryptoEvaluator) Description() string {
	return "Trades up/down crypto markets on composite indicator momentum"
}

// Evaluate runs the composite generator over each crypto market's
// underlying series. The learning tracker's min-score floor gates weak
// composites before any edge math.
func (e *CryptoEvaluator) Evaluate(ctx context.Context, input Input) []types.Signal {
	var out []types.Signal

	for i := range input.Markets {
		m := &input.Markets[i]
		if m.Class != types.MarketClassCrypto || m.Status != types.MarketStatusActive {
			continue
		}
		hoursLeft := m.HoursToClose(input.Now)
		if hoursLeft <= 0 || hoursLeft > e.config.MaxHoursToClose {
			continue
		}

		symbol := types.UnderlyingSymbol(m.EventTicker)
		if symbol == "" {
			continue
		}
		candles, ok := input.Candles[symbol]
		if !ok {
			continue
		}

		comp := e.composite.Evaluate(m.Class, candles)
		if comp.Direction == signals.DirectionNeutral {
			continue
		}
		if math.Abs(comp.Score) < input.MinScore {
			continue
		}

		estProb := utils.Clamp(0.5+comp.Score*e.config.ScoreScale, 0.01, 0.99)

		marketProb := m.ImpliedProbability()
		edge := estProb - marketProb

		var (
			side types.Side
			prob float64
		)
		switch {
		case edge >= e.config.MinEdge:
			side = types.SideYes
			prob = estProb
		case edge <= -e.config.MinEdge:
			side = types.SideNo
			prob = 1 - estProb
		default:
			continue
		}

		cost := sideCost(m, side)
		ev := expectedValue(prob, cost)

		out = append(out, types.Signal{
			ID:            utils.GenerateSignalID(),
			Ticker:        m.Ticker,
			Class:         m.Class,
			Side:          side,
			Strategy:      e.Name(),
			Price:         cost,
			Probability:   prob,
			Edge:          edge,
			Confidence:    comp.Confidence,
			ExpectedValue: ev,
			Reasoning: fmt.Sprintf("%s %s: %s, est_prob=%.3f, mkt_prob=%.3f, edge=%+.3f",
				symbol, comp.Direction, comp.Reasoning, estProb, marketProb, edge),
			Indicators: comp.Indicators,
			CreatedAt:  input.Now,
		})
	}

	return out
}
