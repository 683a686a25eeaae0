package strategy

import (
	"context"
	"fmt"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/kestrel-markets/prediction-engine/pkg/utils"
	"go.uber.org/zap"
)

// BiasConfig configures the favorite-longshot fade evaluator.
type BiasConfig struct {
	UpperThreshold float64 `json:"upperThreshold"` // yes-mid prob at or above which YES is faded
	LowerThreshold float64 `json:"lowerThreshold"` // yes-mid prob at or below which YES is bought
	MaxBias        float64 `json:"maxBias"`        // edge at the price extremes
	MinVolume24H   int64   `json:"minVolume24h"`
}

// DefaultBiasConfig returns sensible defaults.
func DefaultBiasConfig() BiasConfig {
	return BiasConfig{
		UpperThreshold: 0.90,
		LowerThreshold: 0.10,
		MaxBias:        0.05,
		MinVolume24H:   100,
	}
}

// BiasEvaluator fades extreme-priced contracts: NO against heavy
// favorites, YES on deep longshots. The edge ramps linearly from zero
// at the threshold to MaxBias at the price boundary, so a contract just
// past the threshold carries almost no edge.
type BiasEvaluator struct {
	logger *zap.Logger
	config BiasConfig
}

// NewBiasEvaluator creates the favorite-longshot fade evaluator.
func NewBiasEvaluator(logger *zap.Logger, config BiasConfig) *BiasEvaluator {
	return &BiasEvaluator{
		logger: logger.Named("bias"),
		config: config,
	}
}

func (e *BiasEvaluator) Name() string { return "longshot_bias" }

func (e *BiasEvaluator) Description() string {
	return "Fades extreme-priced contracts on the favorite-longshot bias curve"
}

// Evaluate emits a fade signal for every sufficiently traded market
// priced beyond either threshold.
func (e *BiasEvaluator) Evaluate(ctx context.Context, input Input) []types.Signal {
	var out []types.Signal

	for i := range input.Markets {
		m := &input.Markets[i]
		if m.Status != types.MarketStatusActive || m.HoursToClose(input.Now) <= 0 {
			continue
		}
		if m.Volume24H < e.config.MinVolume24H {
			continue
		}

		yesProb := m.ImpliedProbability()

		var (
			side types.Side
			bias float64
		)
		switch {
		case yesProb >= e.config.UpperThreshold:
			side = types.SideNo
			bias = e.config.MaxBias * (yesProb - e.config.UpperThreshold) / (1 - e.config.UpperThreshold)
		case yesProb <= e.config.LowerThreshold:
			side = types.SideYes
			bias = e.config.MaxBias * (e.config.LowerThreshold - yesProb) / e.config.LowerThreshold
		default:
			continue
		}
		bias = utils.Clamp(bias, 0, e.config.MaxBias)

		// The fade thesis: the true yes-probability sits bias closer to
		// the middle than the printed price.
		var estYes, edge float64
		if side == types.SideNo {
			estYes = yesProb - bias
			edge = -bias
		} else {
			estYes = yesProb + bias
			edge = bias
		}

		prob := estYes
		if side == types.SideNo {
			prob = 1 - estYes
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
			Confidence:    utils.Clamp(bias/e.config.MaxBias, 0, 1) * 0.6,
			ExpectedValue: ev,
			Reasoning: fmt.Sprintf("yes_mid=%.2f beyond %s threshold, bias=%.3f, volume_24h=%d",
				yesProb, thresholdName(side), bias, m.Volume24H),
			CreatedAt: input.Now,
		})
	}

	return out
}

func thresholdName(side types.Side) string {
	if side == types.SideNo {
		return "upper"
	}
	return "lower"
}
