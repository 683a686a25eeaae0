package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/kestrel-markets/prediction-engine/pkg/utils"
	"go.uber.org/zap"
)

// VolumeConfig configures the volume-spike evaluator.
type VolumeConfig struct {
	MinRatio     float64 `json:"minRatio"`     // 24h volume over open interest
	MinVolume24H int64   `json:"minVolume24h"` // absolute floor
	MidBandLow   float64 `json:"midBandLow"`   // yes-mid prob band for eligibility
	MidBandHigh  float64 `json:"midBandHigh"`
	EdgePerRatio float64 `json:"edgePerRatio"` // edge granted per ratio point above MinRatio
	MaxEdge      float64 `json:"maxEdge"`
}

// DefaultVolumeConfig returns sensible defaults.
func DefaultVolumeConfig() VolumeConfig {
	return VolumeConfig{
		MinRatio:     3.0,
		MinVolume24H: 500,
		MidBandLow:   0.30,
		MidBandHigh:  0.70,
		EdgePerRatio: 0.01,
		MaxEdge:      0.08,
	}
}

// VolumeEvaluator flags markets whose 24h volume runs far ahead of open
// interest, a proxy for informed flow. Direction follows the tape: a
// last print above the mid reads as aggressive yes buying, below as no.
type VolumeEvaluator struct {
	logger *zap.Logger
	config VolumeConfig
}

// NewVolumeEvaluator creates the volume-spike evaluator.
func NewVolumeEvaluator(logger *zap.Logger, config VolumeConfig) *VolumeEvaluator {
	return &VolumeEvaluator{
		logger: logger.Named("volume"),
		config: config,
	}
}

func (e *VolumeEvaluator) Name() string { return "volume_spike" }

func (e *VolumeEvaluator) Description() string {
	return "Follows informed flow where 24h volume far exceeds open interest"
}

// Evaluate emits a tape-following signal for each eligible spike.
func (e *VolumeEvaluator) Evaluate(ctx context.Context, input Input) []types.Signal {
	var out []types.Signal

	for i := range input.Markets {
		m := &input.Markets[i]
		if m.Status != types.MarketStatusActive || m.HoursToClose(input.Now) <= 0 {
			continue
		}
		if m.Volume24H < e.config.MinVolume24H || m.OpenInterest <= 0 {
			continue
		}

		ratio := float64(m.Volume24H) / float64(m.OpenInterest)
		if ratio < e.config.MinRatio {
			continue
		}

		yesProb := m.ImpliedProbability()
		if yesProb < e.config.MidBandLow || yesProb > e.config.MidBandHigh {
			continue
		}

		last := float64(m.LastPrice) / 100.0
		var side types.Side
		switch {
		case last > yesProb:
			side = types.SideYes
		case last < yesProb:
			side = types.SideNo
		default:
			continue
		}

		magnitude := math.Min(e.config.MaxEdge, (ratio-e.config.MinRatio)*e.config.EdgePerRatio)
		edge := magnitude
		prob := utils.Clamp(yesProb+magnitude, 0.01, 0.99)
		if side == types.SideNo {
			edge = -magnitude
			prob = utils.Clamp(1-yesProb+magnitude, 0.01, 0.99)
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
			Confidence:    utils.Clamp(0.3+(ratio-e.config.MinRatio)*0.05, 0.3, 0.7),
			ExpectedValue: ev,
			Reasoning: fmt.Sprintf("volume_24h=%d is %.1fx open_interest=%d, last=%.2f vs mid=%.2f",
				m.Volume24H, ratio, m.OpenInterest, last, yesProb),
			CreatedAt: input.Now,
		})
	}

	return out
}
