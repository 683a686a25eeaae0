package strategy

import (
	"context"
	"fmt"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"github.com/kestrel-markets/prediction-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SpreadConfig configures the spread-fade evaluator.
type SpreadConfig struct {
	MinSpreadCents int64 `json:"minSpreadCents"`
	MinLiquidity   int64 `json:"minLiquidity"` // cents of resting book value
}

// DefaultSpreadConfig returns sensible defaults.
func DefaultSpreadConfig() SpreadConfig {
	return SpreadConfig{
		MinSpreadCents: 8,
		MinLiquidity:   5000,
	}
}

// SpreadEvaluator fades wide books: it proposes a resting limit at the
// midpoint of the cheaper side, earning half the spread when filled.
type SpreadEvaluator struct {
	logger *zap.Logger
	config SpreadConfig
}

// NewSpreadEvaluator creates the spread-fade evaluator.
func NewSpreadEvaluator(logger *zap.Logger, config SpreadConfig) *SpreadEvaluator {
	return &SpreadEvaluator{
		logger: logger.Named("spread"),
		config: config,
	}
}

func (e *SpreadEvaluator) Name() string { return "spread_fade" }

func (e *SpreadEvaluator) Description() string {
	return "Rests midpoint limits inside wide, liquid books"
}

// Evaluate emits a midpoint-limit signal for each wide enough book.
// The signal's price is the proposed limit, not a marketable ask.
func (e *SpreadEvaluator) Evaluate(ctx context.Context, input Input) []types.Signal {
	var out []types.Signal

	for i := range input.Markets {
		m := &input.Markets[i]
		if m.Status != types.MarketStatusActive || m.HoursToClose(input.Now) <= 0 {
			continue
		}
		spread := m.SpreadCents()
		if spread < e.config.MinSpreadCents || m.Liquidity < e.config.MinLiquidity {
			continue
		}

		yesProb := m.ImpliedProbability()
		halfSpread := float64(spread) / 2.0 / 100.0

		side := types.SideYes
		sideMid := yesProb
		edge := halfSpread
		if yesProb > 0.5 {
			side = types.SideNo
			sideMid = 1 - yesProb
			edge = -halfSpread
		}
		prob := utils.Clamp(sideMid+halfSpread, 0.01, 0.99)

		limit := decimal.NewFromFloat(sideMid).Round(2)
		ev := expectedValue(prob, limit)

		out = append(out, types.Signal{
			ID:            utils.GenerateSignalID(),
			Ticker:        m.Ticker,
			Class:         m.Class,
			Side:          side,
			Strategy:      e.Name(),
			Price:         limit,
			Probability:   prob,
			Edge:          edge,
			Confidence:    utils.Clamp(0.3+float64(spread-e.config.MinSpreadCents)*0.02, 0.3, 0.6),
			ExpectedValue: ev,
			Reasoning: fmt.Sprintf("spread=%d¢ across liquidity=%s, resting %s at %s",
				spread, utils.FormatMoney(types.CentsToDollars(m.Liquidity)), side, limit.StringFixed(2)),
			CreatedAt: input.Now,
		})
	}

	return out
}
