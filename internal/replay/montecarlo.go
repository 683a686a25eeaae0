package replay

import (
	"math"
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// MonteCarloConfig tunes the resampling pass over a replay's closed
// trades. The seed is fixed by default so the same trades produce the
// same distribution.
type MonteCarloConfig struct {
	Iterations   int     `json:"iterations"`
	Seed         int64   `json:"seed"`
	RuinFraction float64 `json:"ruinFraction"` // balance fraction below which a path counts as ruin
}

// DefaultMonteCarloConfig returns the stock resampling settings.
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{
		Iterations:   1000,
		Seed:         1,
		RuinFraction: 0.5,
	}
}

// MonteCarloResult summarizes the resampled PnL paths. Percentiles are
// dollars over the starting balance; drawdown is the dollar distance
// from a path's running peak.
type MonteCarloResult struct {
	Iterations      int             `json:"iterations"`
	MedianPnL       decimal.Decimal `json:"medianPnl"`
	P5PnL           decimal.Decimal `json:"p5Pnl"`
	P95PnL          decimal.Decimal `json:"p95Pnl"`
	MaxDrawdownP95  decimal.Decimal `json:"maxDrawdownP95"`
	RuinProbability float64         `json:"ruinProbability"`
}

// MonteCarlo bootstraps the closed trades into alternative equity paths:
// each iteration draws len(trades) trades with replacement and walks
// their PnL from startingBalance, recording the terminal PnL, the worst
// drawdown and whether the path crossed the ruin line. A strategy whose
// replay profit depends on one lucky ordering shows up here as a wide
// P5/P95 spread or a non-zero ruin probability.
func MonteCarlo(logger *zap.Logger, config MonteCarloConfig, trades []types.TradeRecord, startingBalance decimal.Decimal) MonteCarloResult {
	if config.Iterations <= 0 {
		config.Iterations = DefaultMonteCarloConfig().Iterations
	}
	if config.RuinFraction <= 0 || config.RuinFraction >= 1 {
		config.RuinFraction = DefaultMonteCarloConfig().RuinFraction
	}
	if len(trades) == 0 {
		return MonteCarloResult{}
	}

	pnls := make([]float64, len(trades))
	for i, trade := range trades {
		pnls[i], _ = trade.PnL.Float64()
	}
	start, _ := startingBalance.Float64()
	ruinLine := start * config.RuinFraction

	rng := rand.New(rand.NewSource(config.Seed))
	totals := make([]float64, config.Iterations)
	drawdowns := make([]float64, config.Iterations)
	ruined := 0

	for i := 0; i < config.Iterations; i++ {
		equity := start
		peak := equity
		maxDD := 0.0
		ruin := false

		for range pnls {
			equity += pnls[rng.Intn(len(pnls))]
			if equity > peak {
				peak = equity
			}
			if dd := peak - equity; dd > maxDD {
				maxDD = dd
			}
			if equity <= ruinLine {
				ruin = true
				break
			}
		}

		totals[i] = equity - start
		drawdowns[i] = maxDD
		if ruin {
			ruined++
		}
	}

	sort.Float64s(totals)
	sort.Float64s(drawdowns)

	result := MonteCarloResult{
		Iterations:      config.Iterations,
		MedianPnL:       decimal.NewFromFloat(percentile(totals, 50)),
		P5PnL:           decimal.NewFromFloat(percentile(totals, 5)),
		P95PnL:          decimal.NewFromFloat(percentile(totals, 95)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(drawdowns, 95)),
		RuinProbability: float64(ruined) / float64(config.Iterations),
	}

	logger.Info("Monte Carlo resampling complete",
		zap.Int("iterations", result.Iterations),
		zap.Int("trades", len(trades)),
		zap.String("medianPnl", result.MedianPnL.StringFixed(2)),
		zap.String("p5Pnl", result.P5PnL.StringFixed(2)),
		zap.Float64("ruinProbability", result.RuinProbability))

	return result
}

// percentile interpolates the pth percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
