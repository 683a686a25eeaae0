// Package signals produces composite directional signals by combining
// bounded per-indicator scores into a weighted sum. Weights default to a
// fixed profile and can be overridden per market class by the adaptive
// learning tracker.
package signals

import (
	"fmt"
	"math"
	"sync"

	"github.com/kestrel-markets/prediction-engine/internal/indicators"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"go.uber.org/zap"
)

// Direction is the composite view of where the series is heading.
type Direction string

const (
	DirectionUp      Direction = "up"
	DirectionDown    Direction = "down"
	DirectionNeutral Direction = "neutral"
)

// Indicator names used for weighting, snapshots, and learning attribution.
const (
	IndicatorRSI        = "rsi"
	IndicatorMACD       = "macd"
	IndicatorMomentum   = "momentum"
	IndicatorBollinger  = "bollinger"
	IndicatorVWMomentum = "vwMomentum"
	IndicatorMACross    = "maCross"
)

// indicatorNames fixes the iteration order so composite scores are
// deterministic for identical inputs.
var indicatorNames = []string{
	IndicatorRSI,
	IndicatorMACD,
	IndicatorMomentum,
	IndicatorBollinger,
	IndicatorVWMomentum,
	IndicatorMACross,
}

// DefaultWeights returns the static weight profile. The learning tracker
// uses these same values as the anchor for its bounded adjustments.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		IndicatorRSI:        0.20,
		IndicatorMACD:       0.20,
		IndicatorMomentum:   0.25,
		IndicatorBollinger:  0.15,
		IndicatorVWMomentum: 0.10,
		IndicatorMACross:    0.10,
	}
}

// CompositeSignal is the generator output for a single price series.
type CompositeSignal struct {
	Direction  Direction               `json:"direction"`
	Score      float64                 `json:"score"`      // [-1, 1]
	Confidence float64                 `json:"confidence"` // [0, 1]
	Indicators types.IndicatorSnapshot `json:"indicators"`
	Reasoning  string                  `json:"reasoning"`
}

// GeneratorConfig configures the composite signal generator.
type GeneratorConfig struct {
	MinBars            int     `json:"minBars"`
	DirectionThreshold float64 `json:"directionThreshold"`
	ConfidenceDivisor  float64 `json:"confidenceDivisor"`
	RSIPeriod          int     `json:"rsiPeriod"`
	MomentumPeriod     int     `json:"momentumPeriod"`
	VWMomentumPeriod   int     `json:"vwMomentumPeriod"`
	BollingerPeriod    int     `json:"bollingerPeriod"`
	BollingerMult      float64 `json:"bollingerMult"`
	FastSMAPeriod      int     `json:"fastSMAPeriod"`
	SlowSMAPeriod      int     `json:"slowSMAPeriod"`
}

// DefaultGeneratorConfig returns sensible defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinBars:            30,
		DirectionThreshold: 0.15,
		ConfidenceDivisor:  0.6,
		RSIPeriod:          14,
		MomentumPeriod:     5,
		VWMomentumPeriod:   10,
		BollingerPeriod:    20,
		BollingerMult:      2,
		FastSMAPeriod:      5,
		SlowSMAPeriod:      20,
	}
}

// Generator combines indicator readings into a composite signal.
type Generator struct {
	logger *zap.Logger
	config GeneratorConfig

	mu        sync.RWMutex
	overrides map[types.MarketClass]map[string]float64
}

// NewGenerator creates a composite signal generator.
func NewGenerator(logger *zap.Logger, config GeneratorConfig) *Generator {
	return &Generator{
		logger:    logger.Named("composite"),
		config:    config,
		overrides: make(map[types.MarketClass]map[string]float64),
	}
}

// SetWeights installs learned weight overrides for a market class. Passing
// nil clears the override. The learning tracker calls this at the start of
// each cycle so weight changes never land mid-evaluation.
func (g *Generator) SetWeights(class types.MarketClass, weights map[string]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if weights == nil {
		delete(g.overrides, class)
		return
	}

	copied := make(map[string]float64, len(weights))
	for name, w := range weights {
		copied[name] = w
	}
	g.overrides[class] = copied
}

// Weights returns the effective weights for a market class: the learned
// override where one exists, the default profile otherwise.
func (g *Generator) Weights(class types.MarketClass) map[string]float64 {
	weights := DefaultWeights()

	g.mu.RLock()
	defer g.mu.RUnlock()

	if override, ok := g.overrides[class]; ok {
		for name, w := range override {
			weights[name] = w
		}
	}
	return weights
}

// Evaluate computes the composite signal for a price series. Fewer than
// MinBars candles is a defined short-circuit: direction neutral, zero
// confidence, no indicator snapshot.
func (g *Generator) Evaluate(class types.MarketClass, candles []types.Candle) CompositeSignal {
	if len(candles) < g.config.MinBars {
		return CompositeSignal{
			Direction:  DirectionNeutral,
			Indicators: types.IndicatorSnapshot{},
			Reasoning:  fmt.Sprintf("insufficient history: %d of %d bars", len(candles), g.config.MinBars),
		}
	}

	rsi := indicators.CalculateRSI(candles, g.config.RSIPeriod)
	macd := indicators.CalculateMACD(candles)
	momentum := indicators.CalculateMomentum(candles, g.config.MomentumPeriod)
	bands, _ := indicators.CalculateBollingerBands(candles, g.config.BollingerPeriod, g.config.BollingerMult)
	vwm := indicators.CalculateVWMomentum(candles, g.config.VWMomentumPeriod)
	fastSMA, _ := indicators.CalculateSMA(candles, g.config.FastSMAPeriod)
	slowSMA, _ := indicators.CalculateSMA(candles, g.config.SlowSMAPeriod)

	snapshot := types.IndicatorSnapshot{
		IndicatorRSI:        {Value: rsi, Score: scoreRSI(rsi)},
		IndicatorMACD:       {Value: macd.Histogram, Score: scoreMACD(macd)},
		IndicatorMomentum:   {Value: momentum, Score: scoreMomentum(momentum)},
		IndicatorBollinger:  {Value: bands.PercentB, Score: scoreBollinger(bands.PercentB)},
		IndicatorVWMomentum: {Value: vwm, Score: scoreVWMomentum(vwm)},
		IndicatorMACross:    {Value: fastSMA - slowSMA, Score: scoreMACross(fastSMA, slowSMA)},
	}

	weights := g.Weights(class)

	score := 0.0
	for _, name := range indicatorNames {
		score += snapshot[name].Score * weights[name]
	}
	score = math.Max(-1, math.Min(1, score))

	direction := DirectionNeutral
	switch {
	case score > g.config.DirectionThreshold:
		direction = DirectionUp
	case score < -g.config.DirectionThreshold:
		direction = DirectionDown
	}

	confidence := math.Min(math.Abs(score)/g.config.ConfidenceDivisor, 1)

	return CompositeSignal{
		Direction:  direction,
		Score:      score,
		Confidence: confidence,
		Indicators: snapshot,
		Reasoning: fmt.Sprintf("score %.3f: rsi %.1f, macd hist %.4f, momentum %.2f%%, %%B %.2f, vwm %.2f%%",
			score, rsi, macd.Histogram, momentum, bands.PercentB, vwm),
	}
}

// scoreRSI maps RSI to a contrarian score in [-1, 1]:
// above 75 is strongly overbought (-0.8), above 65 mildly so (-0.4);
// below 25 strongly oversold (+0.8), below 35 mildly so (+0.4).
func scoreRSI(rsi float64) float64 {
	switch {
	case rsi > 75:
		return -0.8
	case rsi > 65:
		return -0.4
	case rsi < 25:
		return 0.8
	case rsi < 35:
		return 0.4
	default:
		return 0
	}
}

// scoreMACD scores on the histogram sign; agreement of the MACD line adds
// conviction: aligned +/-0.6, mixed +/-0.3, flat 0.
func scoreMACD(m indicators.MACDResult) float64 {
	switch {
	case m.Histogram > 0 && m.MACD > 0:
		return 0.6
	case m.Histogram > 0:
		return 0.3
	case m.Histogram < 0 && m.MACD < 0:
		return -0.6
	case m.Histogram < 0:
		return -0.3
	default:
		return 0
	}
}

// scoreMomentum grades the percent move over the window:
// beyond 3% full score, beyond 1.5% +/-0.6, beyond 0.5% +/-0.3.
func scoreMomentum(momentum float64) float64 {
	switch {
	case momentum > 3:
		return 1
	case momentum > 1.5:
		return 0.6
	case momentum > 0.5:
		return 0.3
	case momentum < -3:
		return -1
	case momentum < -1.5:
		return -0.6
	case momentum < -0.5:
		return -0.3
	default:
		return 0
	}
}

// scoreBollinger is mean-reverting on %B: closes outside the band score
// +/-0.8 toward the middle, closes in the outer 15% score +/-0.4.
func scoreBollinger(percentB float64) float64 {
	switch {
	case percentB > 1:
		return -0.8
	case percentB > 0.85:
		return -0.4
	case percentB < 0:
		return 0.8
	case percentB < 0.15:
		return 0.4
	default:
		return 0
	}
}

// scoreVWMomentum scores volume-weighted returns: +/-0.7 beyond 1%,
// +/-0.35 beyond 0.3%.
func scoreVWMomentum(vwm float64) float64 {
	switch {
	case vwm > 1:
		return 0.7
	case vwm > 0.3:
		return 0.35
	case vwm < -1:
		return -0.7
	case vwm < -0.3:
		return -0.35
	default:
		return 0
	}
}

// scoreMACross scores the SMA crossover, requiring at least 0.5%
// separation before calling a trend: +/-0.7, else 0.
func scoreMACross(fast, slow float64) float64 {
	if slow == 0 {
		return 0
	}
	switch {
	case fast > slow*1.005:
		return 0.7
	case fast < slow*0.995:
		return -0.7
	default:
		return 0
	}
}
