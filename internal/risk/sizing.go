package risk

import (
	"go.uber.org/zap"

	"github.com/shopspring/decimal"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// SizerConfig bounds how much of the bankroll a single entry may take.
type SizerConfig struct {
	KellyFraction  float64         `json:"kellyFraction"`  // fraction of full Kelly to bet
	MaxContracts   int64           `json:"maxContracts"`   // per position
	MaxTradeCost   decimal.Decimal `json:"maxTradeCost"`   // dollars per entry
	MaxExposurePct float64         `json:"maxExposurePct"` // of balance, across open positions
}

// DefaultSizerConfig returns the stock sizing settings.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		KellyFraction:  0.5,
		MaxContracts:   100,
		MaxTradeCost:   decimal.NewFromInt(25),
		MaxExposurePct: 0.20,
	}
}

// Sizer turns an admitted signal into a contract count using a
// fractional Kelly stake capped by the configured limits.
type Sizer struct {
	logger *zap.Logger
	config SizerConfig
}

// NewSizer creates a sizer.
func NewSizer(logger *zap.Logger, config SizerConfig) *Sizer {
	return &Sizer{
		logger: logger.Named("sizing"),
		config: config,
	}
}

// Contracts computes how many contracts to buy for sig. For a group
// signal sig.Price is the full set cost, so the result counts sets.
//
// The bet budget is the smallest of the Kelly stake, the per-trade cost
// cap, the remaining exposure allowance, and the remaining daily loss
// room. Contracts are the floor of budget over price; zero means the
// entry is skipped.
func (s *Sizer) Contracts(sig types.Signal, balance, openExposure, lossRoom decimal.Decimal) int64 {
	price := sig.Price
	group := len(sig.GroupIDs) > 1
	if price.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	// A single contract never costs $1 or more; a full set can.
	if !group && price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return 0
	}
	if balance.LessThanOrEqual(decimal.Zero) {
		return 0
	}

	budget := s.kellyStake(sig.Probability, price, balance)
	if budget.LessThanOrEqual(decimal.Zero) {
		s.logger.Debug("Kelly stake non-positive, skipping",
			zap.String("ticker", sig.Ticker),
			zap.Float64("probability", sig.Probability),
			zap.String("price", price.StringFixed(2)))
		return 0
	}

	if budget.GreaterThan(s.config.MaxTradeCost) {
		budget = s.config.MaxTradeCost
	}
	exposureRoom := balance.Mul(decimal.NewFromFloat(s.config.MaxExposurePct)).Sub(openExposure)
	if budget.GreaterThan(exposureRoom) {
		budget = exposureRoom
	}
	if budget.GreaterThan(lossRoom) {
		budget = lossRoom
	}
	if budget.LessThan(price) {
		return 0
	}

	contracts := budget.Div(price).IntPart()
	if contracts > s.config.MaxContracts {
		contracts = s.config.MaxContracts
	}
	return contracts
}

// kellyStake returns the fractional Kelly bet in dollars for a binary
// contract costing price and paying $1: f = (p*b - q) / b with
// b = (1-price)/price, scaled by the configured fraction.
func (s *Sizer) kellyStake(prob float64, price, balance decimal.Decimal) decimal.Decimal {
	cost, _ := price.Float64()
	if cost <= 0 || cost >= 1 {
		// Group set costs exceed $1 per set; there is no single-contract
		// odds ratio, so stake the capped fraction of balance directly.
		if cost > 0 {
			return balance.Mul(decimal.NewFromFloat(s.config.KellyFraction))
		}
		return decimal.Zero
	}

	b := (1 - cost) / cost
	q := 1 - prob
	kelly := (prob*b - q) / b
	if kelly <= 0 {
		return decimal.Zero
	}
	return balance.Mul(decimal.NewFromFloat(kelly * s.config.KellyFraction))
}
