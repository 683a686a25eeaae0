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

// WeatherConfig configures the forecast-edge evaluator.
type WeatherConfig struct {
	Stations        []types.WeatherStation `json:"stations"`
	ForecastStd     float64                `json:"forecastStd"`     // degrees F, used when the estimate carries none
	MinEdge         float64                `json:"minEdge"`         // probability points
	NoSideEdge      float64                `json:"noSideEdge"`      // negative edge beyond which NO is bought
	MinEV           float64                `json:"minEv"`           // dollars per contract
	MaxHoursToClose float64                `json:"maxHoursToClose"`
}

// DefaultWeatherConfig returns sensible defaults. The 2.5 degree forecast
// standard deviation is the typical point-forecast error for daily highs.
func DefaultWeatherConfig() WeatherConfig {
	return WeatherConfig{
		Stations:        types.DefaultWeatherStations(),
		ForecastStd:     2.5,
		MinEdge:         0.03,
		NoSideEdge:      0.05,
		MinEV:           0.02,
		MaxHoursToClose: 48,
	}
}

// WeatherEvaluator trades daily-high temperature brackets against an
// ensemble forecast estimate.
type WeatherEvaluator struct {
	logger *zap.Logger
	config WeatherConfig
	series map[string]types.WeatherStation
}

// NewWeatherEvaluator creates the forecast-edge evaluator.
func NewWeatherEvaluator(logger *zap.Logger, config WeatherConfig) *WeatherEvaluator {
	series := make(map[string]types.WeatherStation, len(config.Stations))
	for _, st := range config.Stations {
		series[st.SeriesTicker] = st
	}
	return &WeatherEvaluator{
		logger: logger.Named("weather"),
		config: config,
		series: series,
	}
}

func (e *WeatherEvaluator) Name() string { return "weather" }

func (e *WeatherEvaluator) Description() string {
	return "Trades daily-high temperature brackets against forecast estimates"
}

// Evaluate scans weather markets and emits a signal wherever the forecast
// probability diverges enough from the market-implied probability.
func (e *WeatherEvaluator) Evaluate(ctx context.Context, input Input) []types.Signal {
	var out []types.Signal

	for i := range input.Markets {
		m := &input.Markets[i]
		if m.Class != types.MarketClassWeather || m.Status != types.MarketStatusActive {
			continue
		}
		hoursLeft := m.HoursToClose(input.Now)
		if hoursLeft <= 0 || hoursLeft > e.config.MaxHoursToClose {
			continue
		}

		station, ok := e.stationFor(m.EventTicker)
		if !ok {
			e.logger.Debug("No station mapping for market", zap.String("ticker", m.Ticker))
			continue
		}
		estimate, ok := input.Forecasts[station.SeriesTicker]
		if !ok {
			// Missing forecast is data insufficiency, not an error.
			continue
		}

		if sig := e.analyze(m, station, estimate, hoursLeft, input); sig != nil {
			out = append(out, *sig)
		}
	}

	return out
}

func (e *WeatherEvaluator) analyze(m *types.Market, station types.WeatherStation, estimate types.Estimate, hoursLeft float64, input Input) *types.Signal {
	bracket, ok := ParseTemperatureBracket(m.Subtitle)
	if !ok {
		e.logger.Debug("Could not parse bracket",
			zap.String("ticker", m.Ticker),
			zap.String("subtitle", m.Subtitle))
		return nil
	}

	std := estimate.Uncertainty
	if std <= 0 {
		std = e.config.ForecastStd
	}

	estProb := utils.Clamp(bracket.Probability(estimate.Value, std), 0.01, 0.99)

	marketProb := m.ImpliedProbability()
	edge := estProb - marketProb

	var (
		side types.Side
		prob float64
	)
	switch {
	case edge > 0:
		side = types.SideYes
		prob = estProb
	case edge < -e.config.NoSideEdge:
		side = types.SideNo
		prob = 1 - estProb
	default:
		return nil
	}

	cost := sideCost(m, side)
	ev := expectedValue(prob, cost)

	timeConf := math.Min(1, 1-(hoursLeft/48)*0.3)
	confidence := math.Min(0.95, math.Abs(edge)*2+timeConf*0.3)

	if math.Abs(edge) < e.config.MinEdge || ev.LessThan(decimal.NewFromFloat(e.config.MinEV)) {
		return nil
	}

	reasoning := fmt.Sprintf(
		"%s: est_high=%.1f°F, bracket=[%s, %s], est_prob=%.3f, mkt_prob=%.3f, edge=%+.3f, hours_left=%.1f",
		station.City, estimate.Value, formatBound(bracket.Low), formatBound(bracket.High),
		estProb, marketProb, edge, hoursLeft)

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

// stationFor matches a market's event ticker to its station by series
// prefix, e.g. "KXHIGHNY-25AUG25" matches KXHIGHNY.
func (e *WeatherEvaluator) stationFor(eventTicker string) (types.WeatherStation, bool) {
	upper := strings.ToUpper(eventTicker)
	for series, station := range e.series {
		if strings.HasPrefix(upper, series) {
			return station, true
		}
	}
	return types.WeatherStation{}, false
}

func formatBound(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	if math.IsInf(v, 1) {
		return "+inf"
	}
	return fmt.Sprintf("%.0f", v)
}
