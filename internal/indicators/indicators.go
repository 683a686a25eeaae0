// Package indicators provides pure technical indicator calculations over
// candle history. Insufficient history is a defined outcome, not an error:
// each function returns its documented neutral sentinel rather than failing.
package indicators

import (
	"math"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// MACDResult holds the MACD line, signal line, and histogram.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerBandsResult holds the band levels and the position of the latest
// close within the band. PercentB is 0 at the lower band, 1 at the upper,
// and 0.5 when the band has zero width.
type BollingerBandsResult struct {
	Upper    float64 `json:"upper"`
	Middle   float64 `json:"middle"`
	Lower    float64 `json:"lower"`
	PercentB float64 `json:"percentB"`
}

// CalculateSMA returns the simple moving average of closing prices over the
// trailing period. The second return value is false when there is not enough
// history to cover the period.
func CalculateSMA(candles []types.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}

	return sum / float64(period), true
}

// CalculateEMA returns the exponential moving average of closing prices,
// seeded with the SMA of the first period and smoothed across the remainder
// of the series. The second return value is false when there is not enough
// history.
func CalculateEMA(candles []types.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}

	series := emaSeries(closes(candles), period)
	return series[len(series)-1], true
}

// CalculateRSI returns the Wilder-style relative strength index over the
// most recent period deltas. Returns 50 (neutral) when history is
// insufficient and 100 when the average loss is exactly zero. The result is
// always within [0, 100].
func CalculateRSI(candles []types.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	rsi := 100 - (100 / (1 + rs))

	return math.Max(0, math.Min(100, rsi))
}

// CalculateMACD returns the MACD with fixed 12/26/9 exponential periods.
// All three values are zero when there is not enough history for the slow
// EMA. Until nine MACD points exist the signal line is the mean of the
// available points.
func CalculateMACD(candles []types.Candle) MACDResult {
	const (
		fastPeriod   = 12
		slowPeriod   = 26
		signalPeriod = 9
	)

	values := closes(candles)
	if len(values) < slowPeriod {
		return MACDResult{}
	}

	fast := emaSeries(values, fastPeriod)
	slow := emaSeries(values, slowPeriod)

	// The MACD line is defined from the first index where both EMAs exist.
	macdSeries := make([]float64, 0, len(values)-slowPeriod+1)
	for i := slowPeriod - 1; i < len(values); i++ {
		macdSeries = append(macdSeries, fast[i]-slow[i])
	}

	line := macdSeries[len(macdSeries)-1]

	var signal float64
	if len(macdSeries) >= signalPeriod {
		signalSeries := emaSeries(macdSeries, signalPeriod)
		signal = signalSeries[len(signalSeries)-1]
	} else {
		sum := 0.0
		for _, v := range macdSeries {
			sum += v
		}
		signal = sum / float64(len(macdSeries))
	}

	return MACDResult{
		MACD:      line,
		Signal:    signal,
		Histogram: line - signal,
	}
}

// CalculateMomentum returns the percentage change of the latest close versus
// the close period bars back. Returns 0 when history is insufficient or the
// reference close is zero.
func CalculateMomentum(candles []types.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	current := candles[len(candles)-1].Close
	past := candles[len(candles)-period-1].Close
	if past == 0 {
		return 0
	}

	return ((current - past) / past) * 100
}

// CalculateBollingerBands returns the mean +/- mult standard deviations over
// the trailing window, using the population standard deviation. The second
// return value is false when there is not enough history. PercentB reports
// where the latest close sits within the band and is 0.5 for a zero-width
// band (flat series).
func CalculateBollingerBands(candles []types.Candle, period int, mult float64) (BollingerBandsResult, bool) {
	if period <= 0 || len(candles) < period {
		return BollingerBandsResult{}, false
	}

	middle, _ := CalculateSMA(candles, period)

	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	upper := middle + stdDev*mult
	lower := middle - stdDev*mult

	percentB := 0.5
	if upper != lower {
		latest := candles[len(candles)-1].Close
		percentB = (latest - lower) / (upper - lower)
	}

	return BollingerBandsResult{
		Upper:    upper,
		Middle:   middle,
		Lower:    lower,
		PercentB: percentB,
	}, true
}

// CalculateVWMomentum returns the volume-weighted average of bar-to-bar
// percentage returns over the trailing window. Returns 0 when history is
// insufficient or total volume across the window is zero.
func CalculateVWMomentum(candles []types.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	weighted := 0.0
	totalVolume := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		ret := ((candles[i].Close - prev) / prev) * 100
		weighted += ret * candles[i].Volume
		totalVolume += candles[i].Volume
	}

	if totalVolume == 0 {
		return 0
	}

	return weighted / totalVolume
}

// closes extracts the closing prices from a candle series.
func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// emaSeries computes the EMA at every index from period-1 onward, seeded by
// the SMA of the first period values. Indexes before period-1 are zero. The
// caller must guarantee len(values) >= period.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
		out[i] = ema
	}

	return out
}
