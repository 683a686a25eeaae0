package data

import (
	"fmt"
	"time"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"go.uber.org/zap"
)

// QualityConfig sets the freshness and integrity bounds a series must
// meet before evaluators may read it.
type QualityConfig struct {
	MaxAge  time.Duration `json:"maxAge"`  // newest bar must be younger than this
	MaxGap  time.Duration `json:"maxGap"`  // largest tolerated hole between bars
	MinBars int           `json:"minBars"` // below this the series is unusable, not broken
}

// DefaultQualityConfig returns bounds for one-minute spot series.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		MaxAge:  5 * time.Minute,
		MaxGap:  10 * time.Minute,
		MinBars: 30,
	}
}

// Issue is a single quality finding on a series.
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // "critical" or "warning"
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Report summarizes the quality of one symbol's series. Usable means no
// critical issue was found; warnings alone do not block evaluation.
type Report struct {
	Symbol string  `json:"symbol"`
	Bars   int     `json:"bars"`
	Stale  bool    `json:"stale"`
	Issues []Issue `json:"issues"`
	Usable bool    `json:"usable"`
}

// Checker validates candle series before each cycle.
type Checker struct {
	logger *zap.Logger
	config QualityConfig
}

// NewChecker creates a series quality checker.
func NewChecker(logger *zap.Logger, config QualityConfig) *Checker {
	return &Checker{
		logger: logger.Named("quality"),
		config: config,
	}
}

// Check inspects one series as of now. A series still warming up comes
// back unusable with no issues recorded: that is data insufficiency,
// not a fault.
func (c *Checker) Check(symbol string, candles []types.Candle, now time.Time) Report {
	report := Report{Symbol: symbol, Bars: len(candles)}

	if len(candles) < c.config.MinBars {
		return report
	}

	newest := candles[len(candles)-1]
	if age := now.Sub(newest.Timestamp); age > c.config.MaxAge {
		report.Stale = true
		report.Issues = append(report.Issues, Issue{
			Type:      "stale_series",
			Severity:  "critical",
			Timestamp: newest.Timestamp,
			Message:   fmt.Sprintf("newest bar is %s old", age.Round(time.Second)),
		})
	}

	for i := 1; i < len(candles); i++ {
		gap := candles[i].Timestamp.Sub(candles[i-1].Timestamp)
		if gap > c.config.MaxGap {
			report.Issues = append(report.Issues, Issue{
				Type:      "series_gap",
				Severity:  "warning",
				Timestamp: candles[i].Timestamp,
				Message:   fmt.Sprintf("%s hole before this bar", gap.Round(time.Second)),
			})
		}
	}

	for i := range candles {
		bar := &candles[i]
		if bar.Close <= 0 || bar.Open <= 0 {
			report.Issues = append(report.Issues, Issue{
				Type:      "bad_price",
				Severity:  "critical",
				Timestamp: bar.Timestamp,
				Message:   fmt.Sprintf("non-positive price at bar %d", i),
			})
			continue
		}
		if bar.High < bar.Low || bar.High < bar.Close || bar.Low > bar.Close {
			report.Issues = append(report.Issues, Issue{
				Type:      "ohlc_inconsistent",
				Severity:  "critical",
				Timestamp: bar.Timestamp,
				Message:   fmt.Sprintf("high/low do not contain close at bar %d", i),
			})
		}
	}

	report.Usable = true
	for _, issue := range report.Issues {
		if issue.Severity == "critical" {
			report.Usable = false
			break
		}
	}
	if !report.Usable {
		c.logger.Warn("Series failed quality check",
			zap.String("symbol", symbol),
			zap.Int("bars", report.Bars),
			zap.Int("issues", len(report.Issues)))
	}
	return report
}
