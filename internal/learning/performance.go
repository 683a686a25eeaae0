package learning

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Analyzer builds performance reports from closed-trade history. It is
// stateless; callers hand it whatever window of records they want
// summarized.
type Analyzer struct {
	logger *zap.Logger
}

// NewAnalyzer creates a performance analyzer.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("performance")}
}

// Report summarizes a window of closed trades. Money figures are
// dollars. Win rate is wins over decided trades; flats dilute neither
// side.
type Report struct {
	Period       string                                  `json:"period"`
	TotalTrades  int                                     `json:"totalTrades"`
	Wins         int                                     `json:"wins"`
	Losses       int                                     `json:"losses"`
	Flats        int                                     `json:"flats"`
	WinRate      float64                                 `json:"winRate"`
	ProfitFactor float64                                 `json:"profitFactor"`
	TotalPnL     decimal.Decimal                         `json:"totalPnl"`
	AveragePnL   decimal.Decimal                         `json:"averagePnl"`
	AverageWin   decimal.Decimal                         `json:"averageWin"`
	AverageLoss  decimal.Decimal                         `json:"averageLoss"`
	MaxDrawdown  decimal.Decimal                         `json:"maxDrawdown"`
	BestTrade    *types.TradeRecord                      `json:"bestTrade,omitempty"`
	WorstTrade   *types.TradeRecord                      `json:"worstTrade,omitempty"`
	ByClass      map[types.MarketClass]*GroupPerformance `json:"byClass"`
	ByStrategy   map[string]*GroupPerformance            `json:"byStrategy"`
	ByHour       map[int]*GroupPerformance               `json:"byHour"`
	ByExitReason map[types.ExitReason]*GroupPerformance  `json:"byExitReason"`
	Streaks      StreakAnalysis                          `json:"streaks"`
	GeneratedAt  time.Time                               `json:"generatedAt"`
}

// GroupPerformance aggregates one slice of the history, keyed by class,
// strategy, entry hour or exit reason.
type GroupPerformance struct {
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	WinRate  float64         `json:"winRate"`
	TotalPnL decimal.Decimal `json:"totalPnl"`
}

// StreakAnalysis describes win/loss runs. Current is positive during a
// winning run and negative during a losing one. Flats leave streaks
// untouched, matching how the tracker treats them.
type StreakAnalysis struct {
	Current     int `json:"current"`
	LongestWin  int `json:"longestWin"`
	LongestLoss int `json:"longestLoss"`
}

// Analyze produces a report over the given records. Drawdown and streak
// figures depend on trade order, so the input is re-sorted by exit time
// before anything is tallied.
func (a *Analyzer) Analyze(records []types.TradeRecord, period string) Report {
	report := Report{
		Period:       period,
		TotalTrades:  len(records),
		TotalPnL:     decimal.Zero,
		AveragePnL:   decimal.Zero,
		AverageWin:   decimal.Zero,
		AverageLoss:  decimal.Zero,
		MaxDrawdown:  decimal.Zero,
		ByClass:      make(map[types.MarketClass]*GroupPerformance),
		ByStrategy:   make(map[string]*GroupPerformance),
		ByHour:       make(map[int]*GroupPerformance),
		ByExitReason: make(map[types.ExitReason]*GroupPerformance),
		GeneratedAt:  time.Now().UTC(),
	}
	if len(records) == 0 {
		return report
	}

	trades := make([]types.TradeRecord, len(records))
	copy(trades, records)
	sort.Slice(trades, func(i, j int) bool { return trades[i].ExitedAt.Before(trades[j].ExitedAt) })

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	equity := decimal.Zero
	peak := decimal.Zero

	for i := range trades {
		trade := &trades[i]
		report.TotalPnL = report.TotalPnL.Add(trade.PnL)

		switch trade.Outcome {
		case types.OutcomeWin:
			report.Wins++
			grossProfit = grossProfit.Add(trade.PnL)
		case types.OutcomeLoss:
			report.Losses++
			grossLoss = grossLoss.Add(trade.PnL.Abs())
		default:
			report.Flats++
		}

		if report.BestTrade == nil || trade.PnL.GreaterThan(report.BestTrade.PnL) {
			report.BestTrade = trade
		}
		if report.WorstTrade == nil || trade.PnL.LessThan(report.WorstTrade.PnL) {
			report.WorstTrade = trade
		}

		tallyGroup(report.ByClass, trade.Class, trade)
		tallyGroup(report.ByStrategy, trade.Strategy, trade)
		tallyGroup(report.ByHour, trade.HourOfDay, trade)
		tallyGroup(report.ByExitReason, trade.ExitReason, trade)

		equity = equity.Add(trade.PnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(report.MaxDrawdown) {
			report.MaxDrawdown = dd
		}
	}

	if decided := report.Wins + report.Losses; decided > 0 {
		report.WinRate = float64(report.Wins) / float64(decided)
	}
	if !grossLoss.IsZero() {
		report.ProfitFactor, _ = grossProfit.Div(grossLoss).Float64()
	}
	report.AveragePnL = report.TotalPnL.Div(decimal.NewFromInt(int64(len(trades))))
	if report.Wins > 0 {
		report.AverageWin = grossProfit.Div(decimal.NewFromInt(int64(report.Wins)))
	}
	if report.Losses > 0 {
		report.AverageLoss = grossLoss.Div(decimal.NewFromInt(int64(report.Losses)))
	}
	report.Streaks = analyzeStreaks(trades)

	for _, group := range report.ByClass {
		group.finish()
	}
	for _, group := range report.ByStrategy {
		group.finish()
	}
	for _, group := range report.ByHour {
		group.finish()
	}
	for _, group := range report.ByExitReason {
		group.finish()
	}

	return report
}

func tallyGroup[K comparable](groups map[K]*GroupPerformance, key K, trade *types.TradeRecord) {
	group, ok := groups[key]
	if !ok {
		group = &GroupPerformance{TotalPnL: decimal.Zero}
		groups[key] = group
	}
	group.Trades++
	switch trade.Outcome {
	case types.OutcomeWin:
		group.Wins++
	case types.OutcomeLoss:
		group.Losses++
	}
	group.TotalPnL = group.TotalPnL.Add(trade.PnL)
}

func (g *GroupPerformance) finish() {
	if decided := g.Wins + g.Losses; decided > 0 {
		g.WinRate = float64(g.Wins) / float64(decided)
	}
}

func analyzeStreaks(trades []types.TradeRecord) StreakAnalysis {
	var analysis StreakAnalysis
	current := 0
	for _, trade := range trades {
		switch trade.Outcome {
		case types.OutcomeWin:
			if current < 0 {
				current = 0
			}
			current++
			if current > analysis.LongestWin {
				analysis.LongestWin = current
			}
		case types.OutcomeLoss:
			if current > 0 {
				current = 0
			}
			current--
			if -current > analysis.LongestLoss {
				analysis.LongestLoss = -current
			}
		}
	}
	analysis.Current = current
	return analysis
}
