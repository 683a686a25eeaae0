package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Budget is the rolling per-class risk budget: trade counts for the
// current hour and UTC day, realized PnL for the day, and the last
// order time per instrument for the cooldown stage. It is persisted to
// the durable store at the end of every cycle and restored on startup.
type Budget struct {
	Day          string               `json:"day"`  // UTC calendar day, 2006-01-02
	Hour         int                  `json:"hour"` // UTC hour the hourly counter belongs to
	HourlyTrades int                  `json:"hourlyTrades"`
	DailyTrades  int                  `json:"dailyTrades"`
	DailyPnL     decimal.Decimal      `json:"dailyPnl"`
	LastOrderAt  map[string]time.Time `json:"lastOrderAt"`
}

// NewBudget returns an empty budget anchored at now.
func NewBudget(now time.Time) *Budget {
	return &Budget{
		Day:         now.UTC().Format("2006-01-02"),
		Hour:        now.UTC().Hour(),
		DailyPnL:    decimal.Zero,
		LastOrderAt: make(map[string]time.Time),
	}
}

// roll advances the counters across hour and day boundaries. Cooldown
// entries older than the window are pruned on the way.
func (b *Budget) roll(now time.Time, cooldown time.Duration) {
	utc := now.UTC()
	day := utc.Format("2006-01-02")

	if day != b.Day {
		b.Day = day
		b.Hour = utc.Hour()
		b.HourlyTrades = 0
		b.DailyTrades = 0
		b.DailyPnL = decimal.Zero
	} else if utc.Hour() != b.Hour {
		b.Hour = utc.Hour()
		b.HourlyTrades = 0
	}

	if b.LastOrderAt == nil {
		b.LastOrderAt = make(map[string]time.Time)
	}
	for ticker, at := range b.LastOrderAt {
		if now.Sub(at) > cooldown {
			delete(b.LastOrderAt, ticker)
		}
	}
}

// recordOrder counts one admission against the rate caps and starts the
// cooldown window on every leg. A multi-leg set is one decision, so the
// counters move by one regardless of leg count.
func (b *Budget) recordOrder(tickers []string, now time.Time) {
	b.HourlyTrades++
	b.DailyTrades++
	for _, ticker := range tickers {
		b.LastOrderAt[ticker] = now
	}
}

// recordPnL folds a realized result into the day's total.
func (b *Budget) recordPnL(pnl decimal.Decimal) {
	b.DailyPnL = b.DailyPnL.Add(pnl)
}

// onCooldown reports whether the instrument traded within the window.
func (b *Budget) onCooldown(ticker string, now time.Time, cooldown time.Duration) bool {
	at, ok := b.LastOrderAt[ticker]
	return ok && now.Sub(at) < cooldown
}

// copy returns a detached copy safe to hand to persistence or the API.
func (b *Budget) copy() Budget {
	cp := *b
	cp.LastOrderAt = make(map[string]time.Time, len(b.LastOrderAt))
	for k, v := range b.LastOrderAt {
		cp.LastOrderAt[k] = v
	}
	return cp
}
