// Package types provides shared type definitions for the prediction engine.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the side of a binary contract
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the other side of the contract.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// MarketClass groups instruments that share signal and learning behavior
type MarketClass string

const (
	MarketClassCrypto    MarketClass = "crypto"
	MarketClassWeather   MarketClass = "weather"
	MarketClassEconomics MarketClass = "economics"
	MarketClassUnknown   MarketClass = "unknown"
)

// classPrefixes maps event ticker prefixes to market classes.
var classPrefixes = map[string]MarketClass{
	"KXBTC":   MarketClassCrypto,
	"KXETH":   MarketClassCrypto,
	"KXHIGH":  MarketClassWeather,
	"KXCPI":   MarketClassEconomics,
	"KXJOBS":  MarketClassEconomics,
	"KXFED":   MarketClassEconomics,
	"KXGDP":   MarketClassEconomics,
	"KXSP500": MarketClassEconomics,
}

// ClassifyTicker maps an event ticker to its market class.
func ClassifyTicker(eventTicker string) MarketClass {
	upper := strings.ToUpper(eventTicker)
	for prefix, class := range classPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return class
		}
	}
	return MarketClassUnknown
}

// underlyingSymbols maps crypto event ticker prefixes to the spot symbol
// whose candles drive price-based evaluation.
var underlyingSymbols = map[string]string{
	"KXBTC": "BTCUSDT",
	"KXETH": "ETHUSDT",
}

// UnderlyingSymbol returns the spot symbol backing a crypto event ticker,
// or "" for markets without an underlying price series.
func UnderlyingSymbol(eventTicker string) string {
	upper := strings.ToUpper(eventTicker)
	for prefix, symbol := range underlyingSymbols {
		if strings.HasPrefix(upper, prefix) {
			return symbol
		}
	}
	return ""
}

// MarketStatus represents the trading status of a market
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusSettled   MarketStatus = "settled"
	MarketStatusSuspended MarketStatus = "suspended"
)

// Market is a snapshot of a single binary-outcome instrument.
// Quote fields are in cents, matching the exchange wire format.
type Market struct {
	Ticker       string       `json:"ticker"`
	EventTicker  string       `json:"eventTicker"`
	Class        MarketClass  `json:"class"`
	Title        string       `json:"title"`
	Subtitle     string       `json:"subtitle"`
	YesBid       int64        `json:"yesBid"`
	YesAsk       int64        `json:"yesAsk"`
	NoBid        int64        `json:"noBid"`
	NoAsk        int64        `json:"noAsk"`
	LastPrice    int64        `json:"lastPrice"`
	Volume       int64        `json:"volume"`
	Volume24H    int64        `json:"volume24h"`
	OpenInterest int64        `json:"openInterest"`
	Liquidity    int64        `json:"liquidity"`
	Status       MarketStatus `json:"status"`
	Result       Side         `json:"result,omitempty"` // winning side once settled
	CloseTime    time.Time    `json:"closeTime"`
	FetchedAt    time.Time    `json:"fetchedAt"`
}

// YesMid returns the midpoint of the yes market in cents, falling back
// to the last traded price when either side of the book is empty.
func (m *Market) YesMid() float64 {
	if m.YesBid > 0 && m.YesAsk > 0 {
		return float64(m.YesBid+m.YesAsk) / 2.0
	}
	return float64(m.LastPrice)
}

// ImpliedProbability returns the market-implied probability of a yes
// outcome: the yes midpoint, or the last trade, or 0.5 when the market
// has no book and no prints at all.
func (m *Market) ImpliedProbability() float64 {
	if mid := m.YesMid(); mid > 0 {
		return mid / 100.0
	}
	return 0.5
}

// SpreadCents returns the yes bid/ask spread in cents.
func (m *Market) SpreadCents() int64 {
	if m.YesBid > 0 && m.YesAsk > 0 {
		return m.YesAsk - m.YesBid
	}
	return 0
}

// HoursToClose returns the hours remaining until the market closes.
func (m *Market) HoursToClose(now time.Time) float64 {
	return m.CloseTime.Sub(now).Hours()
}

// Candle represents a single OHLCV bar of an underlying price series
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"closeTime,omitempty"`
}

// Estimate is a scalar forecast with uncertainty, however produced.
// Weather estimates are degrees Fahrenheit; economic estimates are in
// the units of their reference series.
type Estimate struct {
	Value       float64   `json:"value"`
	Uncertainty float64   `json:"uncertainty"`
	AsOf        time.Time `json:"asOf"`
}

// IndicatorReading captures one indicator's raw value and its mapped
// directional score at signal time.
type IndicatorReading struct {
	Value float64 `json:"value"`
	Score float64 `json:"score"`
}

// IndicatorSnapshot maps indicator names to their readings. Carried on
// signals and trade records so learning can attribute outcomes.
type IndicatorSnapshot map[string]IndicatorReading

// Signal is a proposed trade produced by a strategy evaluator. Side is
// explicit from creation and Probability is already restated for that
// side, so downstream stages never re-derive either from the edge sign.
type Signal struct {
	ID            string            `json:"id"`
	Ticker        string            `json:"ticker"`
	Class         MarketClass       `json:"class"`
	Side          Side              `json:"side"`
	Strategy      string            `json:"strategy"`
	Price         decimal.Decimal   `json:"price"`       // dollars per contract; for group signals, dollars per full set
	Probability   float64           `json:"probability"` // estimated win probability of the traded side
	Edge          float64           `json:"edge"`        // signed, model prob minus market prob
	Confidence    float64           `json:"confidence"`  // [0,1]
	ExpectedValue decimal.Decimal   `json:"expectedValue"`
	Reasoning     string            `json:"reasoning"`
	GroupIDs      []string          `json:"groupIds,omitempty"`
	Indicators    IndicatorSnapshot `json:"indicators,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// PositionState is the lifecycle state of a position
type PositionState string

const (
	PositionFlat     PositionState = "flat"
	PositionEntering PositionState = "entering"
	PositionOpen     PositionState = "open"
	PositionExiting  PositionState = "exiting"
	PositionCooldown PositionState = "cooldown"
)

// Position represents the engine's holding in one instrument. At most
// one position exists per instrument at any time.
type Position struct {
	Ticker         string            `json:"ticker"`
	Class          MarketClass       `json:"class"`
	Side           Side              `json:"side"`
	State          PositionState     `json:"state"`
	Contracts      int64             `json:"contracts"`
	EntryPrice     decimal.Decimal   `json:"entryPrice"`
	CurrentPrice   decimal.Decimal   `json:"currentPrice"`
	Cost           decimal.Decimal   `json:"cost"`
	UnrealizedPnL  decimal.Decimal   `json:"unrealizedPnl"`
	Strategy       string            `json:"strategy"`
	SignalID       string            `json:"signalId"`
	Indicators     IndicatorSnapshot `json:"indicators,omitempty"`
	PendingExit    ExitReason        `json:"pendingExit,omitempty"`
	OpenedAt       time.Time         `json:"openedAt"`
	CloseTime      time.Time         `json:"closeTime"`
	StateChangedAt time.Time         `json:"stateChangedAt"`
	CooldownUntil  time.Time         `json:"cooldownUntil,omitempty"`
}

// VenuePosition is the venue's own view of holdings in one market. The
// lifecycle manager owns the trading book; this shape exists to check
// that book against what the exchange reports.
type VenuePosition struct {
	Ticker        string          `json:"ticker"`
	EventTicker   string          `json:"eventTicker"`
	YesContracts  int64           `json:"yesContracts"`
	NoContracts   int64           `json:"noContracts"`
	Exposure      decimal.Decimal `json:"exposure"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	TotalTraded   decimal.Decimal `json:"totalTraded"`
	RestingOrders int             `json:"restingOrders"`
}

// TradeOutcome classifies a completed trade
type TradeOutcome string

const (
	OutcomeWin  TradeOutcome = "win"
	OutcomeLoss TradeOutcome = "loss"
	OutcomeFlat TradeOutcome = "flat"
)

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitTakeProfit  ExitReason = "take_profit"
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTimeToClose ExitReason = "time_to_close"
	ExitSettlement  ExitReason = "settlement"
	ExitAbandoned   ExitReason = "entry_abandoned"
)

// TradeRecord is the immutable record of a completed round trip.
type TradeRecord struct {
	ID          string            `json:"id"`
	Ticker      string            `json:"ticker"`
	Class       MarketClass       `json:"class"`
	Side        Side              `json:"side"`
	Strategy    string            `json:"strategy"`
	Contracts   int64             `json:"contracts"`
	EntryPrice  decimal.Decimal   `json:"entryPrice"`
	ExitPrice   decimal.Decimal   `json:"exitPrice"`
	PnL         decimal.Decimal   `json:"pnl"`
	Outcome     TradeOutcome      `json:"outcome"`
	ExitReason  ExitReason        `json:"exitReason"`
	EnteredAt   time.Time         `json:"enteredAt"`
	ExitedAt    time.Time         `json:"exitedAt"`
	HourOfDay   int               `json:"hourOfDay"`
	PriceBucket string            `json:"priceBucket"`
	Indicators  IndicatorSnapshot `json:"indicators,omitempty"`
}

// OrderAction distinguishes opening from closing orders
type OrderAction string

const (
	OrderActionBuy  OrderAction = "buy"
	OrderActionSell OrderAction = "sell"
)

// Order is a limit order request in exchange wire format.
type Order struct {
	ClientOrderID string      `json:"clientOrderId"`
	Ticker        string      `json:"ticker"`
	Side          Side        `json:"side"`
	Action        OrderAction `json:"action"`
	Count         int64       `json:"count"`
	LimitPrice    int64       `json:"limitPrice"` // cents
	TimeInForce   string      `json:"timeInForce"`
	PostOnly      bool        `json:"postOnly"`
}

// OrderStatus represents the status of a placed order
type OrderStatus string

const (
	OrderStatusResting  OrderStatus = "resting"
	OrderStatusExecuted OrderStatus = "executed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// OrderResult is the exchange's response to a placed order.
type OrderResult struct {
	OrderID     string          `json:"orderId"`
	Status      OrderStatus     `json:"status"`
	FilledCount int64           `json:"filledCount"`
	AvgPrice    decimal.Decimal `json:"avgPrice"` // dollars
	PlacedAt    time.Time       `json:"placedAt"`
}

// Settlement reports a market's final outcome.
type Settlement struct {
	Ticker    string    `json:"ticker"`
	Result    Side      `json:"result"`
	SettledAt time.Time `json:"settledAt"`
}

// ExchangeStatus reports whether the venue is accepting orders.
type ExchangeStatus struct {
	ExchangeActive bool `json:"exchangeActive"`
	TradingActive  bool `json:"tradingActive"`
}

// CentsToDollars converts a cent price to decimal dollars.
func CentsToDollars(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}

// DollarsToCents converts a decimal dollar price to whole cents.
func DollarsToCents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
