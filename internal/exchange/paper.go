package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Paper simulates the portfolio side of a venue while passing market
// data through to the real one. Buys fill at the ask when the limit
// crosses it, sells at the bid; anything else rests unfilled, which the
// executor treats the same as a failed entry.
type Paper struct {
	logger *zap.Logger
	inner  Venue

	mu      sync.Mutex
	balance decimal.Decimal
	fills   map[string]types.OrderResult // by client order id
	seq     int64
}

// NewPaper wraps a venue with a simulated book of startingBalance
// dollars.
func NewPaper(logger *zap.Logger, inner Venue, startingBalance decimal.Decimal) *Paper {
	return &Paper{
		logger:  logger.Named("paper"),
		inner:   inner,
		balance: startingBalance,
		fills:   make(map[string]types.OrderResult),
	}
}

// Status passes through to the real venue.
func (p *Paper) Status(ctx context.Context) (types.ExchangeStatus, error) {
	return p.inner.Status(ctx)
}

// ListOpenMarkets passes through to the real venue.
func (p *Paper) ListOpenMarkets(ctx context.Context, seriesTicker string) ([]types.Market, error) {
	return p.inner.ListOpenMarkets(ctx, seriesTicker)
}

// GetMarket passes through to the real venue.
func (p *Paper) GetMarket(ctx context.Context, ticker string) (types.Market, error) {
	return p.inner.GetMarket(ctx, ticker)
}

// GetBalance returns the simulated balance.
func (p *Paper) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// PlaceOrder fills against the live book without touching it. Replays
// of a client order id return the original result unchanged.
func (p *Paper) PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error) {
	p.mu.Lock()
	if prior, ok := p.fills[order.ClientOrderID]; ok && order.ClientOrderID != "" {
		p.mu.Unlock()
		return prior, nil
	}
	p.mu.Unlock()

	m, err := p.inner.GetMarket(ctx, order.Ticker)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("paper fill lookup: %w", err)
	}

	fillPrice, filled := paperFill(order, m)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	result := types.OrderResult{
		OrderID:  fmt.Sprintf("paper-%d", p.seq),
		Status:   types.OrderStatusResting,
		AvgPrice: types.CentsToDollars(order.LimitPrice),
		PlacedAt: m.FetchedAt,
	}

	if filled {
		notional := types.CentsToDollars(fillPrice).Mul(decimal.NewFromInt(order.Count))
		if order.Action == types.OrderActionBuy {
			if notional.GreaterThan(p.balance) {
				return types.OrderResult{}, fmt.Errorf("paper balance %s cannot cover %s", p.balance.StringFixed(2), notional.StringFixed(2))
			}
			p.balance = p.balance.Sub(notional)
		} else {
			p.balance = p.balance.Add(notional)
		}
		result.Status = types.OrderStatusExecuted
		result.FilledCount = order.Count
		result.AvgPrice = types.CentsToDollars(fillPrice)
	}

	if order.ClientOrderID != "" {
		p.fills[order.ClientOrderID] = result
	}

	p.logger.Info("Paper order",
		zap.String("ticker", order.Ticker),
		zap.String("side", string(order.Side)),
		zap.String("action", string(order.Action)),
		zap.Int64("count", order.Count),
		zap.Int64("limitPrice", order.LimitPrice),
		zap.String("status", string(result.Status)),
		zap.String("balance", p.balance.StringFixed(2)))

	return result, nil
}

// Credit adjusts the simulated balance for cash flows that are not
// orders, settlement payouts mainly.
func (p *Paper) Credit(amount decimal.Decimal, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = p.balance.Add(amount)
	p.logger.Info("Paper credit",
		zap.String("amount", amount.StringFixed(2)),
		zap.String("reason", reason),
		zap.String("balance", p.balance.StringFixed(2)))
}

// paperFill decides the simulated execution price. Returns filled=false
// when the limit does not cross the touch or the book is empty.
func paperFill(order types.Order, m types.Market) (int64, bool) {
	var touch int64
	switch {
	case order.Action == types.OrderActionBuy && order.Side == types.SideYes:
		touch = m.YesAsk
		if touch > 0 && order.LimitPrice >= touch {
			return touch, true
		}
	case order.Action == types.OrderActionBuy && order.Side == types.SideNo:
		touch = m.NoAsk
		if touch > 0 && order.LimitPrice >= touch {
			return touch, true
		}
	case order.Action == types.OrderActionSell && order.Side == types.SideYes:
		touch = m.YesBid
		if touch > 0 && order.LimitPrice <= touch {
			return touch, true
		}
	case order.Action == types.OrderActionSell && order.Side == types.SideNo:
		touch = m.NoBid
		if touch > 0 && order.LimitPrice <= touch {
			return touch, true
		}
	}
	return 0, false
}
