package replay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// book serves the current snapshot's markets as a venue so the paper
// wrapper can price fills against them. It holds no money and accepts
// no orders; the paper layer owns both.
type book struct {
	mu      sync.RWMutex
	markets map[string]types.Market
}

func newBook() *book {
	return &book{markets: make(map[string]types.Market)}
}

// load replaces the visible markets with one snapshot's view. Markets
// recorded without a fetch time are stamped with the snapshot time.
func (b *book) load(markets map[string]types.Market, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.markets = make(map[string]types.Market, len(markets))
	for ticker, m := range markets {
		if m.FetchedAt.IsZero() {
			m.FetchedAt = now
		}
		b.markets[ticker] = m
	}
}

func (b *book) Status(ctx context.Context) (types.ExchangeStatus, error) {
	return types.ExchangeStatus{ExchangeActive: true, TradingActive: true}, nil
}

func (b *book) ListOpenMarkets(ctx context.Context, seriesTicker string) ([]types.Market, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Market
	for _, m := range b.markets {
		if strings.HasPrefix(m.EventTicker, seriesTicker) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (b *book) GetMarket(ctx context.Context, ticker string) (types.Market, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.markets[ticker]
	if !ok {
		return types.Market{}, fmt.Errorf("no market %s in snapshot", ticker)
	}
	return m, nil
}

func (b *book) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (b *book) PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error) {
	return types.OrderResult{}, fmt.Errorf("replay book does not accept orders")
}
