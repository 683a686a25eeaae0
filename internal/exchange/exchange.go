// Package exchange talks to the prediction-market venue: market
// discovery, portfolio state, and order placement. Client is the
// authenticated REST implementation; Paper wraps a venue's market data
// with simulated fills for dry runs.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Venue is the trading surface the engine runs against.
type Venue interface {
	// Status reports whether the venue accepts orders right now.
	Status(ctx context.Context) (types.ExchangeStatus, error)

	// ListOpenMarkets returns every open market under a series ticker,
	// following pagination to the end.
	ListOpenMarkets(ctx context.Context, seriesTicker string) ([]types.Market, error)

	// GetMarket returns a single market snapshot.
	GetMarket(ctx context.Context, ticker string) (types.Market, error)

	// GetBalance returns the available balance in dollars.
	GetBalance(ctx context.Context) (decimal.Decimal, error)

	// PlaceOrder submits one limit order. Placement is a single
	// attempt: callers see the error and decide, nothing retries
	// underneath them.
	PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error)
}

// APIError is a non-2xx venue response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.StatusCode, e.Message)
}
