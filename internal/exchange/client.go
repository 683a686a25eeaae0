package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// ClientConfig configures the venue REST client.
type ClientConfig struct {
	BaseURL        string        `json:"baseUrl"`
	APIKey         string        `json:"apiKey"`
	PrivateKeyPath string        `json:"privateKeyPath"`
	PrivateKeyPEM  string        `json:"-"` // PEM text, wins over the path
	Timeout        time.Duration `json:"timeout"`
	ReadRate       int           `json:"readRate"`  // requests per second
	WriteRate      int           `json:"writeRate"` //
}

// DefaultClientConfig returns settings for the demo environment.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:   "https://demo-api.kalshi.co/trade-api/v2",
		Timeout:   30 * time.Second,
		ReadRate:  20,
		WriteRate: 10,
	}
}

// Client is the authenticated REST venue client. Reads retry with
// backoff on 429s and transient failures; order placement never
// retries, so a timed-out order is surfaced rather than re-fired.
type Client struct {
	logger *zap.Logger
	config ClientConfig

	read  *resty.Client
	write *resty.Client

	key      *rsa.PrivateKey
	signPath string // path prefix included in the signature

	readLimit  *limiter
	writeLimit *limiter
}

// NewClient creates a venue client. Credentials are optional: without
// them the public market-data routes still work and portfolio routes
// fail with a clear error, which is all paper trading needs.
func NewClient(logger *zap.Logger, config ClientConfig) (*Client, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	read := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	write := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout)

	c := &Client{
		logger:     logger.Named("exchange"),
		config:     config,
		read:       read,
		write:      write,
		signPath:   u.Path,
		readLimit:  newLimiter(config.ReadRate),
		writeLimit: newLimiter(config.WriteRate),
	}

	if config.PrivateKeyPEM != "" || config.PrivateKeyPath != "" {
		key, err := loadPrivateKey(config.PrivateKeyPEM, config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		c.key = key
	}

	return c, nil
}

// Status reports venue availability.
func (c *Client) Status(ctx context.Context) (types.ExchangeStatus, error) {
	var out struct {
		ExchangeActive bool `json:"exchange_active"`
		TradingActive  bool `json:"trading_active"`
	}
	if err := c.get(ctx, "/exchange/status", nil, false, &out); err != nil {
		return types.ExchangeStatus{}, err
	}
	return types.ExchangeStatus{ExchangeActive: out.ExchangeActive, TradingActive: out.TradingActive}, nil
}

// ListOpenMarkets pages through every open market in a series.
func (c *Client) ListOpenMarkets(ctx context.Context, seriesTicker string) ([]types.Market, error) {
	var all []types.Market
	cursor := ""
	for {
		params := map[string]string{
			"series_ticker": seriesTicker,
			"status":        "open",
			"limit":         "200",
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var page struct {
			Markets []wireMarket `json:"markets"`
			Cursor  string       `json:"cursor"`
		}
		if err := c.get(ctx, "/markets", params, false, &page); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		for _, w := range page.Markets {
			all = append(all, w.toMarket(now))
		}
		if page.Cursor == "" {
			return all, nil
		}
		cursor = page.Cursor
	}
}

// GetMarket fetches a single market snapshot.
func (c *Client) GetMarket(ctx context.Context, ticker string) (types.Market, error) {
	var out struct {
		Market wireMarket `json:"market"`
	}
	if err := c.get(ctx, "/markets/"+ticker, nil, false, &out); err != nil {
		return types.Market{}, err
	}
	return out.Market.toMarket(time.Now().UTC()), nil
}

// GetPositions pages through the venue's view of current holdings.
// The lifecycle manager owns the trading book; this is the surface for
// reconciling that book against what the exchange reports.
func (c *Client) GetPositions(ctx context.Context) ([]types.VenuePosition, error) {
	var all []types.VenuePosition
	cursor := ""
	for {
		params := map[string]string{"limit": "100"}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var page struct {
			MarketPositions []wirePosition `json:"market_positions"`
			Cursor          string         `json:"cursor"`
		}
		if err := c.get(ctx, "/portfolio/positions", params, true, &page); err != nil {
			return nil, err
		}
		for _, w := range page.MarketPositions {
			all = append(all, w.toPosition())
		}
		if page.Cursor == "" {
			return all, nil
		}
		cursor = page.Cursor
	}
}

// GetBalance returns the available balance in dollars.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Balance int64 `json:"balance"` // cents
	}
	if err := c.get(ctx, "/portfolio/balance", nil, true, &out); err != nil {
		return decimal.Zero, err
	}
	return types.CentsToDollars(out.Balance), nil
}

// PlaceOrder submits one limit order, single attempt. The order's
// ClientOrderID makes a duplicate submission a venue-side no-op.
func (c *Client) PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error) {
	if c.key == nil {
		return types.OrderResult{}, fmt.Errorf("credentials not configured")
	}

	payload := map[string]interface{}{
		"ticker":          order.Ticker,
		"side":            string(order.Side),
		"action":          string(order.Action),
		"count":           order.Count,
		"type":            "limit",
		"client_order_id": order.ClientOrderID,
	}
	if order.Side == types.SideYes {
		payload["yes_price"] = order.LimitPrice
	} else {
		payload["no_price"] = order.LimitPrice
	}
	if order.TimeInForce != "" {
		payload["time_in_force"] = order.TimeInForce
	}
	if order.PostOnly {
		payload["post_only"] = true
	}

	c.writeLimit.wait()

	const route = "/portfolio/orders"
	headers, err := c.authHeaders("POST", route)
	if err != nil {
		return types.OrderResult{}, err
	}

	resp, err := c.write.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		Post(route)
	if err != nil {
		return types.OrderResult{}, err
	}
	if resp.StatusCode() >= 400 {
		return types.OrderResult{}, apiError(resp)
	}

	var out struct {
		Order struct {
			OrderID        string `json:"order_id"`
			Status         string `json:"status"`
			TakerFillCount int64  `json:"taker_fill_count"`
			TakerFillCost  int64  `json:"taker_fill_cost"` // cents, total
		} `json:"order"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return types.OrderResult{}, err
	}

	result := types.OrderResult{
		OrderID:     out.Order.OrderID,
		Status:      orderStatusFromWire(out.Order.Status),
		FilledCount: out.Order.TakerFillCount,
		PlacedAt:    time.Now().UTC(),
	}
	if out.Order.TakerFillCount > 0 {
		result.AvgPrice = types.CentsToDollars(out.Order.TakerFillCost).
			Div(decimal.NewFromInt(out.Order.TakerFillCount))
	} else {
		result.AvgPrice = types.CentsToDollars(order.LimitPrice)
	}

	c.logger.Info("Order placed",
		zap.String("ticker", order.Ticker),
		zap.String("side", string(order.Side)),
		zap.String("action", string(order.Action)),
		zap.Int64("count", order.Count),
		zap.Int64("limitPrice", order.LimitPrice),
		zap.String("status", string(result.Status)))

	return result, nil
}

// get runs one GET with rate limiting and optional auth.
func (c *Client) get(ctx context.Context, route string, params map[string]string, authed bool, out interface{}) error {
	c.readLimit.wait()

	r := c.read.R().SetContext(ctx)
	if params != nil {
		r.SetQueryParams(params)
	}
	if authed {
		if c.key == nil {
			return fmt.Errorf("credentials not configured")
		}
		headers, err := c.authHeaders("GET", route)
		if err != nil {
			return err
		}
		r.SetHeaders(headers)
	}

	resp, err := r.Get(route)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 400 {
		return apiError(resp)
	}
	return json.Unmarshal(resp.Body(), out)
}

// authHeaders signs timestamp+method+path with RSA-PSS per the venue's
// scheme. The signed path carries the API prefix but no query string.
func (c *Client) authHeaders(method, route string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + method + c.signPath + route
	digest := sha256.Sum256([]byte(msg))

	sig, err := rsa.SignPSS(rand.Reader, c.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       c.config.APIKey,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
		"KALSHI-ACCESS-TIMESTAMP": ts,
		"Content-Type":            "application/json",
	}, nil
}

func apiError(resp *resty.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Body(), &body)
	if body.Message == "" {
		body.Message = resp.Status()
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: body.Message}
}

func loadPrivateKey(pemText, path string) (*rsa.PrivateKey, error) {
	raw := []byte(pemText)
	if pemText == "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

type wireMarket struct {
	Ticker       string `json:"ticker"`
	EventTicker  string `json:"event_ticker"`
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	Status       string `json:"status"`
	YesBid       int64  `json:"yes_bid"`
	YesAsk       int64  `json:"yes_ask"`
	NoBid        int64  `json:"no_bid"`
	NoAsk        int64  `json:"no_ask"`
	LastPrice    int64  `json:"last_price"`
	Volume       int64  `json:"volume"`
	Volume24H    int64  `json:"volume_24h"`
	OpenInterest int64  `json:"open_interest"`
	Liquidity    int64  `json:"liquidity"`
	Result       string `json:"result"`
	CloseTime    string `json:"close_time"`
}

func (w wireMarket) toMarket(now time.Time) types.Market {
	closeTime, _ := time.Parse(time.RFC3339, w.CloseTime)
	return types.Market{
		Ticker:       w.Ticker,
		EventTicker:  w.EventTicker,
		Class:        types.ClassifyTicker(w.Ticker),
		Title:        w.Title,
		Subtitle:     w.Subtitle,
		YesBid:       w.YesBid,
		YesAsk:       w.YesAsk,
		NoBid:        w.NoBid,
		NoAsk:        w.NoAsk,
		LastPrice:    w.LastPrice,
		Volume:       w.Volume,
		Volume24H:    w.Volume24H,
		OpenInterest: w.OpenInterest,
		Liquidity:    w.Liquidity,
		Status:       marketStatusFromWire(w.Status),
		Result:       types.Side(w.Result),
		CloseTime:    closeTime,
		FetchedAt:    now,
	}
}

type wirePosition struct {
	Ticker             string `json:"ticker"`
	EventTicker        string `json:"event_ticker"`
	Position           int64  `json:"position"` // signed contracts, yes positive
	MarketExposure     int64  `json:"market_exposure"`
	RealizedPnL        int64  `json:"realized_pnl"`
	TotalTraded        int64  `json:"total_traded"`
	RestingOrdersCount int    `json:"resting_orders_count"`
}

func (w wirePosition) toPosition() types.VenuePosition {
	out := types.VenuePosition{
		Ticker:        w.Ticker,
		EventTicker:   w.EventTicker,
		Exposure:      types.CentsToDollars(w.MarketExposure),
		RealizedPnL:   types.CentsToDollars(w.RealizedPnL),
		TotalTraded:   types.CentsToDollars(w.TotalTraded),
		RestingOrders: w.RestingOrdersCount,
	}
	if w.Position >= 0 {
		out.YesContracts = w.Position
	} else {
		out.NoContracts = -w.Position
	}
	return out
}

func marketStatusFromWire(s string) types.MarketStatus {
	switch s {
	case "open", "active":
		return types.MarketStatusActive
	case "closed":
		return types.MarketStatusClosed
	case "settled", "finalized":
		return types.MarketStatusSettled
	default:
		return types.MarketStatusSuspended
	}
}

func orderStatusFromWire(s string) types.OrderStatus {
	switch s {
	case "executed":
		return types.OrderStatusExecuted
	case "resting", "pending":
		return types.OrderStatusResting
	case "canceled":
		return types.OrderStatusCanceled
	default:
		return types.OrderStatusRejected
	}
}

// limiter is a token bucket refilled continuously at perSecond.
type limiter struct {
	mu        sync.Mutex
	perSecond float64
	tokens    float64
	last      time.Time
}

func newLimiter(perSecond int) *limiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &limiter{
		perSecond: float64(perSecond),
		tokens:    float64(perSecond),
		last:      time.Now(),
	}
}

// wait blocks until a token is available.
func (l *limiter) wait() {
	for {
		l.mu.Lock()
		now := time.Now()
		l.tokens = math.Min(l.perSecond, l.tokens+now.Sub(l.last).Seconds()*l.perSecond)
		l.last = now
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return
		}
		need := (1 - l.tokens) / l.perSecond
		l.mu.Unlock()
		time.Sleep(time.Duration(need * float64(time.Second)))
	}
}
