package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/data"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// CandleFeedConfig configures the spot candle poller.
type CandleFeedConfig struct {
	BaseURL  string        `json:"baseUrl"`
	Symbols  []string      `json:"symbols"`
	Interval string        `json:"interval"`
	Limit    int           `json:"limit"` // bars per refresh
	Timeout  time.Duration `json:"timeout"`
}

// DefaultCandleFeedConfig returns the stock spot feed settings. The
// symbols match the underlyings of the crypto market classes.
func DefaultCandleFeedConfig() CandleFeedConfig {
	return CandleFeedConfig{
		BaseURL:  "https://api.binance.com",
		Symbols:  []string{"BTCUSDT", "ETHUSDT"},
		Interval: "1m",
		Limit:    120,
		Timeout:  10 * time.Second,
	}
}

// CandleFeed polls public spot klines and appends them to the candle
// store. The engine refreshes it at the top of every crypto cycle; the
// store handles overlap and ordering.
type CandleFeed struct {
	logger *zap.Logger
	config CandleFeedConfig
	client *resty.Client
	store  *data.Store
}

// NewCandleFeed creates a spot candle feed writing into store.
func NewCandleFeed(logger *zap.Logger, config CandleFeedConfig, store *data.Store) *CandleFeed {
	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout)

	return &CandleFeed{
		logger: logger.Named("spot"),
		config: config,
		client: client,
		store:  store,
	}
}

// Refresh fetches the latest bars for every configured symbol. A
// symbol-level failure is logged and skipped; Refresh errors only when
// no symbol could be fetched at all.
func (f *CandleFeed) Refresh(ctx context.Context) error {
	failed := 0
	for _, symbol := range f.config.Symbols {
		candles, err := f.fetchKlines(ctx, symbol)
		if err != nil {
			failed++
			f.logger.Warn("Kline fetch failed",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		f.store.Append(symbol, candles)
		f.logger.Debug("Refreshed candles",
			zap.String("symbol", symbol),
			zap.Int("bars", len(candles)))
	}
	if failed == len(f.config.Symbols) && failed > 0 {
		return fmt.Errorf("all %d symbols failed to refresh", failed)
	}
	return nil
}

// fetchKlines pulls one symbol's recent bars. Kline rows arrive as
// mixed-type JSON arrays: open time in ms, then OHLCV as strings.
func (f *CandleFeed) fetchKlines(ctx context.Context, symbol string) ([]types.Candle, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": f.config.Interval,
			"limit":    strconv.Itoa(f.config.Limit),
		}).
		Get("/api/v3/klines")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("klines status %d: %s", resp.StatusCode(), resp.String())
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		open, err1 := klineField(row[1])
		high, err2 := klineField(row[2])
		low, err3 := klineField(row[3])
		closePrice, err4 := klineField(row[4])
		volume, err5 := klineField(row[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		candle := types.Candle{
			Timestamp: time.UnixMilli(openTime).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		}
		if len(row) > 6 {
			var closeTime int64
			if err := json.Unmarshal(row[6], &closeTime); err == nil {
				candle.CloseTime = time.UnixMilli(closeTime).UTC()
			}
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// klineField parses one quoted numeric kline column.
func klineField(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}
