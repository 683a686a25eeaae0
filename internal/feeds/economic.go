package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// EconomicFeedConfig configures the FRED client.
type EconomicFeedConfig struct {
	BaseURL  string                 `json:"baseUrl"`
	APIKey   string                 `json:"apiKey"`
	Timeout  time.Duration          `json:"timeout"`
	CacheTTL time.Duration          `json:"cacheTtl"`
	Series   []types.EconomicSeries `json:"series"`
}

// DefaultEconomicFeedConfig returns the stock FRED settings. The API
// key comes from configuration; without one the feed stays silent and
// economic markets fall back to review flags.
func DefaultEconomicFeedConfig() EconomicFeedConfig {
	return EconomicFeedConfig{
		BaseURL:  "https://api.stlouisfed.org/fred",
		Timeout:  15 * time.Second,
		CacheTTL: 30 * time.Minute,
		Series:   types.DefaultEconomicSeries(),
	}
}

// EconomicFeed derives nowcasts for macro release markets from recent
// FRED observations: the last month-over-month move for flow series,
// the latest level for rate and index series.
type EconomicFeed struct {
	logger *zap.Logger
	config EconomicFeedConfig
	client *resty.Client

	mu    sync.Mutex
	cache map[string]cachedEstimate
}

// NewEconomicFeed creates a FRED feed.
func NewEconomicFeed(logger *zap.Logger, config EconomicFeedConfig) *EconomicFeed {
	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout)

	return &EconomicFeed{
		logger: logger.Named("fred"),
		config: config,
		client: client,
		cache:  make(map[string]cachedEstimate),
	}
}

// Estimates returns one nowcast per configured series ticker. Series
// that cannot be fetched or derived are absent; their markets surface
// as review flags instead of trades.
func (f *EconomicFeed) Estimates(ctx context.Context) map[string]types.Estimate {
	out := make(map[string]types.Estimate, len(f.config.Series))
	if f.config.APIKey == "" {
		f.logger.Debug("FRED API key not configured, economic nowcasts disabled")
		return out
	}

	for _, series := range f.config.Series {
		est, err := f.nowcast(ctx, series)
		if err != nil {
			f.logger.Warn("Nowcast unavailable",
				zap.String("series", series.DataSeriesID),
				zap.String("indicator", series.Indicator),
				zap.Error(err))
			continue
		}
		out[series.SeriesTicker] = est
	}
	return out
}

func (f *EconomicFeed) nowcast(ctx context.Context, series types.EconomicSeries) (types.Estimate, error) {
	f.mu.Lock()
	if c, ok := f.cache[series.SeriesTicker]; ok && time.Since(c.fetched) < f.config.CacheTTL {
		f.mu.Unlock()
		return c.estimate, nil
	}
	f.mu.Unlock()

	obs, err := f.observations(ctx, series.DataSeriesID, 5)
	if err != nil {
		return types.Estimate{}, err
	}

	est, err := deriveEstimate(series.Indicator, obs)
	if err != nil {
		return types.Estimate{}, err
	}

	f.mu.Lock()
	f.cache[series.SeriesTicker] = cachedEstimate{estimate: est, fetched: time.Now()}
	f.mu.Unlock()
	return est, nil
}

type fredObservation struct {
	Date  string `json:"date"`
	Value string `json:"value"`
}

type fredResponse struct {
	Observations []fredObservation `json:"observations"`
}

// observations fetches the most recent readings, newest first, with
// FRED's "." placeholders for missing values already dropped.
func (f *EconomicFeed) observations(ctx context.Context, seriesID string, limit int) ([]fredObservation, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"series_id":  seriesID,
			"api_key":    f.config.APIKey,
			"file_type":  "json",
			"sort_order": "desc",
			"limit":      strconv.Itoa(limit),
		}).
		Get("/series/observations")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fred status %d: %s", resp.StatusCode(), resp.String())
	}

	var parsed fredResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, err
	}

	out := make([]fredObservation, 0, len(parsed.Observations))
	for _, o := range parsed.Observations {
		if _, err := strconv.ParseFloat(o.Value, 64); err == nil {
			out = append(out, o)
		}
	}
	return out, nil
}

// deriveEstimate turns raw observations into the units the market
// brackets quote: month-over-month percent change for CPI, monthly
// payroll change in thousands, latest level for everything else. The
// uncertainty is a quarter of the plausible range, the usual 95%-range
// rule of thumb.
func deriveEstimate(indicator string, obs []fredObservation) (types.Estimate, error) {
	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i], _ = strconv.ParseFloat(o.Value, 64)
	}

	asOf := time.Now().UTC()
	if len(obs) > 0 {
		if t, err := time.Parse("2006-01-02", obs[0].Date); err == nil {
			asOf = t
		}
	}

	switch indicator {
	case "cpi":
		if len(values) < 2 || values[1] == 0 {
			return types.Estimate{}, fmt.Errorf("need two observations for %s", indicator)
		}
		mom := (values[0] - values[1]) / values[1] * 100
		return types.Estimate{
			Value:       math.Round(mom*100) / 100,
			Uncertainty: 0.05, // ±0.1pp plausible band
			AsOf:        asOf,
		}, nil

	case "payrolls":
		if len(values) < 2 {
			return types.Estimate{}, fmt.Errorf("need two observations for %s", indicator)
		}
		change := values[0] - values[1]
		return types.Estimate{
			Value:       change,
			Uncertainty: 25, // ±50k plausible band
			AsOf:        asOf,
		}, nil

	default:
		if len(values) == 0 {
			return types.Estimate{}, fmt.Errorf("no observations for %s", indicator)
		}
		unc := math.Abs(values[0]) * 0.05
		if unc < 0.01 {
			unc = 0.01
		}
		return types.Estimate{Value: values[0], Uncertainty: unc, AsOf: asOf}, nil
	}
}
