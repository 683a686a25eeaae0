// Package feeds pulls the external reference data the evaluators price
// against: NWS temperature forecasts, FRED economic series, and spot
// exchange candles. Each feed exposes a snapshot call the engine makes
// at cycle start; failures degrade to missing entries, never stale lies.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// WeatherFeedConfig configures the NWS client.
type WeatherFeedConfig struct {
	BaseURL   string                 `json:"baseUrl"`
	UserAgent string                 `json:"userAgent"` // NWS requires an identifying UA
	Timeout   time.Duration          `json:"timeout"`
	CacheTTL  time.Duration          `json:"cacheTtl"`
	Stations  []types.WeatherStation `json:"stations"`
}

// DefaultWeatherFeedConfig returns the stock NWS settings.
func DefaultWeatherFeedConfig() WeatherFeedConfig {
	return WeatherFeedConfig{
		BaseURL:   "https://api.weather.gov",
		UserAgent: "kestrel-prediction-engine/1.0 (ops@kestrel-markets.io)",
		Timeout:   15 * time.Second,
		CacheTTL:  10 * time.Minute,
		Stations:  types.DefaultWeatherStations(),
	}
}

// WeatherFeed fetches daily-high temperature estimates from the
// National Weather Service, the settlement source for the weather
// markets.
type WeatherFeed struct {
	logger *zap.Logger
	config WeatherFeedConfig
	client *resty.Client

	mu    sync.Mutex
	cache map[string]cachedEstimate
}

type cachedEstimate struct {
	estimate types.Estimate
	fetched  time.Time
}

// NewWeatherFeed creates an NWS feed.
func NewWeatherFeed(logger *zap.Logger, config WeatherFeedConfig) *WeatherFeed {
	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetHeader("User-Agent", config.UserAgent).
		SetHeader("Accept", "application/geo+json")

	return &WeatherFeed{
		logger: logger.Named("nws"),
		config: config,
		client: client,
		cache:  make(map[string]cachedEstimate),
	}
}

// Estimates returns the best high-temperature estimate per series
// ticker. Stations that cannot be fetched are absent from the map; the
// weather evaluator skips their markets this cycle.
func (f *WeatherFeed) Estimates(ctx context.Context) map[string]types.Estimate {
	out := make(map[string]types.Estimate, len(f.config.Stations))
	for _, station := range f.config.Stations {
		est, err := f.estimateHigh(ctx, station)
		if err != nil {
			f.logger.Warn("High estimate unavailable",
				zap.String("station", station.Station),
				zap.String("city", station.City),
				zap.Error(err))
			continue
		}
		out[station.SeriesTicker] = est
	}
	return out
}

// estimateHigh combines the point forecast high, the current
// observation, and the hourly forecast maximum. The current temperature
// floors the estimate: once it prints above the forecast, the day's
// high is at least that.
func (f *WeatherFeed) estimateHigh(ctx context.Context, station types.WeatherStation) (types.Estimate, error) {
	f.mu.Lock()
	if c, ok := f.cache[station.SeriesTicker]; ok && time.Since(c.fetched) < f.config.CacheTTL {
		f.mu.Unlock()
		return c.estimate, nil
	}
	f.mu.Unlock()

	var candidates []float64

	if current, err := f.currentTemperature(ctx, station.Station); err != nil {
		f.logger.Debug("Observation fetch failed", zap.String("station", station.Station), zap.Error(err))
	} else if current != nil {
		candidates = append(candidates, *current)
	}

	forecastHigh, hourlyMax, err := f.pointForecast(ctx, station)
	if err != nil {
		f.logger.Debug("Point forecast fetch failed", zap.String("station", station.Station), zap.Error(err))
	} else {
		if forecastHigh != nil {
			candidates = append(candidates, *forecastHigh)
		}
		if hourlyMax != nil {
			candidates = append(candidates, *hourlyMax)
		}
	}

	if len(candidates) == 0 {
		return types.Estimate{}, fmt.Errorf("no temperature sources for %s", station.Station)
	}

	high := candidates[0]
	for _, c := range candidates[1:] {
		if c > high {
			high = c
		}
	}

	est := types.Estimate{Value: high, AsOf: time.Now().UTC()}
	f.mu.Lock()
	f.cache[station.SeriesTicker] = cachedEstimate{estimate: est, fetched: time.Now()}
	f.mu.Unlock()
	return est, nil
}

type nwsPointResponse struct {
	Properties struct {
		Forecast       string `json:"forecast"`
		ForecastHourly string `json:"forecastHourly"`
	} `json:"properties"`
}

type nwsForecastResponse struct {
	Properties struct {
		Periods []nwsPeriod `json:"periods"`
	} `json:"properties"`
}

type nwsPeriod struct {
	Name        string  `json:"name"`
	IsDaytime   bool    `json:"isDaytime"`
	Temperature float64 `json:"temperature"`
}

type nwsObservationResponse struct {
	Properties struct {
		Timestamp   string `json:"timestamp"`
		Temperature struct {
			UnitCode string   `json:"unitCode"`
			Value    *float64 `json:"value"`
		} `json:"temperature"`
	} `json:"properties"`
}

// currentTemperature returns the latest station observation in
// Fahrenheit, or nil when the station has no usable reading.
func (f *WeatherFeed) currentTemperature(ctx context.Context, station string) (*float64, error) {
	var obs nwsObservationResponse
	if err := f.getJSON(ctx, fmt.Sprintf("/stations/%s/observations/latest", station), &obs); err != nil {
		return nil, err
	}
	v := obs.Properties.Temperature.Value
	if v == nil {
		return nil, nil
	}
	temp := *v
	if obs.Properties.Temperature.UnitCode != "wmoUnit:degF" {
		temp = math.Round((temp*9/5+32)*10) / 10
	}
	return &temp, nil
}

// pointForecast resolves the grid for the station's coordinates and
// returns today's daytime forecast high and the maximum of the next 24
// hourly temperatures, either of which may be nil.
func (f *WeatherFeed) pointForecast(ctx context.Context, station types.WeatherStation) (forecastHigh, hourlyMax *float64, err error) {
	var point nwsPointResponse
	if err := f.getJSON(ctx, fmt.Sprintf("/points/%.4f,%.4f", station.Latitude, station.Longitude), &point); err != nil {
		return nil, nil, err
	}

	if url := point.Properties.Forecast; url != "" {
		var forecast nwsForecastResponse
		if err := f.getJSON(ctx, url, &forecast); err == nil {
			periods := forecast.Properties.Periods
			if len(periods) > 2 {
				periods = periods[:2]
			}
			for _, p := range periods {
				if p.IsDaytime {
					t := p.Temperature
					forecastHigh = &t
					break
				}
			}
		}
	}

	if url := point.Properties.ForecastHourly; url != "" {
		var hourly nwsForecastResponse
		if err := f.getJSON(ctx, url, &hourly); err == nil {
			periods := hourly.Properties.Periods
			if len(periods) > 24 {
				periods = periods[:24]
			}
			for _, p := range periods {
				if hourlyMax == nil || p.Temperature > *hourlyMax {
					t := p.Temperature
					hourlyMax = &t
				}
			}
		}
	}

	if forecastHigh == nil && hourlyMax == nil {
		return nil, nil, fmt.Errorf("grid %s returned no periods", station.GridOffice)
	}
	return forecastHigh, hourlyMax, nil
}

// getJSON fetches url (absolute or relative to the base) and decodes
// the body. Non-200 statuses are errors.
func (f *WeatherFeed) getJSON(ctx context.Context, url string, out interface{}) error {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("nws status %d: %s", resp.StatusCode(), resp.String())
	}
	return json.Unmarshal(resp.Body(), out)
}
