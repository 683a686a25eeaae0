// Package types provides configuration types for the prediction engine.
package types

import (
	"time"
)

// ServerConfig represents control-surface server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "localhost",
		Port:           8080,
		WebSocketPath:  "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
	}
}

// WeatherStation binds a weather market series to its observation
// station and forecast grid.
type WeatherStation struct {
	SeriesTicker string  `json:"seriesTicker"`
	Station      string  `json:"station"`
	GridOffice   string  `json:"gridOffice"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	City         string  `json:"city"`
}

// DefaultWeatherStations returns the supported daily-high markets and
// their observation stations.
func DefaultWeatherStations() []WeatherStation {
	return []WeatherStation{
		{SeriesTicker: "KXHIGHNY", Station: "KNYC", GridOffice: "OKX", Latitude: 40.7829, Longitude: -73.9654, City: "New York"},
		{SeriesTicker: "KXHIGHCHI", Station: "KMDW", GridOffice: "LOT", Latitude: 41.7868, Longitude: -87.7522, City: "Chicago"},
		{SeriesTicker: "KXHIGHMIA", Station: "KMIA", GridOffice: "MFL", Latitude: 25.7959, Longitude: -80.2870, City: "Miami"},
		{SeriesTicker: "KXHIGHAUS", Station: "KAUS", GridOffice: "EWX", Latitude: 30.1945, Longitude: -97.6699, City: "Austin"},
	}
}

// EconomicSeries binds an economic market series to its reference data
// series on the statistics provider.
type EconomicSeries struct {
	SeriesTicker string `json:"seriesTicker"`
	DataSeriesID string `json:"dataSeriesId"`
	Indicator    string `json:"indicator"`
}

// DefaultEconomicSeries returns the supported macro-release markets.
func DefaultEconomicSeries() []EconomicSeries {
	return []EconomicSeries{
		{SeriesTicker: "KXCPI", DataSeriesID: "CPIAUCSL", Indicator: "cpi"},
		{SeriesTicker: "KXJOBS", DataSeriesID: "PAYEMS", Indicator: "payrolls"},
		{SeriesTicker: "KXFED", DataSeriesID: "FEDFUNDS", Indicator: "fed_funds"},
		{SeriesTicker: "KXGDP", DataSeriesID: "GDP", Indicator: "gdp"},
		{SeriesTicker: "KXSP500", DataSeriesID: "SP500", Indicator: "sp500"},
	}
}

// TradingWindow bounds the UTC hours in which new entries are allowed.
// Exits on open positions run regardless of the window.
type TradingWindow struct {
	StartHourUTC int `json:"startHourUtc"`
	EndHourUTC   int `json:"endHourUtc"`
}

// Contains reports whether t falls inside the window.
func (w TradingWindow) Contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.StartHourUTC <= w.EndHourUTC {
		return h >= w.StartHourUTC && h < w.EndHourUTC
	}
	return h >= w.StartHourUTC || h < w.EndHourUTC
}
