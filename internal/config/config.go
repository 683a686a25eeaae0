// Package config loads engine settings from an optional config file and
// ENGINE_-prefixed environment variables. Defaults mirror the component
// defaults so an empty environment boots a usable demo-mode engine.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Venue API hosts by environment.
const (
	DemoBaseURL = "https://demo-api.kalshi.co/trade-api/v2"
	ProdBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
)

// Config is the full runtime configuration.
type Config struct {
	Environment string `mapstructure:"environment" json:"environment" validate:"required,oneof=demo prod"`
	DryRun      bool   `mapstructure:"dry_run" json:"dryRun"`
	LogLevel    string `mapstructure:"log_level" json:"logLevel" validate:"required,oneof=debug info warn error"`
	DataDir     string `mapstructure:"data_dir" json:"dataDir" validate:"required"`

	Venue   Venue   `mapstructure:"venue" json:"venue"`
	Server  Server  `mapstructure:"server" json:"server"`
	Store   Store   `mapstructure:"store" json:"store"`
	Trading Trading `mapstructure:"trading" json:"trading"`
	Risk    Risk    `mapstructure:"risk" json:"risk"`
	Feeds   Feeds   `mapstructure:"feeds" json:"feeds"`
}

// Venue holds exchange API credentials and client tuning. Credentials
// are only required outside dry-run mode.
type Venue struct {
	APIKey         string        `mapstructure:"api_key" json:"-"`
	PrivateKeyPath string        `mapstructure:"private_key_path" json:"privateKeyPath"`
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout" validate:"gt=0"`
}

// Server configures the control surface.
type Server struct {
	Host         string        `mapstructure:"host" json:"host" validate:"required"`
	Port         int           `mapstructure:"port" json:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"readTimeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"writeTimeout" validate:"gt=0"`
}

// Store selects and configures the snapshot store.
type Store struct {
	Backend       string        `mapstructure:"backend" json:"backend" validate:"required,oneof=redis file memory"`
	RedisAddr     string        `mapstructure:"redis_addr" json:"redisAddr"`
	RedisPassword string        `mapstructure:"redis_password" json:"-"`
	RedisDB       int           `mapstructure:"redis_db" json:"redisDb" validate:"gte=0"`
	TTL           time.Duration `mapstructure:"ttl" json:"ttl" validate:"gte=0"`
}

// Trading selects the market universe and the cycle cadence.
type Trading struct {
	Classes         []string      `mapstructure:"classes" json:"classes" validate:"required,min=1,dive,oneof=crypto weather economics"`
	CryptoSeries    []string      `mapstructure:"crypto_series" json:"cryptoSeries"`
	WeatherSeries   []string      `mapstructure:"weather_series" json:"weatherSeries"`
	EconomicSeries  []string      `mapstructure:"economic_series" json:"economicSeries"`
	ScanInterval    time.Duration `mapstructure:"scan_interval" json:"scanInterval" validate:"gte=5s"`
	StartHourUTC    int           `mapstructure:"start_hour_utc" json:"startHourUtc" validate:"gte=0,lte=23"`
	EndHourUTC      int           `mapstructure:"end_hour_utc" json:"endHourUtc" validate:"gte=0,lte=23"`
	MaxHoursToClose float64       `mapstructure:"max_hours_to_close" json:"maxHoursToClose" validate:"gt=0"`
	MinConfidence   float64       `mapstructure:"min_confidence" json:"minConfidence" validate:"gte=0,lte=1"`
	MinExpectedVal  float64       `mapstructure:"min_expected_value" json:"minExpectedValue" validate:"gte=0"`
}

// Risk carries the tunable side of gating, sizing and exits. The gate
// clamps its fields into the hard limits on load, so widening past them
// here has no effect.
type Risk struct {
	MaxDailyLoss    float64       `mapstructure:"max_daily_loss" json:"maxDailyLoss" validate:"gt=0"`
	MaxConcurrent   int           `mapstructure:"max_concurrent" json:"maxConcurrent" validate:"gte=1"`
	MinEdge         float64       `mapstructure:"min_edge" json:"minEdge" validate:"gte=0,lte=1"`
	MinVolume24H    int64         `mapstructure:"min_volume_24h" json:"minVolume24h" validate:"gte=0"`
	KellyFraction   float64       `mapstructure:"kelly_fraction" json:"kellyFraction" validate:"gt=0,lte=1"`
	MaxContracts    int64         `mapstructure:"max_contracts" json:"maxContracts" validate:"gte=1"`
	MaxTradeCost    float64       `mapstructure:"max_trade_cost" json:"maxTradeCost" validate:"gt=0"`
	MaxExposurePct  float64       `mapstructure:"max_exposure_pct" json:"maxExposurePct" validate:"gt=0,lte=1"`
	TakeProfitPct   float64       `mapstructure:"take_profit_pct" json:"takeProfitPct" validate:"gt=0,lte=1"`
	StopLossPct     float64       `mapstructure:"stop_loss_pct" json:"stopLossPct" validate:"gt=0,lte=1"`
	ExitHoursBefore float64       `mapstructure:"exit_hours_before_close" json:"exitHoursBeforeClose" validate:"gte=0"`
	Cooldown        time.Duration `mapstructure:"cooldown" json:"cooldown" validate:"gte=0"`
}

// Feeds holds external data source settings.
type Feeds struct {
	FredAPIKey       string `mapstructure:"fred_api_key" json:"-"`
	CandleBaseURL    string `mapstructure:"candle_base_url" json:"candleBaseUrl" validate:"required,url"`
	WeatherUserAgent string `mapstructure:"weather_user_agent" json:"weatherUserAgent" validate:"required"`
}

var validate = validator.New()

// Load reads configuration. A path of "" looks for engine.yaml in the
// working directory and ./config, and a missing file is fine; an
// explicit path must exist. Environment variables win over the file:
// trading.scan_interval becomes ENGINE_TRADING_SCAN_INTERVAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints plus the cross-field rules the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.DryRun {
		if c.Venue.APIKey == "" || c.Venue.PrivateKeyPath == "" {
			return errors.New("invalid config: live trading requires venue.api_key and venue.private_key_path")
		}
	}
	if c.Trading.StartHourUTC == c.Trading.EndHourUTC {
		return errors.New("invalid config: trading window is empty, start and end hour are equal")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return errors.New("invalid config: store.redis_addr is required for the redis backend")
	}
	return nil
}

// BaseURL returns the venue API host for the configured environment.
func (c *Config) BaseURL() string {
	if c.Environment == "prod" {
		return ProdBaseURL
	}
	return DemoBaseURL
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "demo")
	v.SetDefault("dry_run", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "./data")

	v.SetDefault("venue.api_key", "")
	v.SetDefault("venue.private_key_path", "")
	v.SetDefault("venue.timeout", "10s")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.ttl", "0s")

	v.SetDefault("trading.classes", []string{"crypto", "weather", "economics"})
	v.SetDefault("trading.crypto_series", []string{"KXBTCD", "KXETHD"})
	v.SetDefault("trading.weather_series", []string{"KXHIGHNY", "KXHIGHCHI", "KXHIGHMIA", "KXHIGHAUS"})
	v.SetDefault("trading.economic_series", []string{"KXCPI", "KXJOBS", "KXFED", "KXGDP", "KXSP500"})
	v.SetDefault("trading.scan_interval", "60s")
	v.SetDefault("trading.start_hour_utc", 10)
	v.SetDefault("trading.end_hour_utc", 23)
	v.SetDefault("trading.max_hours_to_close", 48.0)
	v.SetDefault("trading.min_confidence", 0.55)
	v.SetDefault("trading.min_expected_value", 0.05)

	v.SetDefault("risk.max_daily_loss", 50.0)
	v.SetDefault("risk.max_concurrent", 5)
	v.SetDefault("risk.min_edge", 0.03)
	v.SetDefault("risk.min_volume_24h", 20)
	v.SetDefault("risk.kelly_fraction", 0.5)
	v.SetDefault("risk.max_contracts", 100)
	v.SetDefault("risk.max_trade_cost", 25.0)
	v.SetDefault("risk.max_exposure_pct", 0.20)
	v.SetDefault("risk.take_profit_pct", 0.15)
	v.SetDefault("risk.stop_loss_pct", 0.20)
	v.SetDefault("risk.exit_hours_before_close", 0.5)
	v.SetDefault("risk.cooldown", "30m")

	v.SetDefault("feeds.fred_api_key", "")
	v.SetDefault("feeds.candle_base_url", "https://api.binance.com")
	v.SetDefault("feeds.weather_user_agent", "kestrel-prediction-engine/1.0 (ops@kestrel-markets.io)")
}
