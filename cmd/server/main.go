// Package main boots the prediction market engine: venue client, data
// feeds, strategy registry, risk gate, executor and the evaluation
// scheduler, with the HTTP control surface in front.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrel-markets/prediction-engine/internal/api"
	"github.com/kestrel-markets/prediction-engine/internal/config"
	"github.com/kestrel-markets/prediction-engine/internal/data"
	"github.com/kestrel-markets/prediction-engine/internal/engine"
	"github.com/kestrel-markets/prediction-engine/internal/events"
	"github.com/kestrel-markets/prediction-engine/internal/exchange"
	"github.com/kestrel-markets/prediction-engine/internal/execution"
	"github.com/kestrel-markets/prediction-engine/internal/feeds"
	"github.com/kestrel-markets/prediction-engine/internal/learning"
	"github.com/kestrel-markets/prediction-engine/internal/metrics"
	"github.com/kestrel-markets/prediction-engine/internal/risk"
	"github.com/kestrel-markets/prediction-engine/internal/signals"
	"github.com/kestrel-markets/prediction-engine/internal/store"
	"github.com/kestrel-markets/prediction-engine/internal/strategy"
	"github.com/kestrel-markets/prediction-engine/internal/workers"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Config file path (default: engine.yaml in . or ./config)")
	logLevel := flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	paperBalance := flag.Float64("paper-balance", 1000, "Starting balance for dry-run paper trading")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level)
	defer logger.Sync()

	logger.Info("Starting prediction engine",
		zap.String("environment", cfg.Environment),
		zap.Bool("dryRun", cfg.DryRun),
		zap.Strings("classes", cfg.Trading.Classes),
		zap.String("store", cfg.Store.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := buildStore(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to open snapshot store", zap.Error(err))
	}
	defer snapshots.Close()

	// Venue client. Dry-run wraps it in the paper book so market data
	// is live while orders and balance stay simulated.
	clientCfg := exchange.DefaultClientConfig()
	clientCfg.BaseURL = cfg.BaseURL()
	clientCfg.APIKey = cfg.Venue.APIKey
	clientCfg.PrivateKeyPath = cfg.Venue.PrivateKeyPath
	clientCfg.Timeout = cfg.Venue.Timeout
	client, err := exchange.NewClient(logger, clientCfg)
	if err != nil {
		logger.Fatal("Failed to create venue client", zap.Error(err))
	}
	var venue exchange.Venue = client
	if cfg.DryRun {
		venue = exchange.NewPaper(logger, client, decimal.NewFromFloat(*paperBalance))
	}

	// Market data: candle store plus the REST refresh feed, with the
	// websocket stream on top when crypto markets are in play.
	candles := data.NewStore(logger, data.DefaultStoreConfig())
	quality := data.NewChecker(logger, data.DefaultQualityConfig())

	candleCfg := feeds.DefaultCandleFeedConfig()
	candleCfg.BaseURL = cfg.Feeds.CandleBaseURL
	spot := feeds.NewCandleFeed(logger, candleCfg, candles)

	var stream *data.KlineStream
	if hasClass(cfg.Trading.Classes, types.MarketClassCrypto) {
		stream = data.NewKlineStream(logger, data.DefaultStreamConfig(), candles)
		if err := stream.Start(ctx); err != nil {
			logger.Warn("Candle stream unavailable, relying on REST refresh", zap.Error(err))
			stream = nil
		}
	}

	weatherCfg := feeds.DefaultWeatherFeedConfig()
	weatherCfg.UserAgent = cfg.Feeds.WeatherUserAgent
	weather := feeds.NewWeatherFeed(logger, weatherCfg)

	econCfg := feeds.DefaultEconomicFeedConfig()
	econCfg.APIKey = cfg.Feeds.FredAPIKey
	economic := feeds.NewEconomicFeed(logger, econCfg)

	// Strategy evaluators.
	composite := signals.NewGenerator(logger, signals.DefaultGeneratorConfig())
	registry := strategy.NewRegistry(logger)
	registry.Register(strategy.NewCryptoEvaluator(logger, strategy.DefaultCryptoConfig(), composite))
	registry.Register(strategy.NewBiasEvaluator(logger, strategy.DefaultBiasConfig()))
	registry.Register(strategy.NewSpreadEvaluator(logger, strategy.DefaultSpreadConfig()))
	registry.Register(strategy.NewVolumeEvaluator(logger, strategy.DefaultVolumeConfig()))
	registry.Register(strategy.NewArbitrageEvaluator(logger, strategy.DefaultArbitrageConfig()))
	registry.Register(strategy.NewWeatherEvaluator(logger, strategy.DefaultWeatherConfig()))
	registry.Register(strategy.NewEconomicEvaluator(logger, strategy.DefaultEconomicConfig()))
	logger.Info("Registered evaluators", zap.Int("count", len(registry.Enabled())))

	// Risk, execution and learning.
	gate := risk.NewGate(logger, gateConfig(cfg))
	sizer := risk.NewSizer(logger, sizerConfig(cfg))
	manager := execution.NewManager(logger, venue, managerConfig(cfg))
	tracker := learning.NewTracker(logger, learning.DefaultTrackerConfig())
	analyzer := learning.NewAnalyzer(logger)

	pool := workers.NewPool(logger, workers.DefaultConfig("engine"))
	pool.Start()
	bus := events.NewBus(logger, events.DefaultBusConfig())

	registryProm := prometheus.NewRegistry()
	recorder := metrics.New(registryProm)

	eng := engine.New(logger, engineConfig(cfg), engine.Deps{
		Venue:     venue,
		Store:     snapshots,
		Candles:   candles,
		Quality:   quality,
		Spot:      spot,
		Weather:   weather,
		Economic:  economic,
		Registry:  registry,
		Composite: composite,
		Gate:      gate,
		Sizer:     sizer,
		Manager:   manager,
		Tracker:   tracker,
		Pool:      pool,
		Bus:       bus,
		Metrics:   recorder,
	})
	if err := eng.Restore(ctx); err != nil {
		logger.Fatal("Failed to restore persisted state", zap.Error(err))
	}

	scheduler := engine.NewScheduler(logger, eng, cfg.Trading.ScanInterval)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	serverCfg := types.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	server := api.NewServer(logger, serverCfg, api.Deps{
		Engine:   eng,
		Manager:  manager,
		Gate:     gate,
		Tracker:  tracker,
		Analyzer: analyzer,
		Registry: registry,
		Candles:  candles,
		Bus:      bus,
		Metrics:  promhttp.HandlerFor(registryProm, promhttp.HandlerOpts{}),
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", serverCfg.Host, serverCfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", serverCfg.Host, serverCfg.Port, serverCfg.WebSocketPath)),
		zap.Duration("scanInterval", cfg.Trading.ScanInterval),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	scheduler.Stop()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			logger.Error("Error stopping candle stream", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	if err := pool.Stop(); err != nil {
		logger.Error("Error stopping worker pool", zap.Error(err))
	}
	bus.Stop()

	logger.Info("Engine stopped")
}

// buildStore opens the configured snapshot backend.
func buildStore(logger *zap.Logger, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedisStore(logger, store.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			TTL:      cfg.Store.TTL,
		}), nil
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewFileStore(logger, cfg.DataDir)
	}
}

func hasClass(classes []string, class types.MarketClass) bool {
	for _, c := range classes {
		if types.MarketClass(c) == class {
			return true
		}
	}
	return false
}

func engineConfig(cfg *config.Config) engine.Config {
	out := engine.DefaultConfig()
	out.Classes = out.Classes[:0]
	for _, c := range cfg.Trading.Classes {
		out.Classes = append(out.Classes, types.MarketClass(c))
	}
	out.Series = map[types.MarketClass][]string{
		types.MarketClassCrypto:    cfg.Trading.CryptoSeries,
		types.MarketClassWeather:   cfg.Trading.WeatherSeries,
		types.MarketClassEconomics: cfg.Trading.EconomicSeries,
	}
	out.Window = types.TradingWindow{
		StartHourUTC: cfg.Trading.StartHourUTC,
		EndHourUTC:   cfg.Trading.EndHourUTC,
	}
	out.MaxHoursToClose = cfg.Trading.MaxHoursToClose
	out.MinConfidence = cfg.Trading.MinConfidence
	out.MinExpectedValue = decimal.NewFromFloat(cfg.Trading.MinExpectedVal)
	return out
}

func gateConfig(cfg *config.Config) risk.GateConfig {
	out := risk.DefaultGateConfig()
	out.MinEdge = cfg.Risk.MinEdge
	out.MinVolume24H = cfg.Risk.MinVolume24H
	out.MaxConcurrent = cfg.Risk.MaxConcurrent
	out.MaxDailyLoss = decimal.NewFromFloat(cfg.Risk.MaxDailyLoss)
	return out
}

func sizerConfig(cfg *config.Config) risk.SizerConfig {
	return risk.SizerConfig{
		KellyFraction:  cfg.Risk.KellyFraction,
		MaxContracts:   cfg.Risk.MaxContracts,
		MaxTradeCost:   decimal.NewFromFloat(cfg.Risk.MaxTradeCost),
		MaxExposurePct: cfg.Risk.MaxExposurePct,
	}
}

func managerConfig(cfg *config.Config) execution.ManagerConfig {
	out := execution.DefaultManagerConfig()
	out.TakeProfitPct = cfg.Risk.TakeProfitPct
	out.StopLossPct = cfg.Risk.StopLossPct
	out.ExitHoursBefore = cfg.Risk.ExitHoursBefore
	out.Cooldown = cfg.Risk.Cooldown
	return out
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
