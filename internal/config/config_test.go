package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-markets/prediction-engine/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	if cfg.Environment != "demo" || !cfg.DryRun {
		t.Errorf("Expected demo dry-run defaults, got env=%s dryRun=%v", cfg.Environment, cfg.DryRun)
	}
	if cfg.BaseURL() != config.DemoBaseURL {
		t.Errorf("Expected demo base URL, got %s", cfg.BaseURL())
	}
	if cfg.Trading.ScanInterval != 60*time.Second {
		t.Errorf("Expected 60s scan interval, got %s", cfg.Trading.ScanInterval)
	}
	if cfg.Trading.StartHourUTC != 10 || cfg.Trading.EndHourUTC != 23 {
		t.Errorf("Expected 10-23 trading window, got %d-%d", cfg.Trading.StartHourUTC, cfg.Trading.EndHourUTC)
	}
	if len(cfg.Trading.WeatherSeries) != 4 {
		t.Errorf("Expected 4 weather series, got %v", cfg.Trading.WeatherSeries)
	}
	if cfg.Risk.MaxDailyLoss != 50.0 || cfg.Risk.KellyFraction != 0.5 {
		t.Errorf("Expected stock risk defaults, got %+v", cfg.Risk)
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("Expected file store default, got %s", cfg.Store.Backend)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_ENVIRONMENT", "prod")
	t.Setenv("ENGINE_VENUE_API_KEY", "key-id")
	t.Setenv("ENGINE_VENUE_PRIVATE_KEY_PATH", "/etc/engine/key.pem")
	t.Setenv("ENGINE_DRY_RUN", "false")
	t.Setenv("ENGINE_TRADING_SCAN_INTERVAL", "30s")
	t.Setenv("ENGINE_RISK_MAX_DAILY_LOSS", "25.5")
	t.Setenv("ENGINE_STORE_BACKEND", "redis")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load config from env: %v", err)
	}

	if cfg.Environment != "prod" || cfg.DryRun {
		t.Errorf("Expected live prod config, got env=%s dryRun=%v", cfg.Environment, cfg.DryRun)
	}
	if cfg.BaseURL() != config.ProdBaseURL {
		t.Errorf("Expected prod base URL, got %s", cfg.BaseURL())
	}
	if cfg.Trading.ScanInterval != 30*time.Second {
		t.Errorf("Expected 30s scan interval, got %s", cfg.Trading.ScanInterval)
	}
	if cfg.Risk.MaxDailyLoss != 25.5 {
		t.Errorf("Expected 25.5 daily loss cap, got %v", cfg.Risk.MaxDailyLoss)
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("Expected redis backend, got %s", cfg.Store.Backend)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := `
environment: demo
log_level: debug
trading:
  classes: [weather]
  start_hour_utc: 12
  end_hour_utc: 20
risk:
  max_concurrent: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load config file: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected debug log level, got %s", cfg.LogLevel)
	}
	if len(cfg.Trading.Classes) != 1 || cfg.Trading.Classes[0] != "weather" {
		t.Errorf("Expected weather-only classes, got %v", cfg.Trading.Classes)
	}
	if cfg.Trading.StartHourUTC != 12 || cfg.Trading.EndHourUTC != 20 {
		t.Errorf("Expected 12-20 window, got %d-%d", cfg.Trading.StartHourUTC, cfg.Trading.EndHourUTC)
	}
	if cfg.Risk.MaxConcurrent != 3 {
		t.Errorf("Expected max concurrent 3, got %d", cfg.Risk.MaxConcurrent)
	}
	// Untouched keys keep their defaults.
	if cfg.Trading.ScanInterval != 60*time.Second {
		t.Errorf("Expected default scan interval, got %s", cfg.Trading.ScanInterval)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unknown environment",
			env:  map[string]string{"ENGINE_ENVIRONMENT": "staging"},
			want: "invalid config",
		},
		{
			name: "live mode without credentials",
			env:  map[string]string{"ENGINE_DRY_RUN": "false"},
			want: "live trading requires",
		},
		{
			name: "bad trading class",
			env:  map[string]string{"ENGINE_TRADING_CLASSES": "sports"},
			want: "invalid config",
		},
		{
			name: "scan interval too short",
			env:  map[string]string{"ENGINE_TRADING_SCAN_INTERVAL": "1s"},
			want: "invalid config",
		},
		{
			name: "kelly fraction above one",
			env:  map[string]string{"ENGINE_RISK_KELLY_FRACTION": "1.5"},
			want: "invalid config",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEmptyTradingWindowRejected(t *testing.T) {
	t.Setenv("ENGINE_TRADING_START_HOUR_UTC", "10")
	t.Setenv("ENGINE_TRADING_END_HOUR_UTC", "10")
	_, err := config.Load("")
	if err == nil || !strings.Contains(err.Error(), "trading window") {
		t.Errorf("Expected empty-window error, got %v", err)
	}
}
