package feeds_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/feeds"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

func nycStation() types.WeatherStation {
	return types.WeatherStation{
		SeriesTicker: "KXHIGHNY",
		Station:      "KNYC",
		GridOffice:   "OKX",
		Latitude:     40.7128,
		Longitude:    -74.0060,
		City:         "New York",
	}
}

// nwsTestServer serves a canned observation (30°C), a daytime forecast
// high of 84°F and hourly temps peaking at 87°F.
func nwsTestServer(t *testing.T, requests *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var baseURL string

	mux.HandleFunc("/stations/KNYC/observations/latest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(requests, 1)
		fmt.Fprint(w, `{"properties":{"timestamp":"2025-06-16T13:51:00+00:00","temperature":{"unitCode":"wmoUnit:degC","value":30.0}}}`)
	})
	mux.HandleFunc("/points/40.7128,-74.0060", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(requests, 1)
		fmt.Fprintf(w, `{"properties":{"forecast":"%s/gridpoints/OKX/33,37/forecast","forecastHourly":"%s/gridpoints/OKX/33,37/forecast/hourly"}}`, baseURL, baseURL)
	})
	mux.HandleFunc("/gridpoints/OKX/33,37/forecast", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(requests, 1)
		fmt.Fprint(w, `{"properties":{"periods":[
			{"name":"Today","isDaytime":true,"temperature":84},
			{"name":"Tonight","isDaytime":false,"temperature":70}
		]}}`)
	})
	mux.HandleFunc("/gridpoints/OKX/33,37/forecast/hourly", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(requests, 1)
		fmt.Fprint(w, `{"properties":{"periods":[
			{"name":"","isDaytime":true,"temperature":82},
			{"name":"","isDaytime":true,"temperature":87},
			{"name":"","isDaytime":true,"temperature":85}
		]}}`)
	})

	srv := httptest.NewServer(mux)
	baseURL = srv.URL
	return srv
}

func weatherFeedFor(srv *httptest.Server) *feeds.WeatherFeed {
	cfg := feeds.DefaultWeatherFeedConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 2 * time.Second
	cfg.Stations = []types.WeatherStation{nycStation()}
	return feeds.NewWeatherFeed(zap.NewNop(), cfg)
}

func TestWeatherFeedTakesMaxOfSources(t *testing.T) {
	var requests int64
	srv := nwsTestServer(t, &requests)
	defer srv.Close()

	feed := weatherFeedFor(srv)
	estimates := feed.Estimates(context.Background())

	est, ok := estimates["KXHIGHNY"]
	if !ok {
		t.Fatal("Expected an estimate for KXHIGHNY")
	}
	// Hourly max 87 beats the 84 forecast and the 86.0°F observation.
	if est.Value != 87 {
		t.Errorf("Expected estimate 87, got %.1f", est.Value)
	}
	if est.Uncertainty != 0 {
		t.Errorf("Expected no feed-level uncertainty, got %.2f", est.Uncertainty)
	}
}

func TestWeatherFeedCachesWithinTTL(t *testing.T) {
	var requests int64
	srv := nwsTestServer(t, &requests)
	defer srv.Close()

	feed := weatherFeedFor(srv)
	feed.Estimates(context.Background())
	after := atomic.LoadInt64(&requests)

	feed.Estimates(context.Background())
	if got := atomic.LoadInt64(&requests); got != after {
		t.Errorf("Expected cached estimate, saw %d extra requests", got-after)
	}
}

func TestWeatherFeedSkipsFailingStation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	feed := weatherFeedFor(srv)
	estimates := feed.Estimates(context.Background())
	if len(estimates) != 0 {
		t.Errorf("Expected no estimates from a failing upstream, got %d", len(estimates))
	}
}
