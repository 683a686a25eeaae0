package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/api"
	"github.com/kestrel-markets/prediction-engine/internal/data"
	"github.com/kestrel-markets/prediction-engine/internal/engine"
	"github.com/kestrel-markets/prediction-engine/internal/events"
	"github.com/kestrel-markets/prediction-engine/internal/execution"
	"github.com/kestrel-markets/prediction-engine/internal/learning"
	"github.com/kestrel-markets/prediction-engine/internal/risk"
	"github.com/kestrel-markets/prediction-engine/internal/strategy"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// apiVenue satisfies the venue interface for a manager that never
// trades during these tests.
type apiVenue struct{}

func (apiVenue) Status(ctx context.Context) (types.ExchangeStatus, error) {
	return types.ExchangeStatus{ExchangeActive: true, TradingActive: true}, nil
}

func (apiVenue) ListOpenMarkets(ctx context.Context, seriesTicker string) ([]types.Market, error) {
	return nil, nil
}

func (apiVenue) GetMarket(ctx context.Context, ticker string) (types.Market, error) {
	return types.Market{}, fmt.Errorf("no market %s", ticker)
}

func (apiVenue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}

func (apiVenue) PlaceOrder(ctx context.Context, order types.Order) (types.OrderResult, error) {
	return types.OrderResult{}, fmt.Errorf("not trading")
}

type noopEvaluator struct{}

func (noopEvaluator) Name() string        { return "crypto_momentum" }
func (noopEvaluator) Description() string { return "test evaluator" }
func (noopEvaluator) Evaluate(ctx context.Context, input strategy.Input) []types.Signal {
	return nil
}

type apiHarness struct {
	server *api.Server
	ts     *httptest.Server
	gate   *risk.Gate
	bus    *events.Bus
	engine *engine.Engine
}

func setupTestServer(t *testing.T) *apiHarness {
	t.Helper()
	logger := zap.NewNop()

	bus := events.NewBus(logger, events.DefaultBusConfig())
	t.Cleanup(func() {
		bus.Stop()
	})

	registry := strategy.NewRegistry(logger)
	registry.Register(noopEvaluator{})

	candles := data.NewStore(logger, data.DefaultStoreConfig())
	start := time.Date(2025, 6, 16, 13, 0, 0, 0, time.UTC)
	bars := make([]types.Candle, 10)
	for i := range bars {
		bars[i] = types.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 10,
		}
	}
	candles.Append("BTCUSDT", bars)

	gate := risk.NewGate(logger, risk.DefaultGateConfig())
	eng := engine.New(logger, engine.DefaultConfig(), engine.Deps{})

	server := api.NewServer(logger, types.DefaultServerConfig(), api.Deps{
		Engine:   eng,
		Manager:  execution.NewManager(logger, apiVenue{}, execution.DefaultManagerConfig()),
		Gate:     gate,
		Tracker:  learning.NewTracker(logger, learning.DefaultTrackerConfig()),
		Analyzer: learning.NewAnalyzer(logger),
		Registry: registry,
		Candles:  candles,
		Bus:      bus,
	})
	t.Cleanup(func() {
		if err := server.Stop(context.Background()); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &apiHarness{server: server, ts: ts, gate: gate, bus: bus, engine: eng}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Failed to GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response from %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	h := setupTestServer(t)

	var result map[string]any
	resp := getJSON(t, h.ts.URL+"/api/v1/health", &result)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if result["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", result["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := setupTestServer(t)

	var result map[string]any
	resp := getJSON(t, h.ts.URL+"/api/v1/status", &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if result["paused"] != false {
		t.Errorf("Expected paused false, got %v", result["paused"])
	}
	if result["openPositions"] != float64(0) {
		t.Errorf("Expected 0 open positions, got %v", result["openPositions"])
	}
}

func TestPauseAndResume(t *testing.T) {
	h := setupTestServer(t)

	resp, err := http.Post(h.ts.URL+"/api/v1/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	resp.Body.Close()
	if !h.engine.Paused() {
		t.Error("Expected engine paused after POST /pause")
	}

	resp, err = http.Post(h.ts.URL+"/api/v1/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	resp.Body.Close()
	if h.engine.Paused() {
		t.Error("Expected engine resumed after POST /resume")
	}
}

func TestRiskConfigRoundTrip(t *testing.T) {
	h := setupTestServer(t)

	var current risk.GateConfig
	getJSON(t, h.ts.URL+"/api/v1/risk", &current)
	if current.MinEdge != 0.03 {
		t.Fatalf("Expected default min edge 0.03, got %v", current.MinEdge)
	}

	current.MinEdge = 0.05
	body, err := json.Marshal(current)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/v1/risk", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to PUT risk config: %v", err)
	}
	defer resp.Body.Close()

	var updated risk.GateConfig
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("Failed to decode updated config: %v", err)
	}
	if updated.MinEdge != 0.05 {
		t.Errorf("Expected updated min edge 0.05, got %v", updated.MinEdge)
	}
	if h.gate.Config().MinEdge != 0.05 {
		t.Errorf("Expected gate to carry the new min edge, got %v", h.gate.Config().MinEdge)
	}
}

func TestStrategyToggle(t *testing.T) {
	h := setupTestServer(t)

	var list map[string]bool
	getJSON(t, h.ts.URL+"/api/v1/strategies", &list)
	if enabled, ok := list["crypto_momentum"]; !ok || !enabled {
		t.Fatalf("Expected crypto_momentum enabled, got %v", list)
	}

	body := bytes.NewReader([]byte(`{"enabled":false}`))
	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/v1/strategies/crypto_momentum", body)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to toggle strategy: %v", err)
	}
	defer resp.Body.Close()

	var updated map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if updated["crypto_momentum"] {
		t.Error("Expected crypto_momentum disabled after toggle")
	}
}

func TestStrategyToggleUnknownName(t *testing.T) {
	h := setupTestServer(t)

	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/v1/strategies/nope", bytes.NewReader([]byte(`{"enabled":false}`)))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown strategy, got %d", resp.StatusCode)
	}
}

func TestCandlesEndpoint(t *testing.T) {
	h := setupTestServer(t)

	var result map[string]any
	getJSON(t, h.ts.URL+"/api/v1/candles/BTCUSDT?limit=5", &result)
	if result["count"] != float64(5) {
		t.Errorf("Expected 5 candles with limit, got %v", result["count"])
	}
	if result["symbol"] != "BTCUSDT" {
		t.Errorf("Expected BTCUSDT, got %v", result["symbol"])
	}
}

func TestPerformanceEndpoint(t *testing.T) {
	h := setupTestServer(t)

	var report learning.Report
	resp := getJSON(t, h.ts.URL+"/api/v1/performance", &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if report.Period != "all" {
		t.Errorf("Expected default period all, got %q", report.Period)
	}
	if report.TotalTrades != 0 {
		t.Errorf("Expected no trades, got %d", report.TotalTrades)
	}
}

func TestDecisionsEndpoint(t *testing.T) {
	h := setupTestServer(t)

	var result map[string]any
	getJSON(t, h.ts.URL+"/api/v1/decisions?limit=10", &result)
	if result["count"] != float64(0) {
		t.Errorf("Expected no decisions yet, got %v", result["count"])
	}
}

func TestSignalsEndpoint(t *testing.T) {
	h := setupTestServer(t)

	var result map[string]any
	resp := getJSON(t, h.ts.URL+"/api/v1/signals?limit=10", &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if result["count"] != float64(0) {
		t.Errorf("Expected no signals yet, got %v", result["count"])
	}
}

func TestConfigEndpoint(t *testing.T) {
	h := setupTestServer(t)

	var cfg engine.Config
	resp := getJSON(t, h.ts.URL+"/api/v1/config", &cfg)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if len(cfg.Classes) != 3 {
		t.Errorf("Expected 3 configured classes, got %d", len(cfg.Classes))
	}
	if cfg.MinConfidence != 0.55 {
		t.Errorf("Expected default min confidence 0.55, got %v", cfg.MinConfidence)
	}
}

func TestWebSocketReceivesSubscribedEvents(t *testing.T) {
	h := setupTestServer(t)

	wsAddr := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsAddr, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	sub := api.WSMessage{Type: api.MsgTypeSubscribe, Channel: string(events.TypeTrade)}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	rec := types.TradeRecord{
		ID:     "trade-1",
		Ticker: "KXBTCD-25JUN16-T110000",
		Class:  types.MarketClassCrypto,
		PnL:    decimal.NewFromFloat(12.5),
	}

	// The subscribe message is handled asynchronously, so emit until a
	// frame comes back. A gorilla connection cannot be read again after a
	// read deadline expires, so the re-emission runs beside a single
	// blocking read with the overall deadline.
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			h.bus.Emit(events.TypeTrade, rec)
			select {
			case <-stop:
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
	}()

	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal("No event arrived on the websocket")
		}
		if msg.Type == api.MsgTypeHeartbeat {
			continue
		}
		if msg.Type != api.MsgTypeEvent || msg.Channel != string(events.TypeTrade) {
			t.Fatalf("Expected trade event, got %+v", msg)
		}
		var got types.TradeRecord
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("Failed to decode event payload: %v", err)
		}
		if got.ID != "trade-1" {
			t.Errorf("Expected trade-1, got %s", got.ID)
		}
		return
	}
}

func TestWebSocketIgnoresOtherChannels(t *testing.T) {
	h := setupTestServer(t)

	wsAddr := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsAddr, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	sub := api.WSMessage{Type: api.MsgTypeSubscribe, Channel: string(events.TypeCycle)}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.bus.Emit(events.TypeTrade, types.TradeRecord{ID: "trade-2"})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg api.WSMessage
	err = conn.ReadJSON(&msg)
	if err == nil && msg.Type == api.MsgTypeEvent {
		t.Errorf("Expected no event for unsubscribed channel, got %+v", msg)
	}
}
