package exchange_test

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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/exchange"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

func testKeyPEM(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	return pemText, &key.PublicKey
}

func newTestClient(t *testing.T, srv *httptest.Server, keyPEM string) *exchange.Client {
	t.Helper()
	cfg := exchange.DefaultClientConfig()
	cfg.BaseURL = srv.URL + "/trade-api/v2"
	cfg.APIKey = "key-id"
	cfg.PrivateKeyPEM = keyPEM
	cfg.Timeout = 2 * time.Second
	client, err := exchange.NewClient(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestClientListOpenMarketsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade-api/v2/markets" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("series_ticker"); got != "KXBTCD" {
			t.Errorf("Expected series_ticker KXBTCD, got %s", got)
		}
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"markets":[{"ticker":"KXBTCD-25JUN16-T110000","event_ticker":"KXBTCD-25JUN16","status":"open","yes_bid":44,"yes_ask":46,"no_bid":54,"no_ask":56,"last_price":45,"volume_24h":1200,"close_time":"2025-06-16T18:00:00Z"}],"cursor":"page2"}`)
			return
		}
		fmt.Fprint(w, `{"markets":[{"ticker":"KXBTCD-25JUN16-T112000","event_ticker":"KXBTCD-25JUN16","status":"open","yes_bid":30,"yes_ask":32,"close_time":"2025-06-16T18:00:00Z"}],"cursor":""}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, "")
	markets, err := client.ListOpenMarkets(context.Background(), "KXBTCD")
	if err != nil {
		t.Fatalf("Failed to list markets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("Expected 2 markets across pages, got %d", len(markets))
	}

	first := markets[0]
	if first.Class != types.MarketClassCrypto {
		t.Errorf("Expected crypto class, got %s", first.Class)
	}
	if first.Status != types.MarketStatusActive {
		t.Errorf("Expected wire status open mapped to active, got %s", first.Status)
	}
	if first.YesAsk != 46 || first.Volume24H != 1200 {
		t.Errorf("Expected quote fields mapped, got ask=%d vol=%d", first.YesAsk, first.Volume24H)
	}
	if first.CloseTime.Hour() != 18 {
		t.Errorf("Expected close time parsed, got %s", first.CloseTime)
	}
}

func TestClientSignsAuthenticatedRequests(t *testing.T) {
	keyPEM, pub := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade-api/v2/portfolio/balance" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("KALSHI-ACCESS-KEY"); got != "key-id" {
			t.Errorf("Expected access key header, got %q", got)
		}
		ts := r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		if err != nil {
			t.Errorf("Failed to decode signature: %v", err)
		}
		digest := sha256.Sum256([]byte(ts + "GET" + "/trade-api/v2/portfolio/balance"))
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		}); err != nil {
			t.Errorf("Signature did not verify: %v", err)
		}
		fmt.Fprint(w, `{"balance":123456}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, keyPEM)
	balance, err := client.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	if balance.StringFixed(2) != "1234.56" {
		t.Errorf("Expected balance 1234.56, got %s", balance.StringFixed(2))
	}
}

func TestClientGetPositionsPaginatesAndSplitsSides(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade-api/v2/portfolio/positions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("KALSHI-ACCESS-KEY") == "" {
			t.Error("Expected positions request to be authenticated")
		}
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"market_positions":[{"ticker":"KXBTCD-25JUN16-T110000","event_ticker":"KXBTCD-25JUN16","position":60,"market_exposure":2460,"total_traded":2460}],"cursor":"page2"}`)
			return
		}
		fmt.Fprint(w, `{"market_positions":[{"ticker":"KXHIGHNY-25JUN16-B85","event_ticker":"KXHIGHNY-25JUN16","position":-25,"market_exposure":1000,"realized_pnl":-150,"resting_orders_count":1}],"cursor":""}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, keyPEM)
	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("Failed to get positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("Expected 2 positions across pages, got %d", len(positions))
	}

	long := positions[0]
	if long.YesContracts != 60 || long.NoContracts != 0 {
		t.Errorf("Expected 60 yes contracts, got yes=%d no=%d", long.YesContracts, long.NoContracts)
	}
	if long.Exposure.StringFixed(2) != "24.60" {
		t.Errorf("Expected exposure 24.60, got %s", long.Exposure.StringFixed(2))
	}

	short := positions[1]
	if short.YesContracts != 0 || short.NoContracts != 25 {
		t.Errorf("Expected 25 no contracts from a negative position, got yes=%d no=%d", short.YesContracts, short.NoContracts)
	}
	if short.RealizedPnL.StringFixed(2) != "-1.50" {
		t.Errorf("Expected realized pnl -1.50, got %s", short.RealizedPnL.StringFixed(2))
	}
	if short.RestingOrders != 1 {
		t.Errorf("Expected 1 resting order, got %d", short.RestingOrders)
	}
}

func TestClientPlaceOrderPayloadAndResult(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade-api/v2/portfolio/orders" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode order payload: %v", err)
		}
		if payload["ticker"] != "KXBTCD-25JUN16-T110000" || payload["side"] != "yes" || payload["action"] != "buy" {
			t.Errorf("Unexpected order fields: %+v", payload)
		}
		if payload["type"] != "limit" {
			t.Errorf("Expected limit order, got %v", payload["type"])
		}
		if payload["yes_price"] != float64(46) {
			t.Errorf("Expected yes_price 46, got %v", payload["yes_price"])
		}
		if payload["client_order_id"] != "cid-123" {
			t.Errorf("Expected client order id passed through, got %v", payload["client_order_id"])
		}
		fmt.Fprint(w, `{"order":{"order_id":"o-1","status":"executed","taker_fill_count":10,"taker_fill_cost":450}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, keyPEM)
	result, err := client.PlaceOrder(context.Background(), types.Order{
		ClientOrderID: "cid-123",
		Ticker:        "KXBTCD-25JUN16-T110000",
		Side:          types.SideYes,
		Action:        types.OrderActionBuy,
		Count:         10,
		LimitPrice:    46,
	})
	if err != nil {
		t.Fatalf("Failed to place order: %v", err)
	}
	if result.Status != types.OrderStatusExecuted {
		t.Errorf("Expected executed, got %s", result.Status)
	}
	if result.FilledCount != 10 {
		t.Errorf("Expected 10 filled, got %d", result.FilledCount)
	}
	if result.AvgPrice.StringFixed(2) != "0.45" {
		t.Errorf("Expected avg fill 0.45, got %s", result.AvgPrice.StringFixed(2))
	}
}

func TestClientPlaceOrderRequiresCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Expected no request without credentials")
	}))
	defer srv.Close()

	client := newTestClient(t, srv, "")
	_, err := client.PlaceOrder(context.Background(), types.Order{Ticker: "KXBTCD-25JUN16-T110000"})
	if err == nil {
		t.Fatal("Expected an error placing an order without credentials")
	}
}

func TestClientReadsRetryWritesDoNot(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)
	var reads, writes int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/trade-api/v2/markets/KXBTCD-25JUN16-T110000":
			if atomic.AddInt64(&reads, 1) == 1 {
				http.Error(w, "flaky", http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"market":{"ticker":"KXBTCD-25JUN16-T110000","status":"open","close_time":"2025-06-16T18:00:00Z"}}`)
		case "/trade-api/v2/portfolio/orders":
			atomic.AddInt64(&writes, 1)
			http.Error(w, "exchange hiccup", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv, keyPEM)

	if _, err := client.GetMarket(context.Background(), "KXBTCD-25JUN16-T110000"); err != nil {
		t.Fatalf("Expected read to retry past a 500, got %v", err)
	}
	if got := atomic.LoadInt64(&reads); got != 2 {
		t.Errorf("Expected 2 read attempts, got %d", got)
	}

	_, err := client.PlaceOrder(context.Background(), types.Order{
		ClientOrderID: "cid-1",
		Ticker:        "KXBTCD-25JUN16-T110000",
		Side:          types.SideYes,
		Action:        types.OrderActionBuy,
		Count:         1,
		LimitPrice:    46,
	})
	if err == nil {
		t.Fatal("Expected order placement to fail")
	}
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Errorf("Expected APIError 500, got %v", err)
	}
	if got := atomic.LoadInt64(&writes); got != 1 {
		t.Errorf("Expected exactly 1 write attempt, got %d", got)
	}
}
