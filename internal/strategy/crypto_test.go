package strategy_test

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-markets/prediction-engine/internal/signals"
	"github.com/kestrel-markets/prediction-engine/internal/strategy"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"go.uber.org/zap"
)

func newCryptoEvaluator() *strategy.CryptoEvaluator {
	gen := signals.NewGenerator(zap.NewNop(), signals.DefaultGeneratorConfig())
	return strategy.NewCryptoEvaluator(zap.NewNop(), strategy.DefaultCryptoConfig(), gen)
}

// trendingCandles compounds pctPerBar over the given number of bars,
// ending at testNow.
func trendingCandles(base, pctPerBar float64, bars int) []types.Candle {
	candles := make([]types.Candle, bars)
	price := base
	for i := range candles {
		price *= 1 + pctPerBar/100
		candles[i] = types.Candle{
			Timestamp: testNow.Add(time.Duration(i-bars) * time.Minute),
			Open:      price * 0.999,
			High:      price * 1.001,
			Low:       price * 0.998,
			Close:     price,
			Volume:    100,
		}
	}
	return candles
}

func cryptoMarket(yesBid, yesAsk int64) types.Market {
	m := activeMarket("KXBTCD-25JUN16-T110000", yesBid, yesAsk)
	m.EventTicker = "KXBTCD-25JUN16H15"
	m.CloseTime = testNow.Add(1 * time.Hour)
	return m
}

func TestCryptoEmitsUptrendSignal(t *testing.T) {
	e := newCryptoEvaluator()
	input := strategy.Input{
		Now:     testNow,
		Markets: []types.Market{cryptoMarket(40, 42)},
		Candles: map[string][]types.Candle{
			"BTCUSDT": trendingCandles(50000, 1.2, 40),
		},
	}

	sigs := e.Evaluate(context.Background(), input)
	if len(sigs) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(sigs))
	}

	sig := sigs[0]
	if sig.Side != types.SideYes {
		t.Errorf("Expected yes side on an uptrend priced at 41 cents, got %s", sig.Side)
	}
	if sig.Edge <= 0 {
		t.Errorf("Expected positive edge, got %.4f", sig.Edge)
	}
	if sig.Probability <= 0.5 || sig.Probability >= 0.99 {
		t.Errorf("Expected probability in (0.5, 0.99), got %.4f", sig.Probability)
	}
	if sig.Strategy != "crypto_momentum" {
		t.Errorf("Expected crypto_momentum strategy, got %s", sig.Strategy)
	}
	if len(sig.Indicators) != 6 {
		t.Errorf("Expected a full 6-indicator snapshot, got %d entries", len(sig.Indicators))
	}
}

func TestCryptoHonorsMinScoreFloor(t *testing.T) {
	e := newCryptoEvaluator()
	input := strategy.Input{
		Now:     testNow,
		Markets: []types.Market{cryptoMarket(40, 42)},
		Candles: map[string][]types.Candle{
			"BTCUSDT": trendingCandles(50000, 1.2, 40),
		},
		MinScore: 0.9,
	}

	if sigs := e.Evaluate(context.Background(), input); len(sigs) != 0 {
		t.Errorf("Expected no signals under a raised score floor, got %d", len(sigs))
	}
}

func TestCryptoSkipsWithoutCandles(t *testing.T) {
	e := newCryptoEvaluator()
	input := strategy.Input{
		Now:     testNow,
		Markets: []types.Market{cryptoMarket(40, 42)},
	}

	if sigs := e.Evaluate(context.Background(), input); len(sigs) != 0 {
		t.Errorf("Expected no signals without candles, got %d", len(sigs))
	}
}

func TestCryptoFadesOverpricedUptrend(t *testing.T) {
	e := newCryptoEvaluator()
	// The composite reads up, but a 71-cent market prices the move harder
	// than the model does, so the edge points the other way.
	m := cryptoMarket(70, 72)
	m.NoBid = 28
	m.NoAsk = 30
	input := strategy.Input{
		Now:     testNow,
		Markets: []types.Market{m},
		Candles: map[string][]types.Candle{
			"BTCUSDT": trendingCandles(50000, 1.2, 40),
		},
	}

	sigs := e.Evaluate(context.Background(), input)
	if len(sigs) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(sigs))
	}
	if sigs[0].Side != types.SideNo {
		t.Errorf("Expected no side when the market overprices the trend, got %s", sigs[0].Side)
	}
	if sigs[0].Edge >= 0 {
		t.Errorf("Expected negative edge, got %.4f", sigs[0].Edge)
	}
}
