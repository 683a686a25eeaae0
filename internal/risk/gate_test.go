package risk_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/risk"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

var gateNow = time.Date(2025, 6, 16, 14, 30, 0, 0, time.UTC)

func newGate() *risk.Gate {
	return risk.NewGate(zap.NewNop(), risk.DefaultGateConfig())
}

func gateMarket(ticker string, yesBid, yesAsk int64) types.Market {
	return types.Market{
		Ticker:    ticker,
		Class:     types.ClassifyTicker(ticker),
		Status:    types.MarketStatusActive,
		YesBid:    yesBid,
		YesAsk:    yesAsk,
		NoBid:     100 - yesAsk,
		NoAsk:     100 - yesBid,
		Volume24H: 1000,
		CloseTime: gateNow.Add(4 * time.Hour),
	}
}

func gateSignal(ticker string, prob, edge float64, priceCents int64) types.Signal {
	return types.Signal{
		ID:          "sig-" + ticker,
		Ticker:      ticker,
		Class:       types.ClassifyTicker(ticker),
		Side:        types.SideYes,
		Strategy:    "crypto_momentum",
		Price:       types.CentsToDollars(priceCents),
		Probability: prob,
		Edge:        edge,
		Confidence:  0.6,
		CreatedAt:   gateNow,
	}
}

func admitOne(t *testing.T, g *risk.Gate, sig types.Signal, m types.Market) risk.Decision {
	t.Helper()
	decisions := g.Admit(gateNow, sig.Class, []types.Signal{sig}, map[string]types.Market{m.Ticker: m}, 0)
	if len(decisions) != 1 {
		t.Fatalf("Expected 1 decision, got %d", len(decisions))
	}
	return decisions[0]
}

func TestGateProbabilityBandBoundary(t *testing.T) {
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)

	d := admitOne(t, newGate(), gateSignal(m.Ticker, 0.40, 0.05, 45), m)
	if !d.Admitted {
		t.Errorf("Expected probability 0.40 at the band edge to be admitted, rejected at %s: %s", d.Stage, d.Reason)
	}

	d = admitOne(t, newGate(), gateSignal(m.Ticker, 0.399999, 0.05, 45), m)
	if d.Admitted {
		t.Fatal("Expected probability 0.399999 to be rejected")
	}
	if d.Stage != risk.StageProbabilityBand {
		t.Errorf("Expected stage %s, got %s", risk.StageProbabilityBand, d.Stage)
	}

	d = admitOne(t, newGate(), gateSignal(m.Ticker, 0.50, 0.05, 45), m)
	if !d.Admitted {
		t.Errorf("Expected probability 0.50 at the band edge to be admitted, rejected at %s", d.Stage)
	}

	d = admitOne(t, newGate(), gateSignal(m.Ticker, 0.51, 0.05, 45), m)
	if d.Admitted || d.Stage != risk.StageProbabilityBand {
		t.Errorf("Expected probability 0.51 rejected at %s, got admitted=%v stage=%s", risk.StageProbabilityBand, d.Admitted, d.Stage)
	}
}

func TestGatePriceBand(t *testing.T) {
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)

	for _, cents := range []int64{9, 91} {
		d := admitOne(t, newGate(), gateSignal(m.Ticker, 0.45, 0.05, cents), m)
		if d.Admitted || d.Stage != risk.StagePriceBand {
			t.Errorf("Expected %d¢ rejected at %s, got admitted=%v stage=%s", cents, risk.StagePriceBand, d.Admitted, d.Stage)
		}
	}
	for _, cents := range []int64{10, 90} {
		d := admitOne(t, newGate(), gateSignal(m.Ticker, 0.45, 0.05, cents), m)
		if !d.Admitted {
			t.Errorf("Expected %d¢ at the band edge admitted, rejected at %s: %s", cents, d.Stage, d.Reason)
		}
	}
}

func TestGateMinEdge(t *testing.T) {
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)

	d := admitOne(t, newGate(), gateSignal(m.Ticker, 0.45, 0.02, 45), m)
	if d.Admitted || d.Stage != risk.StageMinEdge {
		t.Errorf("Expected |edge| 0.02 rejected at %s, got admitted=%v stage=%s", risk.StageMinEdge, d.Admitted, d.Stage)
	}

	// Negative edge of sufficient magnitude passes.
	d = admitOne(t, newGate(), gateSignal(m.Ticker, 0.45, -0.04, 45), m)
	if !d.Admitted {
		t.Errorf("Expected |edge| 0.04 admitted, rejected at %s: %s", d.Stage, d.Reason)
	}
}

func TestGateLiquidity(t *testing.T) {
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)
	m.Volume24H = 5

	d := admitOne(t, newGate(), gateSignal(m.Ticker, 0.45, 0.05, 45), m)
	if d.Admitted || d.Stage != risk.StageLiquidity {
		t.Errorf("Expected thin market rejected at %s, got admitted=%v stage=%s", risk.StageLiquidity, d.Admitted, d.Stage)
	}
}

func TestGateCooldown(t *testing.T) {
	g := newGate()
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)
	sig := gateSignal(m.Ticker, 0.45, 0.05, 45)
	markets := map[string]types.Market{m.Ticker: m}

	g.RecordEntry(sig.Class, []string{m.Ticker}, gateNow.Add(-30*time.Minute))

	decisions := g.Admit(gateNow, sig.Class, []types.Signal{sig}, markets, 0)
	if decisions[0].Admitted || decisions[0].Stage != risk.StageCooldown {
		t.Errorf("Expected re-entry after 30m rejected at %s, got admitted=%v stage=%s",
			risk.StageCooldown, decisions[0].Admitted, decisions[0].Stage)
	}

	// A different instrument is unaffected.
	other := gateMarket("KXBTCD-25JUN16-T112000", 44, 45)
	d := admitOne(t, g, gateSignal(other.Ticker, 0.45, 0.05, 45), other)
	if !d.Admitted {
		t.Errorf("Expected unrelated instrument admitted, rejected at %s: %s", d.Stage, d.Reason)
	}

	// Past the window the instrument trades again.
	later := gateNow.Add(45 * time.Minute)
	decisions = g.Admit(later, sig.Class, []types.Signal{sig}, markets, 0)
	if !decisions[0].Admitted {
		t.Errorf("Expected re-entry after cooldown admitted, rejected at %s: %s", decisions[0].Stage, decisions[0].Reason)
	}
}

func TestGateConcurrencyCap(t *testing.T) {
	g := newGate()
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)
	sig := gateSignal(m.Ticker, 0.45, 0.05, 45)

	decisions := g.Admit(gateNow, sig.Class, []types.Signal{sig}, map[string]types.Market{m.Ticker: m}, risk.DefaultGateConfig().MaxConcurrent)
	if decisions[0].Admitted || decisions[0].Stage != risk.StageConcurrency {
		t.Errorf("Expected full book rejected at %s, got admitted=%v stage=%s",
			risk.StageConcurrency, decisions[0].Admitted, decisions[0].Stage)
	}
}

func TestGateRateCaps(t *testing.T) {
	g := newGate()
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)
	sig := gateSignal(m.Ticker, 0.45, 0.05, 45)
	markets := map[string]types.Market{m.Ticker: m}

	// Fill the hourly allowance on other instruments.
	for i := 0; i < risk.DefaultGateConfig().MaxHourlyTrades; i++ {
		g.RecordEntry(sig.Class, []string{"KXBTCD-25JUN16-OTHER"}, gateNow.Add(-5*time.Minute))
	}

	decisions := g.Admit(gateNow, sig.Class, []types.Signal{sig}, markets, 0)
	if decisions[0].Admitted || decisions[0].Stage != risk.StageRateCap {
		t.Errorf("Expected hourly cap rejection at %s, got admitted=%v stage=%s",
			risk.StageRateCap, decisions[0].Admitted, decisions[0].Stage)
	}

	// The next hour clears the hourly counter.
	nextHour := gateNow.Add(time.Hour)
	decisions = g.Admit(nextHour, sig.Class, []types.Signal{sig}, markets, 0)
	if !decisions[0].Admitted {
		t.Errorf("Expected admission after hourly reset, rejected at %s: %s", decisions[0].Stage, decisions[0].Reason)
	}
}

func TestGateDailyLossCap(t *testing.T) {
	g := newGate()
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)
	sig := gateSignal(m.Ticker, 0.45, 0.05, 45)
	markets := map[string]types.Market{m.Ticker: m}

	g.RecordPnL(sig.Class, decimal.NewFromInt(-50), gateNow)

	decisions := g.Admit(gateNow, sig.Class, []types.Signal{sig}, markets, 0)
	if decisions[0].Admitted || decisions[0].Stage != risk.StageLossCap {
		t.Errorf("Expected loss cap rejection at %s, got admitted=%v stage=%s",
			risk.StageLossCap, decisions[0].Admitted, decisions[0].Stage)
	}
	if room := g.LossRoom(sig.Class, gateNow); !room.IsZero() {
		t.Errorf("Expected zero loss room at the cap, got %s", room)
	}

	// The next UTC day resets the breaker.
	nextDay := gateNow.Add(24 * time.Hour)
	decisions = g.Admit(nextDay, sig.Class, []types.Signal{sig}, markets, 0)
	if !decisions[0].Admitted {
		t.Errorf("Expected admission after daily reset, rejected at %s: %s", decisions[0].Stage, decisions[0].Reason)
	}
}

func TestGateRanksSurvivorsByEdge(t *testing.T) {
	g := newGate()
	markets := make(map[string]types.Market)
	var candidates []types.Signal
	for _, tc := range []struct {
		ticker string
		edge   float64
	}{
		{"KXBTCD-25JUN16-T110000", 0.04},
		{"KXBTCD-25JUN16-T111000", 0.09},
		{"KXBTCD-25JUN16-T112000", -0.06},
	} {
		m := gateMarket(tc.ticker, 44, 45)
		markets[tc.ticker] = m
		candidates = append(candidates, gateSignal(tc.ticker, 0.45, tc.edge, 45))
	}

	decisions := g.Admit(gateNow, types.MarketClassCrypto, candidates, markets, 0)

	// Default per-cycle allowance is 2: the 0.09 and |-0.06| signals win.
	byTicker := make(map[string]risk.Decision)
	for _, d := range decisions {
		byTicker[d.Signal.Ticker] = d
	}
	if !byTicker["KXBTCD-25JUN16-T111000"].Admitted {
		t.Error("Expected strongest edge admitted")
	}
	if !byTicker["KXBTCD-25JUN16-T112000"].Admitted {
		t.Error("Expected second strongest |edge| admitted")
	}
	weakest := byTicker["KXBTCD-25JUN16-T110000"]
	if weakest.Admitted || weakest.Stage != risk.StageCapacity {
		t.Errorf("Expected weakest edge cut at %s, got admitted=%v stage=%s", risk.StageCapacity, weakest.Admitted, weakest.Stage)
	}
}

func TestGateGroupSignalSkipsProbabilityBand(t *testing.T) {
	g := newGate()
	legs := []string{"KXBTCD-25JUN16-T110000", "KXBTCD-25JUN16-T111000", "KXBTCD-25JUN16-T112000"}
	markets := make(map[string]types.Market)
	for _, leg := range legs {
		markets[leg] = gateMarket(leg, 30, 31)
	}

	sig := types.Signal{
		ID:          "sig-group",
		Ticker:      "KXBTCD-25JUN16",
		Class:       types.MarketClassCrypto,
		Side:        types.SideYes,
		Strategy:    "arbitrage",
		Price:       decimal.NewFromFloat(0.93),
		Probability: 1,
		Edge:        0.07,
		Confidence:  1,
		GroupIDs:    legs,
		CreatedAt:   gateNow,
	}

	decisions := g.Admit(gateNow, types.MarketClassCrypto, []types.Signal{sig}, markets, 0)
	if !decisions[0].Admitted {
		t.Fatalf("Expected group signal admitted, rejected at %s: %s", decisions[0].Stage, decisions[0].Reason)
	}

	// With only two slots free the three-leg set cannot fit.
	decisions = g.Admit(gateNow, types.MarketClassCrypto, []types.Signal{sig}, markets, 3)
	if decisions[0].Admitted || decisions[0].Stage != risk.StageConcurrency {
		t.Errorf("Expected three-leg set rejected at %s with 3 slots used, got admitted=%v stage=%s",
			risk.StageConcurrency, decisions[0].Admitted, decisions[0].Stage)
	}

	// A leg priced outside the band sinks the whole set.
	markets[legs[1]] = gateMarket(legs[1], 93, 95)
	decisions = g.Admit(gateNow, types.MarketClassCrypto, []types.Signal{sig}, markets, 0)
	if decisions[0].Admitted || decisions[0].Stage != risk.StagePriceBand {
		t.Errorf("Expected out-of-band leg rejected at %s, got admitted=%v stage=%s",
			risk.StagePriceBand, decisions[0].Admitted, decisions[0].Stage)
	}
}

func TestGateConfigClampedToHardLimits(t *testing.T) {
	cfg := risk.DefaultGateConfig()
	cfg.ProbMin = 0.10
	cfg.ProbMax = 0.95
	cfg.PriceMinCents = 1
	cfg.PriceMaxCents = 99
	cfg.MaxConcurrent = 50
	cfg.MaxDailyTrades = 500

	clamped := cfg.Clamped()
	if clamped.ProbMin != risk.HardProbMin || clamped.ProbMax != risk.HardProbMax {
		t.Errorf("Expected probability band clamped to [%.2f, %.2f], got [%.2f, %.2f]",
			risk.HardProbMin, risk.HardProbMax, clamped.ProbMin, clamped.ProbMax)
	}
	if clamped.PriceMinCents != risk.HardPriceMinCents || clamped.PriceMaxCents != risk.HardPriceMaxCents {
		t.Errorf("Expected price band clamped to [%d, %d], got [%d, %d]",
			risk.HardPriceMinCents, risk.HardPriceMaxCents, clamped.PriceMinCents, clamped.PriceMaxCents)
	}
	if clamped.MaxConcurrent != risk.HardMaxConcurrent {
		t.Errorf("Expected concurrency cap clamped to %d, got %d", risk.HardMaxConcurrent, clamped.MaxConcurrent)
	}
	if clamped.MaxDailyTrades != risk.HardMaxDailyTrade {
		t.Errorf("Expected daily cap clamped to %d, got %d", risk.HardMaxDailyTrade, clamped.MaxDailyTrades)
	}

	// Narrowing is allowed.
	cfg = risk.DefaultGateConfig()
	cfg.ProbMin = 0.42
	cfg.MaxConcurrent = 2
	clamped = cfg.Clamped()
	if clamped.ProbMin != 0.42 {
		t.Errorf("Expected narrowed probMin 0.42 kept, got %.2f", clamped.ProbMin)
	}
	if clamped.MaxConcurrent != 2 {
		t.Errorf("Expected lowered concurrency cap 2 kept, got %d", clamped.MaxConcurrent)
	}
}

func TestGateBudgetPersistenceRoundTrip(t *testing.T) {
	g := newGate()
	g.RecordEntry(types.MarketClassWeather, []string{"KXHIGHNY-25JUN16-B52"}, gateNow)
	g.RecordPnL(types.MarketClassWeather, decimal.NewFromFloat(-12.50), gateNow)

	saved := g.Budget(types.MarketClassWeather, gateNow)
	if saved.DailyTrades != 1 {
		t.Errorf("Expected 1 daily trade, got %d", saved.DailyTrades)
	}
	if !saved.DailyPnL.Equal(decimal.NewFromFloat(-12.50)) {
		t.Errorf("Expected daily PnL -12.50, got %s", saved.DailyPnL)
	}

	restored := risk.NewGate(zap.NewNop(), risk.DefaultGateConfig())
	restored.RestoreBudget(types.MarketClassWeather, saved)
	got := restored.Budget(types.MarketClassWeather, gateNow)
	if got.DailyTrades != saved.DailyTrades || !got.DailyPnL.Equal(saved.DailyPnL) {
		t.Errorf("Expected restored budget to match: got trades=%d pnl=%s", got.DailyTrades, got.DailyPnL)
	}
	if _, ok := got.LastOrderAt["KXHIGHNY-25JUN16-B52"]; !ok {
		t.Error("Expected cooldown entry to survive the round trip")
	}
}

func TestGateDecisionHistory(t *testing.T) {
	g := newGate()
	m := gateMarket("KXBTCD-25JUN16-T110000", 44, 45)
	markets := map[string]types.Market{m.Ticker: m}

	g.Admit(gateNow, types.MarketClassCrypto, []types.Signal{gateSignal(m.Ticker, 0.45, 0.05, 45)}, markets, 0)
	g.Admit(gateNow.Add(time.Minute), types.MarketClassCrypto, []types.Signal{gateSignal(m.Ticker, 0.30, 0.05, 45)}, markets, 0)

	decisions := g.Decisions(10)
	if len(decisions) != 2 {
		t.Fatalf("Expected 2 recorded decisions, got %d", len(decisions))
	}
	if decisions[0].Admitted {
		t.Error("Expected newest decision first (the rejection)")
	}
	if decisions[0].Stage != risk.StageProbabilityBand {
		t.Errorf("Expected newest rejection at %s, got %s", risk.StageProbabilityBand, decisions[0].Stage)
	}
	if !decisions[1].Admitted {
		t.Error("Expected older decision to be the admission")
	}
}
