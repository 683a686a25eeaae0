package replay_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/internal/replay"
	"github.com/kestrel-markets/prediction-engine/internal/risk"
	"github.com/kestrel-markets/prediction-engine/internal/strategy"
	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

var replayNow = time.Date(2025, 6, 16, 14, 0, 0, 0, time.UTC)

const replayTicker = "KXBTCD-25JUN16-T110000"

// scriptedEvaluator returns pre-built signals keyed by snapshot time, so
// a test controls exactly what each replayed cycle sees.
type scriptedEvaluator struct {
	mu      sync.Mutex
	signals map[time.Time][]types.Signal
	started chan struct{}
	block   chan struct{}
}

func (s *scriptedEvaluator) Name() string        { return "scripted_edge" }
func (s *scriptedEvaluator) Description() string { return "Returns scripted signals per snapshot" }

func (s *scriptedEvaluator) Evaluate(ctx context.Context, input strategy.Input) []types.Signal {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[input.Now]
}

func newHarness(t *testing.T, config replay.Config, evaluators ...strategy.Evaluator) *replay.Harness {
	t.Helper()
	logger := zap.NewNop()
	registry := strategy.NewRegistry(logger)
	for _, e := range evaluators {
		registry.Register(e)
	}
	return replay.New(logger, config, registry)
}

func replayMarket(ticker string, yesBid, yesAsk int64, closeAt time.Time) types.Market {
	return types.Market{
		Ticker:      ticker,
		EventTicker: "KXBTCD-25JUN16",
		Class:       types.MarketClassCrypto,
		Title:       "BTC above 110000",
		YesBid:      yesBid,
		YesAsk:      yesAsk,
		NoBid:       100 - yesAsk,
		NoAsk:       100 - yesBid,
		Volume24H:   1000,
		Status:      types.MarketStatusActive,
		CloseTime:   closeAt,
	}
}

func settledMarket(ticker string, result types.Side, closeAt time.Time) types.Market {
	m := replayMarket(ticker, 0, 0, closeAt)
	m.Status = types.MarketStatusSettled
	m.Result = result
	return m
}

func replaySignal(ticker string, priceCents int64, at time.Time) types.Signal {
	return types.Signal{
		ID:            "sig-" + ticker,
		Ticker:        ticker,
		Class:         types.MarketClassCrypto,
		Side:          types.SideYes,
		Strategy:      "scripted_edge",
		Price:         types.CentsToDollars(priceCents),
		Probability:   0.45,
		Edge:          0.03,
		Confidence:    0.70,
		ExpectedValue: decimal.NewFromFloat(0.08),
		CreatedAt:     at,
	}
}

// entryThenSettlement is the canonical two-cycle scenario: a marketable
// signal fills 59 contracts at 42¢ in the first cycle and the market
// settles yes in the second.
func entryThenSettlement() (*scriptedEvaluator, []replay.Snapshot) {
	closeAt := replayNow.Add(4 * time.Hour)
	later := replayNow.Add(time.Hour)
	ev := &scriptedEvaluator{signals: map[time.Time][]types.Signal{
		replayNow: {replaySignal(replayTicker, 42, replayNow)},
	}}
	snaps := []replay.Snapshot{
		{At: replayNow, Markets: []types.Market{replayMarket(replayTicker, 40, 42, closeAt)}},
		{At: later, Markets: []types.Market{settledMarket(replayTicker, types.SideYes, closeAt)}},
	}
	return ev, snaps
}

func TestReplaySettlementWin(t *testing.T) {
	ev, snaps := entryThenSettlement()
	h := newHarness(t, replay.DefaultConfig(), ev)

	res, err := h.Run(context.Background(), snaps)
	if err != nil {
		t.Fatalf("Failed to run replay: %v", err)
	}

	if res.Cycles != 2 || res.Signals != 1 || res.Admitted != 1 || res.Entered != 1 {
		t.Errorf("Expected 2 cycles with 1/1/1 signal flow, got %d cycles %d/%d/%d",
			res.Cycles, res.Signals, res.Admitted, res.Entered)
	}
	if res.OpenAtEnd != 0 {
		t.Errorf("Expected no open positions after settlement, got %d", res.OpenAtEnd)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 closed trade, got %d", len(res.Trades))
	}

	rec := res.Trades[0]
	if rec.ExitReason != types.ExitSettlement {
		t.Errorf("Expected exit reason %s, got %s", types.ExitSettlement, rec.ExitReason)
	}
	if rec.Outcome != types.OutcomeWin {
		t.Errorf("Expected outcome %s, got %s", types.OutcomeWin, rec.Outcome)
	}
	if rec.Contracts != 59 {
		t.Errorf("Expected 59 contracts at 42¢ under the $25 cost cap, got %d", rec.Contracts)
	}
	if want := decimal.RequireFromString("34.22"); !rec.PnL.Equal(want) {
		t.Errorf("Expected PnL %s, got %s", want, rec.PnL)
	}
	if want := decimal.RequireFromString("1034.22"); !res.EndBalance.Equal(want) {
		t.Errorf("Expected end balance %s, got %s", want, res.EndBalance)
	}

	if res.Report.TotalTrades != 1 || res.Report.Wins != 1 {
		t.Errorf("Expected report with 1 win, got %d trades %d wins",
			res.Report.TotalTrades, res.Report.Wins)
	}
	if res.Report.WinRate != 1 {
		t.Errorf("Expected win rate 1.0, got %f", res.Report.WinRate)
	}
	if want := decimal.RequireFromString("34.22"); !res.Report.TotalPnL.Equal(want) {
		t.Errorf("Expected report PnL %s, got %s", want, res.Report.TotalPnL)
	}
	byStrategy, ok := res.Report.ByStrategy["scripted_edge"]
	if !ok || byStrategy.Trades != 1 {
		t.Errorf("Expected strategy breakdown with 1 trade, got %+v", byStrategy)
	}

	if len(res.Decisions) != 1 || !res.Decisions[0].Admitted {
		t.Errorf("Expected 1 admitted decision on record, got %+v", res.Decisions)
	}
}

func TestReplayEquityCurveTracksBook(t *testing.T) {
	ev, snaps := entryThenSettlement()
	h := newHarness(t, replay.DefaultConfig(), ev)

	res, err := h.Run(context.Background(), snaps)
	if err != nil {
		t.Fatalf("Failed to run replay: %v", err)
	}
	if len(res.EquityCurve) != 2 {
		t.Fatalf("Expected 2 equity points, got %d", len(res.EquityCurve))
	}

	open := res.EquityCurve[0]
	if want := decimal.RequireFromString("975.22"); !open.Cash.Equal(want) {
		t.Errorf("Expected cash %s after 59 contracts at 42¢, got %s", want, open.Cash)
	}
	if want := decimal.RequireFromString("24.78"); !open.Exposure.Equal(want) {
		t.Errorf("Expected exposure %s, got %s", want, open.Exposure)
	}
	if want := decimal.NewFromInt(1000); !open.Equity.Equal(want) {
		t.Errorf("Expected equity unchanged at %s right after entry, got %s", want, open.Equity)
	}

	final := res.EquityCurve[1]
	if !final.Exposure.IsZero() {
		t.Errorf("Expected no exposure after settlement, got %s", final.Exposure)
	}
	if want := decimal.RequireFromString("1034.22"); !final.Equity.Equal(want) {
		t.Errorf("Expected final equity %s, got %s", want, final.Equity)
	}
}

func TestReplayStopLossExit(t *testing.T) {
	closeAt := replayNow.Add(4 * time.Hour)
	later := replayNow.Add(time.Hour)
	ev := &scriptedEvaluator{signals: map[time.Time][]types.Signal{
		replayNow: {replaySignal(replayTicker, 42, replayNow)},
	}}
	h := newHarness(t, replay.DefaultConfig(), ev)

	res, err := h.Run(context.Background(), []replay.Snapshot{
		{At: replayNow, Markets: []types.Market{replayMarket(replayTicker, 40, 42, closeAt)}},
		{At: later, Markets: []types.Market{replayMarket(replayTicker, 30, 32, closeAt)}},
	})
	if err != nil {
		t.Fatalf("Failed to run replay: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("Expected 1 closed trade, got %d", len(res.Trades))
	}
	rec := res.Trades[0]
	if rec.ExitReason != types.ExitStopLoss {
		t.Errorf("Expected exit reason %s, got %s", types.ExitStopLoss, rec.ExitReason)
	}
	if rec.Outcome != types.OutcomeLoss {
		t.Errorf("Expected outcome %s, got %s", types.OutcomeLoss, rec.Outcome)
	}
	if want := decimal.RequireFromString("-7.08"); !rec.PnL.Equal(want) {
		t.Errorf("Expected PnL %s selling 59 contracts at the 30¢ bid, got %s", want, rec.PnL)
	}
	if want := decimal.RequireFromString("992.92"); !res.EndBalance.Equal(want) {
		t.Errorf("Expected end balance %s, got %s", want, res.EndBalance)
	}
	if res.Report.Losses != 1 || res.Report.WinRate != 0 {
		t.Errorf("Expected 1 loss and zero win rate, got %d losses rate %f",
			res.Report.Losses, res.Report.WinRate)
	}
	group, ok := res.Report.ByExitReason[types.ExitStopLoss]
	if !ok || group.Trades != 1 {
		t.Errorf("Expected stop loss breakdown with 1 trade, got %+v", group)
	}
}

func TestReplayUnmarketableEntryAbandoned(t *testing.T) {
	closeAt := replayNow.Add(4 * time.Hour)
	ev := &scriptedEvaluator{signals: map[time.Time][]types.Signal{
		replayNow: {replaySignal(replayTicker, 41, replayNow)},
	}}
	h := newHarness(t, replay.DefaultConfig(), ev)

	res, err := h.Run(context.Background(), []replay.Snapshot{
		{At: replayNow, Markets: []types.Market{replayMarket(replayTicker, 40, 42, closeAt)}},
	})
	if err != nil {
		t.Fatalf("Failed to run replay: %v", err)
	}

	if res.Admitted != 1 {
		t.Fatalf("Expected the signal to clear the gate, got %d admitted", res.Admitted)
	}
	if res.Entered != 0 || res.OpenAtEnd != 0 {
		t.Errorf("Expected a 41¢ limit against a 42¢ ask to rest and be abandoned, got %d entered %d open",
			res.Entered, res.OpenAtEnd)
	}
	if want := decimal.NewFromInt(1000); !res.EndBalance.Equal(want) {
		t.Errorf("Expected untouched balance %s, got %s", want, res.EndBalance)
	}
}

func TestReplayPerCycleCapLimitsEntries(t *testing.T) {
	closeAt := replayNow.Add(4 * time.Hour)
	tickers := []string{
		"KXBTCD-25JUN16-T110000",
		"KXBTCD-25JUN16-T112000",
		"KXBTCD-25JUN16-T114000",
	}
	markets := make([]types.Market, 0, len(tickers))
	sigs := make([]types.Signal, 0, len(tickers))
	for _, ticker := range tickers {
		markets = append(markets, replayMarket(ticker, 40, 42, closeAt))
		sigs = append(sigs, replaySignal(ticker, 42, replayNow))
	}
	ev := &scriptedEvaluator{signals: map[time.Time][]types.Signal{replayNow: sigs}}
	h := newHarness(t, replay.DefaultConfig(), ev)

	res, err := h.Run(context.Background(), []replay.Snapshot{
		{At: replayNow, Markets: markets},
	})
	if err != nil {
		t.Fatalf("Failed to run replay: %v", err)
	}

	if res.Signals != 3 || res.Admitted != 2 || res.Entered != 2 {
		t.Errorf("Expected 3 signals capped to 2 entries per cycle, got %d/%d/%d",
			res.Signals, res.Admitted, res.Entered)
	}
	if res.OpenAtEnd != 2 {
		t.Errorf("Expected 2 open positions, got %d", res.OpenAtEnd)
	}

	capacity := 0
	for _, dec := range res.Decisions {
		if dec.Stage == risk.StageCapacity {
			capacity++
		}
	}
	if capacity != 1 {
		t.Errorf("Expected 1 capacity rejection, got %d", capacity)
	}
}

func TestReplayDeterministicAcrossRuns(t *testing.T) {
	ev, snaps := entryThenSettlement()
	h := newHarness(t, replay.DefaultConfig(), ev)

	first, err := h.Run(context.Background(), snaps)
	if err != nil {
		t.Fatalf("Failed to run first replay: %v", err)
	}
	second, err := h.Run(context.Background(), snaps)
	if err != nil {
		t.Fatalf("Failed to run second replay: %v", err)
	}

	if first.Signals != second.Signals || first.Admitted != second.Admitted || first.Entered != second.Entered {
		t.Errorf("Expected identical signal flow, got %d/%d/%d then %d/%d/%d",
			first.Signals, first.Admitted, first.Entered,
			second.Signals, second.Admitted, second.Entered)
	}
	if len(first.Trades) != len(second.Trades) {
		t.Errorf("Expected identical trade counts, got %d then %d", len(first.Trades), len(second.Trades))
	}
	if !first.EndBalance.Equal(second.EndBalance) {
		t.Errorf("Expected identical end balance, got %s then %s", first.EndBalance, second.EndBalance)
	}
	if !first.Report.TotalPnL.Equal(second.Report.TotalPnL) {
		t.Errorf("Expected identical PnL, got %s then %s", first.Report.TotalPnL, second.Report.TotalPnL)
	}
}

func TestReplayRejectsConcurrentRuns(t *testing.T) {
	closeAt := replayNow.Add(4 * time.Hour)
	ev := &scriptedEvaluator{
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	h := newHarness(t, replay.DefaultConfig(), ev)
	snaps := []replay.Snapshot{
		{At: replayNow, Markets: []types.Market{replayMarket(replayTicker, 40, 42, closeAt)}},
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.Run(context.Background(), snaps)
		done <- err
	}()
	<-ev.started

	if !h.Running() {
		t.Error("Expected Running true during a replay")
	}
	if _, err := h.Run(context.Background(), snaps); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("Expected second run to be refused, got %v", err)
	}

	close(ev.block)
	if err := <-done; err != nil {
		t.Fatalf("Failed to finish first replay: %v", err)
	}
	if h.Running() {
		t.Error("Expected Running false after the replay finished")
	}
}

func TestReplayNoSnapshotsFails(t *testing.T) {
	h := newHarness(t, replay.DefaultConfig(), &scriptedEvaluator{})
	if _, err := h.Run(context.Background(), nil); err == nil {
		t.Fatal("Expected an error for an empty snapshot set")
	}
}

func TestReplayCanceledContextStops(t *testing.T) {
	ev, snaps := entryThenSettlement()
	h := newHarness(t, replay.DefaultConfig(), ev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Run(ctx, snaps); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context cancellation, got %v", err)
	}
}

func resampleTrades(pnls ...string) []types.TradeRecord {
	out := make([]types.TradeRecord, len(pnls))
	for i, pnl := range pnls {
		out[i] = types.TradeRecord{
			Ticker: replayTicker,
			PnL:    decimal.RequireFromString(pnl),
		}
	}
	return out
}

func TestMonteCarloDeterministicWithSeed(t *testing.T) {
	trades := resampleTrades("12.50", "-7.08", "34.22", "-3.10", "5.00")
	config := replay.DefaultMonteCarloConfig()
	balance := decimal.NewFromInt(1000)

	first := replay.MonteCarlo(zap.NewNop(), config, trades, balance)
	second := replay.MonteCarlo(zap.NewNop(), config, trades, balance)

	if !first.MedianPnL.Equal(second.MedianPnL) || !first.P5PnL.Equal(second.P5PnL) || !first.P95PnL.Equal(second.P95PnL) {
		t.Errorf("Expected identical percentiles for the same seed, got %+v then %+v", first, second)
	}
	if first.RuinProbability != second.RuinProbability {
		t.Errorf("Expected identical ruin probability, got %f then %f",
			first.RuinProbability, second.RuinProbability)
	}
}

func TestMonteCarloUniformWinnersNeverRuin(t *testing.T) {
	trades := resampleTrades("5.00", "5.00", "5.00", "5.00", "5.00", "5.00", "5.00", "5.00", "5.00", "5.00")
	res := replay.MonteCarlo(zap.NewNop(), replay.DefaultMonteCarloConfig(), trades, decimal.NewFromInt(1000))

	if res.RuinProbability != 0 {
		t.Errorf("Expected zero ruin probability for all-winning trades, got %f", res.RuinProbability)
	}
	if !res.MaxDrawdownP95.IsZero() {
		t.Errorf("Expected zero drawdown on monotonic paths, got %s", res.MaxDrawdownP95)
	}
	if want := decimal.NewFromInt(50); !res.MedianPnL.Equal(want) || !res.P5PnL.Equal(want) || !res.P95PnL.Equal(want) {
		t.Errorf("Expected every path to end at %s, got median %s p5 %s p95 %s",
			want, res.MedianPnL, res.P5PnL, res.P95PnL)
	}
}

func TestMonteCarloHeavyLossesFlagRuin(t *testing.T) {
	trades := resampleTrades("-300.00", "-300.00", "-300.00", "-300.00", "-300.00")
	res := replay.MonteCarlo(zap.NewNop(), replay.DefaultMonteCarloConfig(), trades, decimal.NewFromInt(1000))

	if res.RuinProbability != 1 {
		t.Errorf("Expected certain ruin for uniform heavy losses, got %f", res.RuinProbability)
	}
}

func TestMonteCarloEmptyTrades(t *testing.T) {
	res := replay.MonteCarlo(zap.NewNop(), replay.DefaultMonteCarloConfig(), nil, decimal.NewFromInt(1000))
	if res.Iterations != 0 {
		t.Errorf("Expected empty result for no trades, got %+v", res)
	}
}
