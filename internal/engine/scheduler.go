package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// Scheduler drives the engine on a fixed cadence, one goroutine per
// market class. Each class runs a cycle immediately on start and then
// every interval; the engine's own guard keeps a slow cycle from
// overlapping the next tick.
type Scheduler struct {
	logger   *zap.Logger
	engine   *Engine
	interval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for the engine's configured classes.
func NewScheduler(logger *zap.Logger, engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{
		logger:   logger.Named("scheduler"),
		engine:   engine,
		interval: interval,
	}
}

// Start launches the per-class cycle loops and the event bridge.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.New("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.bridge(runCtx)
	}()

	for _, class := range s.engine.config.Classes {
		s.wg.Add(1)
		go s.loop(runCtx, class)
	}

	s.logger.Info("Scheduler started",
		zap.Int("classes", len(s.engine.config.Classes)),
		zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, class types.MarketClass) {
	defer s.wg.Done()

	s.engine.RunCycle(ctx, class)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.engine.RunCycle(ctx, class)
		}
	}
}

// Stop halts the loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Running reports whether the scheduler is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}
