// Package data holds the rolling price series the strategy evaluators
// read, plus quality checks that keep stale or broken series out of a
// cycle.
package data

import (
	"sort"
	"sync"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
	"go.uber.org/zap"
)

// StoreConfig bounds the per-symbol series length.
type StoreConfig struct {
	MaxBars int `json:"maxBars"`
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{MaxBars: 500}
}

// Store keeps one bounded, timestamp-ordered candle series per
// underlying symbol. Appends merge by timestamp so a re-fetched or
// still-forming bar replaces its earlier version instead of
// duplicating it.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger
	config StoreConfig
	series map[string][]types.Candle
}

// NewStore creates an empty candle store.
func NewStore(logger *zap.Logger, config StoreConfig) *Store {
	return &Store{
		logger: logger.Named("data"),
		config: config,
		series: make(map[string][]types.Candle),
	}
}

// Append merges candles into the symbol's series. The newest write wins
// on timestamp collisions, the series stays sorted ascending, and the
// oldest bars fall off once the bound is reached.
func (s *Store) Append(symbol string, candles []types.Candle) {
	if len(candles) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byTime := make(map[int64]types.Candle, len(s.series[symbol])+len(candles))
	for _, c := range s.series[symbol] {
		byTime[c.Timestamp.UnixMilli()] = c
	}
	for _, c := range candles {
		byTime[c.Timestamp.UnixMilli()] = c
	}

	merged := make([]types.Candle, 0, len(byTime))
	for _, c := range byTime {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	if len(merged) > s.config.MaxBars {
		merged = merged[len(merged)-s.config.MaxBars:]
	}
	s.series[symbol] = merged
}

// Candles returns a copy of the series, or its newest limit bars when
// limit is positive.
func (s *Store) Candles(symbol string, limit int) []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[symbol]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}

	out := make([]types.Candle, len(series))
	copy(out, series)
	return out
}

// Latest returns the newest bar for the symbol.
func (s *Store) Latest(symbol string) (types.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[symbol]
	if len(series) == 0 {
		return types.Candle{}, false
	}
	return series[len(series)-1], true
}

// Len returns the number of bars held for the symbol.
func (s *Store) Len(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[symbol])
}

// Symbols returns the tracked symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.series))
	for symbol := range s.series {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies every series, keyed by symbol. Evaluators read the
// snapshot so a concurrent append never mutates an in-flight cycle.
func (s *Store) Snapshot() map[string][]types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]types.Candle, len(s.series))
	for symbol, series := range s.series {
		cp := make([]types.Candle, len(series))
		copy(cp, series)
		out[symbol] = cp
	}
	return out
}
