// Package store persists engine state between cycles: open positions,
// risk budgets and learning state, one JSON document per market class.
// Cycles load at the start, mutate in memory and save at the end, so
// implementations only need whole-document get and set.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kestrel-markets/prediction-engine/pkg/types"
)

// ErrNotFound reports an absent key. First runs and fresh classes load
// nothing; callers start from zero state.
var ErrNotFound = errors.New("store: key not found")

// Snapshot kinds persisted per market class.
const (
	KindPositions = "positions"
	KindBudget    = "budget"
	KindLearning  = "learning"
)

// Key builds the canonical snapshot key for a state kind and class.
func Key(kind string, class types.MarketClass) string {
	return fmt.Sprintf("engine:%s:%s", kind, class)
}

// Store is the durable snapshot store.
type Store interface {
	// Load reads the document at key into out, or ErrNotFound.
	Load(ctx context.Context, key string, out any) error

	// Save writes the document at key, replacing any prior value.
	Save(ctx context.Context, key string, value any) error

	Close() error
}
