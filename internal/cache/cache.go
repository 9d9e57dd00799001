// Package cache persists engine analysis results between runs. Lookups are
// keyed by position, analysis depth and width, and the engine identifier, so
// results computed by one engine build never leak into another.
package cache

import (
	"context"

	"github.com/gambitlab/gambit/internal/engine"
)

// Key identifies one cached analysis. It is value-comparable and usable as a
// map key. A changed engine identifier implicitly invalidates old entries.
type Key struct {
	Position string
	Depth    int
	MultiPV  int
	EngineID string
}

// Result is the cached analysis for one key: the engine's top lines, ordered
// by rank. Immutable once stored.
type Result struct {
	Lines []engine.Line `json:"lines"`
}

// Store is the batched analysis cache consumed by the provider. GetBatch
// omits missing keys from the result rather than reporting them as errors;
// PutBatch is idempotent, storing an existing key overwrites silently.
// Implementations must be safe for concurrent batched calls from multiple
// jobs.
type Store interface {
	GetBatch(ctx context.Context, keys []Key) (map[Key]Result, error)
	PutBatch(ctx context.Context, results map[Key]Result) error
	Close() error
}
