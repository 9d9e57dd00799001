// Package engine defines the contract for external analysis engines and
// provides an adapter for UCI-speaking subprocesses.
//
// An Engine is an expensive, stateful external process. It is owned by the
// engine pool and lent to exactly one job at a time; nothing in this package
// performs its own locking beyond what a single borrower needs.
package engine

import (
	"context"
	"fmt"
)

// Line is one principal variation reported by an engine for a position.
// Exactly one of ScoreCP and ScoreMate is set.
type Line struct {
	Rank      int      `json:"rank"`
	ScoreCP   *int     `json:"score_cp,omitempty"`
	ScoreMate *int     `json:"score_mate,omitempty"`
	Moves     []string `json:"pv"`
}

// Position identifies one board position to analyze. Key is the opaque
// identity used for caching and result lookup; Moves reconstructs the
// position by replaying the sequence from the standard starting position,
// in coordinate notation (e2e4, g8f6, a7a8q).
type Position struct {
	Key   string
	Moves []string
}

// Engine is a handle to one external analysis process.
//
// AnalyzeBatch evaluates the given positions and returns the top lines for
// each, keyed by Position.Key. A position whose moves the implementation
// cannot replay must be rejected with an error, never evaluated as some
// other position; such a rejection leaves the handle usable. A protocol or
// process failure, reported as AnalysisError, invalidates the handle for
// all future use; callers must retire it rather than release it back to
// the pool. Cancellation propagates as ctx.Err() and also leaves the
// handle usable.
type Engine interface {
	AnalyzeBatch(ctx context.Context, positions []Position) (map[string][]Line, error)

	// ID identifies the engine build (name + version). It participates in
	// cache keys, so upgrading the engine implicitly invalidates old entries.
	ID() string

	Healthy(ctx context.Context) bool

	Close() error
}

// Factory creates a fresh Engine. It is called once per pool slot at startup
// and again whenever a failed handle is replaced.
type Factory func(ctx context.Context) (Engine, error)

// InitError reports an engine process that could not be started. The pool
// tolerates these at startup as long as at least one handle comes up.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine init: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// AnalysisError reports a handle that failed mid-analysis. The handle named
// by EngineID is no longer usable and must be retired.
type AnalysisError struct {
	EngineID string
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("engine %s: analysis failed: %v", e.EngineID, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }
