// Package pipeline runs the ordered, fixed list of per-job processing
// stages. Each stage reads from and appends to a mutable GameContext created
// fresh for every attempt. Stage failures are not handled here; they
// propagate to the scheduler, which classifies them.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gambitlab/gambit/internal/analysis"
	"github.com/gambitlab/gambit/internal/cache"
	"github.com/gambitlab/gambit/internal/engine"
	"github.com/gambitlab/gambit/internal/source"
)

// GameContext carries one attempt's state through the stages. Stages only
// ever add to it; an aborted context is discarded, never reused.
type GameContext struct {
	JobID   string
	Payload []byte
	Engine  engine.Engine

	Tags  map[string]string
	Moves []string
	// Positions carries one entry per ply: the opaque cache key plus the
	// replayable move prefix that reaches the position.
	Positions []engine.Position
	Analyses  map[string]cache.Result

	// Final-result fields. Both are cleared on abort so a partial context
	// cannot be mistaken for a success.
	Summary   *Summary
	Annotated []byte
}

// Summary is the aggregate outcome of one analyzed game.
type Summary struct {
	GameID      string
	White       string
	Black       string
	Result      string
	Event       string
	PlyCount    int
	MeanSwingCP float64 // mean absolute evaluation swing per ply
	SharpMoves  int     // plies whose swing crossed the sharpness threshold
}

// Stage is one step of the per-job pipeline. Implementations hold no per-job
// state of their own: a single instance is shared by all concurrent jobs.
type Stage interface {
	Name() string
	Execute(ctx context.Context, gc *GameContext) error
}

// Pipeline is the fixed stage sequence, assembled once at construction and
// shared by every job the scheduler launches.
type Pipeline struct {
	stages []Stage
	logger *zap.SugaredLogger
}

// New assembles the standard four-stage pipeline: extract, analyze,
// summarize, annotate.
func New(provider *analysis.Provider, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		stages: []Stage{
			&extractStage{},
			&analyzeStage{provider: provider},
			&summarizeStage{},
			&annotateStage{},
		},
		logger: logger,
	}
}

// Run executes the stages in order, checking the cancellation signal before
// each one. On cancellation the context is marked invalid (final-result
// fields cleared) and ctx.Err() is returned; the in-progress stage is never
// force-killed.
func (p *Pipeline) Run(ctx context.Context, gc *GameContext) error {
	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			p.logger.Warnw("cancellation requested, aborting pipeline",
				"job_id", gc.JobID, "stage", st.Name())
			gc.Summary = nil
			gc.Annotated = nil
			return err
		}
		p.logger.Debugw("stage starting", "job_id", gc.JobID, "stage", st.Name())
		if err := st.Execute(ctx, gc); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
	}
	return nil
}

// Validate is a convenience wrapper used by tests and embedders to check a
// payload without running the full pipeline.
func Validate(payload []byte) error {
	_, _, err := extractGame(payload)
	return err
}

func extractGame(payload []byte) (map[string]string, []string, error) {
	tags := source.Tags(payload)
	if len(tags) == 0 {
		return nil, nil, &source.ValidationError{Reason: "no header tags"}
	}
	moves := source.MoveTokens(payload)
	if len(moves) == 0 {
		return nil, nil, &source.ValidationError{Reason: "no moves"}
	}
	return tags, moves, nil
}
