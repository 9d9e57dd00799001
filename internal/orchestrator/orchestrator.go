// Package orchestrator owns one end-to-end analysis run: it opens the input,
// cache and engine pool, drives the scheduler, and folds everything into a
// RunReport. Run never panics and never returns an error; whatever goes
// wrong is reported as a warning on the report.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gambitlab/gambit/internal/analysis"
	"github.com/gambitlab/gambit/internal/cache"
	"github.com/gambitlab/gambit/internal/config"
	"github.com/gambitlab/gambit/internal/engine"
	"github.com/gambitlab/gambit/internal/enginepool"
	"github.com/gambitlab/gambit/internal/metrics"
	"github.com/gambitlab/gambit/internal/pipeline"
	"github.com/gambitlab/gambit/internal/scheduler"
	"github.com/gambitlab/gambit/internal/source"
)

// RunReport is the always-produced outcome of a run. Even a run that could
// not start returns a report; Warnings carries whatever went wrong.
type RunReport struct {
	RunID            string
	Results          []scheduler.Result
	ProcessedCount   int
	SucceededCount   int
	FailedCount      int
	ParticipantFound bool
	Warnings         []string
	Duration         time.Duration
}

// Orchestrator wires the run from a validated configuration.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	metrics *metrics.Collector

	progress scheduler.ProgressFunc
	factory  engine.Factory
	src      source.Source
	total    int
	store    cache.Store
}

// Option adjusts how the run is wired, mainly for embedding and tests.
type Option func(*Orchestrator)

// WithProgress attaches a progress observer.
func WithProgress(fn scheduler.ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEngineFactory overrides the default UCI subprocess factory.
func WithEngineFactory(f engine.Factory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// WithSource overrides the PGN file source. total is the job count used for
// progress reporting.
func WithSource(src source.Source, total int) Option {
	return func(o *Orchestrator) {
		o.src = src
		o.total = total
	}
}

// WithStore overrides the SQLite analysis cache.
func WithStore(st cache.Store) Option {
	return func(o *Orchestrator) { o.store = st }
}

// New builds an Orchestrator from a validated config.
func New(cfg *config.Config, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	if o.factory == nil {
		o.factory = func(ctx context.Context) (engine.Engine, error) {
			return engine.NewUCI(ctx, cfg.Engine, logger)
		}
	}
	return o
}

// Run executes the full analysis run. It always returns a usable report; a
// run that cannot start returns an empty one with the reason in Warnings.
func (o *Orchestrator) Run(ctx context.Context) (report *RunReport) {
	start := time.Now()
	report = &RunReport{RunID: uuid.NewString()}
	defer func() {
		report.Duration = time.Since(start)
		if r := recover(); r != nil {
			o.logger.Errorw("run panicked", "run_id", report.RunID, "panic", r)
			report.Warnings = append(report.Warnings, fmt.Sprintf("internal error: %v", r))
		}
	}()

	log := o.logger.With("run_id", report.RunID)

	src, total, err := o.openSource()
	if err != nil {
		report.Warnings = append(report.Warnings, err.Error())
		return report
	}

	store, err := o.openStore()
	if err != nil {
		report.Warnings = append(report.Warnings, err.Error())
		return report
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("closing cache: %v", cerr))
		}
	}()

	pool, err := enginepool.Open(ctx, o.cfg.Pool.Size, o.factory, o.logger)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("opening engine pool: %v", err))
		return report
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("closing engine pool: %v", cerr))
		}
	}()
	if pool.Size() < o.cfg.Pool.Size {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("engine pool degraded: %d of %d engines started", pool.Size(), o.cfg.Pool.Size))
	}

	provider := analysis.NewProvider(store, o.cfg.Engine.Depth, o.cfg.Engine.MultiPV, o.logger,
		analysis.WithRateLimit(o.cfg.Limit.CallsPerSecond, o.cfg.Limit.Burst),
		analysis.WithMetrics(o.metrics),
	)
	pipe := pipeline.New(provider, o.logger)

	out, flushWriter := o.startWriter(report)

	sched := scheduler.New(scheduler.Config{
		Concurrency: o.cfg.Run.Concurrency,
		MaxRetries:  o.cfg.Run.MaxRetries,
		RunID:       report.RunID,
		TotalJobs:   total,
		Progress:    o.progress,
		Output:      out,
	}, pool, pipe, o.logger, o.metrics)

	log.Infow("run starting", "jobs", total, "engines", pool.Size(), "concurrency", o.cfg.Run.Concurrency)
	results, err := sched.Run(ctx, src)
	flushWriter()
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("run interrupted: %v", err))
	}

	o.fill(report, results)
	log.Infow("run finished",
		"processed", report.ProcessedCount,
		"succeeded", report.SucceededCount,
		"failed", report.FailedCount,
		"warnings", len(report.Warnings))
	return report
}

func (o *Orchestrator) openSource() (source.Source, int, error) {
	if o.src != nil {
		return o.src, o.total, nil
	}
	f, err := source.OpenPGN(o.cfg.Input.PGN)
	if err != nil {
		return nil, 0, fmt.Errorf("opening input: %w", err)
	}
	return f, f.Count(), nil
}

func (o *Orchestrator) openStore() (cache.Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	st, err := cache.OpenSQLite(o.cfg.Cache.Path, o.logger)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return st, nil
}

// startWriter spins up the annotated-output writer when configured. The
// returned flush closes the channel, waits for the writer to drain, and
// records any write failure as a warning. Without an output path both
// returns are inert.
func (o *Orchestrator) startWriter(report *RunReport) (chan<- scheduler.Annotated, func()) {
	if o.cfg.Output.Annotated == "" {
		return nil, func() {}
	}

	f, err := os.Create(o.cfg.Output.Annotated)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("opening output: %v", err))
		return nil, func() {}
	}

	out := make(chan scheduler.Annotated, 64)
	var wg sync.WaitGroup
	var once sync.Once
	var writeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for a := range out {
			if _, err := f.Write(append(a.Data, '\n')); err != nil {
				once.Do(func() { writeErr = fmt.Errorf("writing %s: %w", a.JobID, err) })
			}
		}
	}()

	return out, func() {
		close(out)
		wg.Wait()
		if cerr := f.Close(); cerr != nil && writeErr == nil {
			writeErr = fmt.Errorf("closing output: %w", cerr)
		}
		if writeErr != nil {
			report.Warnings = append(report.Warnings, writeErr.Error())
		}
	}
}

// fill derives the report counters from the collected results. Cancelled
// jobs count as neither processed nor failed.
func (o *Orchestrator) fill(report *RunReport, results []scheduler.Result) {
	report.Results = results
	for _, r := range results {
		switch r.Status {
		case scheduler.StatusSucceeded:
			report.ProcessedCount++
			report.SucceededCount++
			if o.cfg.Participant != "" && r.Summary != nil &&
				(r.Summary.White == o.cfg.Participant || r.Summary.Black == o.cfg.Participant) {
				report.ParticipantFound = true
			}
		case scheduler.StatusFailed:
			report.ProcessedCount++
			report.FailedCount++
		}
	}
	if o.cfg.Participant != "" && !report.ParticipantFound {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("participant %q not found in any analyzed game", o.cfg.Participant))
	}
}
