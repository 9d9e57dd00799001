// Package scheduler runs the job stream through the pipeline under a
// bounded-concurrency gate. It owns the retry policy for engine failures and
// guarantees exactly-once terminal accounting per job.
package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/gambitlab/gambit/internal/engine"
	"github.com/gambitlab/gambit/internal/enginepool"
	"github.com/gambitlab/gambit/internal/metrics"
	"github.com/gambitlab/gambit/internal/pipeline"
	"github.com/gambitlab/gambit/internal/source"
)

// Status is the terminal outcome of a job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result records one job's terminal outcome. Failed and cancelled results
// carry the last attempt's error; succeeded results carry the summary.
type Result struct {
	JobID    string
	Status   Status
	Attempts int
	Summary  *pipeline.Summary
	Err      error
}

// Annotated is a finished game forwarded to the output writer.
type Annotated struct {
	JobID string
	Data  []byte
}

// ProgressFunc observes completed jobs as (succeeded, total). It is invoked
// from worker goroutines; a panicking callback is contained and must not
// take the run down.
type ProgressFunc func(succeeded, total int)

// Config sizes one scheduler run.
type Config struct {
	Concurrency int
	MaxRetries  int // redispatches allowed per job after engine failures
	RunID       string
	TotalJobs   int

	// Progress, when set, observes each successful completion.
	Progress ProgressFunc
	// Output, when set, receives every annotated game. The scheduler never
	// closes it; ownership stays with the caller.
	Output chan<- Annotated
}

// Scheduler dispatches jobs from a source onto the pipeline. One Scheduler
// serves one run.
type Scheduler struct {
	cfg     Config
	pool    *enginepool.Pool
	pipe    *pipeline.Pipeline
	logger  *zap.SugaredLogger
	metrics *metrics.Collector

	sem   *semaphore.Weighted
	queue chan *source.Job
	bar   *completion

	mu        sync.Mutex
	retries   map[string]int
	results   []Result
	succeeded int
}

// New builds a Scheduler. Concurrency must be at least one; TotalJobs sizes
// the internal queue so the producer never blocks behind slow workers.
func New(cfg Config, pool *enginepool.Pool, pipe *pipeline.Pipeline, logger *zap.SugaredLogger, m *metrics.Collector) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	qcap := cfg.TotalJobs
	if qcap < 64 {
		qcap = 64
	}
	return &Scheduler{
		cfg:     cfg,
		pool:    pool,
		pipe:    pipe,
		logger:  logger,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		queue:   make(chan *source.Job, qcap),
		bar:     newCompletion(),
		retries: make(map[string]int),
	}
}

// Run drains the source: it dispatches every job, waits for all dispatched
// work to reach a terminal outcome, and returns the collected results. On
// cancellation it stops dispatching, waits for in-flight attempts to wind
// down, and returns the partial results with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, src source.Source) ([]Result, error) {
	go s.produce(ctx, src)

	drained := make(chan struct{})
	go func() {
		if err := s.bar.Wait(ctx); err == nil {
			close(drained)
		}
	}()

	var wg sync.WaitGroup
dispatch:
	for {
		select {
		case <-ctx.Done():
			break dispatch
		case <-drained:
			break dispatch
		case job := <-s.queue:
			if err := s.sem.Acquire(ctx, 1); err != nil {
				s.bar.Done()
				break dispatch
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.sem.Release(1)
				s.runAttempt(ctx, job)
			}()
		}
	}
	wg.Wait()

	s.mu.Lock()
	results := make([]Result, len(s.results))
	copy(results, s.results)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.logger.Warnw("run cancelled", "run_id", s.cfg.RunID, "completed", len(results))
		return results, err
	}
	return results, nil
}

// produce feeds the queue from the source. Exactly one producer observes the
// source; it registers each dispatch with the barrier before handing the job
// over, then marks the barrier finished at exhaustion.
func (s *Scheduler) produce(ctx context.Context, src source.Source) {
	for {
		job, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.logger.Errorw("source failed", "run_id", s.cfg.RunID, "error", err)
			}
			s.bar.Finish()
			return
		}
		s.bar.Add(1)
		select {
		case s.queue <- job:
		case <-ctx.Done():
			s.bar.Done()
			s.bar.Finish()
			return
		}
	}
}

// runAttempt executes one attempt of one job and records its outcome. The
// deferred bar.Done is the single point where a dispatch unit retires; the
// retry path Adds its replacement unit first, so the barrier never reads
// zero while the job is still live.
func (s *Scheduler) runAttempt(ctx context.Context, job *source.Job) {
	defer s.bar.Done()

	attemptID := uuid.NewString()
	attempt := s.attemptNumber(job.ID)
	log := s.logger.With("run_id", s.cfg.RunID, "job_id", job.ID, "attempt_id", attemptID)

	eng, err := s.acquireHealthy(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.record(Result{JobID: job.ID, Status: StatusCancelled, Attempts: attempt, Err: err}, log)
			return
		}
		// The pool collapsed on an otherwise healthy run; the job is
		// dropped for good.
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
		s.record(Result{JobID: job.ID, Status: StatusFailed, Attempts: attempt, Err: err}, log)
		return
	}

	if s.metrics != nil {
		s.metrics.JobsInFlight.Inc()
		defer s.metrics.JobsInFlight.Dec()
	}

	gc := &pipeline.GameContext{JobID: job.ID, Payload: job.Payload, Engine: eng}
	start := time.Now()
	err = s.pipe.Run(ctx, gc)

	switch {
	case err == nil:
		s.pool.Release(eng)
		if s.metrics != nil {
			s.metrics.JobsSucceeded.Inc()
			s.metrics.JobDuration.Observe(time.Since(start).Seconds())
		}
		s.forward(ctx, Annotated{JobID: job.ID, Data: gc.Annotated})
		s.record(Result{JobID: job.ID, Status: StatusSucceeded, Attempts: attempt, Summary: gc.Summary}, log)

	case isEngineError(err):
		// The handle is suspect. Retiring it doubles as the release: the
		// replacement, if any, enters the pool in its place.
		s.pool.RetireAndReplace(ctx, eng)
		if s.metrics != nil {
			s.metrics.EnginesRetired.Inc()
		}
		if s.requeue(ctx, job, log) {
			return
		}
		if ctx.Err() != nil {
			s.record(Result{JobID: job.ID, Status: StatusCancelled, Attempts: attempt, Err: ctx.Err()}, log)
			return
		}
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
		s.record(Result{JobID: job.ID, Status: StatusFailed, Attempts: attempt, Err: err}, log)

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.pool.Release(eng)
		s.record(Result{JobID: job.ID, Status: StatusCancelled, Attempts: attempt, Err: err}, log)

	default:
		// Validation failures and anything unclassified are permanent.
		s.pool.Release(eng)
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
		s.record(Result{JobID: job.ID, Status: StatusFailed, Attempts: attempt, Err: err}, log)
	}
}

// acquireHealthy borrows an engine, retiring any handle that fails its
// health probe. The pool replaces retired handles, so the loop converges.
func (s *Scheduler) acquireHealthy(ctx context.Context) (engine.Engine, error) {
	for {
		if s.pool.Size() == 0 {
			return nil, enginepool.ErrNoEngines
		}
		eng, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if eng.Healthy(ctx) {
			return eng, nil
		}
		s.logger.Warnw("acquired handle failed health probe, retiring", "engine", eng.ID())
		s.pool.RetireAndReplace(ctx, eng)
	}
}

// requeue redispatches a job after an engine failure while budget remains.
// The new dispatch unit is registered before this attempt's Done fires.
func (s *Scheduler) requeue(ctx context.Context, job *source.Job, log *zap.SugaredLogger) bool {
	s.mu.Lock()
	if s.retries[job.ID] >= s.cfg.MaxRetries {
		s.mu.Unlock()
		log.Warnw("retry budget exhausted", "retries", s.cfg.MaxRetries)
		return false
	}
	s.retries[job.ID]++
	n := s.retries[job.ID]
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.JobsRetried.Inc()
	}
	log.Infow("requeueing after engine failure", "retry", n)

	s.bar.Add(1)
	select {
	case s.queue <- job:
		return true
	case <-ctx.Done():
		s.bar.Done()
		return false
	}
}

func (s *Scheduler) attemptNumber(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[jobID] + 1
}

// record appends a terminal outcome. Progress is reported as the number of
// successes so far against the announced total.
func (s *Scheduler) record(res Result, log *zap.SugaredLogger) {
	s.mu.Lock()
	s.results = append(s.results, res)
	if res.Status == StatusSucceeded {
		s.succeeded++
	}
	succeeded := s.succeeded
	s.mu.Unlock()

	switch res.Status {
	case StatusSucceeded:
		log.Infow("job succeeded", "attempts", res.Attempts)
	case StatusFailed:
		log.Warnw("job failed", "attempts", res.Attempts, "error", res.Err)
	case StatusCancelled:
		log.Debugw("job cancelled")
	}

	if s.cfg.Progress != nil && res.Status == StatusSucceeded {
		s.notify(succeeded)
	}
}

// notify shields the run from a misbehaving progress callback.
func (s *Scheduler) notify(succeeded int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("progress callback panicked", "panic", r)
		}
	}()
	s.cfg.Progress(succeeded, s.cfg.TotalJobs)
}

// forward hands a finished game to the output writer, if one is attached.
func (s *Scheduler) forward(ctx context.Context, a Annotated) {
	if s.cfg.Output == nil {
		return
	}
	select {
	case s.cfg.Output <- a:
	case <-ctx.Done():
	}
}

func isEngineError(err error) bool {
	var aerr *engine.AnalysisError
	return errors.As(err, &aerr)
}
