// Package retry provides a generic backoff-retry wrapper for transient
// failures, such as lock contention on the analysis cache. It is deliberately
// not used for engine analysis: engine failures are handled by the scheduler
// through retire-and-replace, not by blind re-invocation.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const maxBackoffShift = 63 // prevent overflow in the exponential calculation

// Option configures a call to Do.
type Option func(*config)

type config struct {
	attempts     int
	initialDelay time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	retryIf      func(error) bool
	onRetry      func(attempt int, err error)
}

// WithAttempts sets the total number of tries, including the first.
func WithAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between attempts. The delay
// doubles with each attempt and is capped at maxDelay.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *config) {
		if initial > 0 {
			c.initialDelay = initial
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithJitter adds ±factor randomization to each delay to avoid synchronized
// retry bursts from concurrent jobs. factor is clamped to [0, 1].
func WithJitter(factor float64) Option {
	return func(c *config) {
		c.jitterFactor = min(max(factor, 0), 1)
	}
}

// WithRetryIf restricts which errors are retried. Errors rejected by the
// predicate abort immediately. By default every error is retried.
func WithRetryIf(pred func(error) bool) Option {
	return func(c *config) {
		if pred != nil {
			c.retryIf = pred
		}
	}
}

// WithOnRetry installs a hook invoked before each re-attempt, after the
// backoff delay has been decided. attempt is 1-based and names the attempt
// that just failed.
func WithOnRetry(hook func(attempt int, err error)) Option {
	return func(c *config) {
		c.onRetry = hook
	}
}

var jitterRng = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))} // #nosec G404 -- crypto rand not needed for backoff jitter

// Do runs op, retrying transient failures with jittered exponential backoff
// until it succeeds or the attempt budget runs out. The error returned is the
// one from the final attempt, or ctx.Err() if the context ended during a
// backoff wait.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	cfg := &config{
		attempts:     3,
		initialDelay: 100 * time.Millisecond,
		maxDelay:     5 * time.Second,
		jitterFactor: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var err error
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		if attempt > 1 {
			delay := jitteredDelay(cfg, attempt-2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if cfg.retryIf != nil && !cfg.retryIf(err) {
			return err
		}
		if cfg.onRetry != nil && attempt < cfg.attempts {
			cfg.onRetry(attempt, err)
		}
	}
	return err
}

// jitteredDelay computes initialDelay * 2^n with ±jitterFactor randomization,
// capped at maxDelay. n is 0-indexed (0 = delay before the first retry).
func jitteredDelay(cfg *config, n int) time.Duration {
	base := calcExponentialDelay(n, cfg.initialDelay, cfg.maxDelay)
	if cfg.jitterFactor == 0 {
		return base
	}

	jitterRng.Lock()
	mult := 1.0 + (jitterRng.Float64()*2-1)*cfg.jitterFactor
	jitterRng.Unlock()

	d := time.Duration(float64(base) * mult)
	return min(max(d, 0), cfg.maxDelay)
}

func calcExponentialDelay(n int, initial, maxDelay time.Duration) time.Duration {
	if n < 0 {
		return 0
	}
	if n >= maxBackoffShift {
		return maxDelay
	}
	d := time.Duration(int64(1)<<uint(n)) * initial
	if d > maxDelay || d < 0 {
		return maxDelay
	}
	return d
}
