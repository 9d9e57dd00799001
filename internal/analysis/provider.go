// Package analysis provides engine evaluations through a cache-aside lookup:
// read the cache first, call the engine only for the misses, write the fresh
// results back. Re-running over previously seen positions never touches an
// engine.
package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gambitlab/gambit/internal/cache"
	"github.com/gambitlab/gambit/internal/engine"
	"github.com/gambitlab/gambit/internal/metrics"
)

// Provider coordinates the cache and an acquired engine handle. It holds no
// engine of its own; callers pass in the handle their job has borrowed from
// the pool.
type Provider struct {
	cache   cache.Store
	depth   int
	multiPV int
	limiter *rate.Limiter // optional, throttles engine invocations
	logger  *zap.SugaredLogger
	metrics *metrics.Collector
}

// Option configures a Provider.
type Option func(*Provider)

// WithRateLimit throttles engine invocations to callsPerSecond with the
// given burst. Useful when the engine pool shares a machine with other work.
func WithRateLimit(callsPerSecond float64, burst int) Option {
	return func(p *Provider) {
		if callsPerSecond > 0 && burst > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
		}
	}
}

// WithMetrics records cache hit/miss counts on the given collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider builds a Provider for the given analysis depth and width.
func NewProvider(store cache.Store, depth, multiPV int, logger *zap.SugaredLogger, opts ...Option) *Provider {
	p := &Provider{
		cache:   store,
		depth:   depth,
		multiPV: multiPV,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Analyses returns one result per requested position, keyed by the
// position's Key, merging cache hits with fresh engine computations. The
// engine is invoked with exactly the missing positions, or not at all when
// every key hits. A cache write failure is logged and swallowed; the
// computed results are still returned.
func (p *Provider) Analyses(ctx context.Context, positions []engine.Position, eng engine.Engine) (map[string]cache.Result, error) {
	if len(positions) == 0 {
		return map[string]cache.Result{}, nil
	}

	engineID := eng.ID()
	keyFor := func(id string) cache.Key {
		return cache.Key{Position: id, Depth: p.depth, MultiPV: p.multiPV, EngineID: engineID}
	}

	keys := make([]cache.Key, len(positions))
	for i, pos := range positions {
		keys[i] = keyFor(pos.Key)
	}

	cached, err := p.cache.GetBatch(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	out := make(map[string]cache.Result, len(positions))
	var missing []engine.Position
	for i, k := range keys {
		if res, ok := cached[k]; ok {
			out[positions[i].Key] = res
		} else {
			missing = append(missing, positions[i])
		}
	}
	if p.metrics != nil {
		p.metrics.CacheHits.Add(float64(len(cached)))
		p.metrics.CacheMisses.Add(float64(len(missing)))
	}
	if len(missing) == 0 {
		return out, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	p.logger.Debugw("cache misses, invoking engine",
		"engine", engineID, "misses", len(missing), "hits", len(cached))
	fresh, err := eng.AnalyzeBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	toStore := make(map[cache.Key]cache.Result, len(fresh))
	for id, lines := range fresh {
		res := cache.Result{Lines: lines}
		out[id] = res
		toStore[keyFor(id)] = res
	}
	if err := p.cache.PutBatch(ctx, toStore); err != nil {
		// Results are already computed; losing the write only costs a
		// recomputation on a future run.
		p.logger.Warnw("cache store failed", "engine", engineID, "results", len(toStore), "error", err)
	}

	return out, nil
}
