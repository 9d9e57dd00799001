// Package enginepool owns a fixed set of long-lived engine handles and lends
// them to jobs one at a time. Engines are expensive to start and can crash
// mid-analysis; the pool tolerates partial failure at startup and at runtime
// without stopping the whole run.
package enginepool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gambitlab/gambit/internal/engine"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("enginepool: closed")
	// ErrNoEngines is returned by Open when not a single handle could be
	// created. This is fatal to the run.
	ErrNoEngines = errors.New("enginepool: no engine instances could be created")
)

// Pool lends engine handles to at most size concurrent borrowers.
//
// Invariants: the number of handles lent but not yet returned or retired
// never exceeds the pool size, and a handle is never lent to two borrowers
// at once. Both follow from the availability channel being the only source
// of handles.
type Pool struct {
	factory engine.Factory
	avail   chan engine.Engine
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	owned  map[engine.Engine]struct{}
	closed bool
}

// Open creates size handles concurrently via factory. Individual creation
// failures are logged and reduce effective concurrency; Open fails only when
// zero handles could be created.
func Open(ctx context.Context, size int, factory engine.Factory, logger *zap.SugaredLogger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("enginepool: invalid size %d", size)
	}

	p := &Pool{
		factory: factory,
		avail:   make(chan engine.Engine, size),
		owned:   make(map[engine.Engine]struct{}, size),
		logger:  logger,
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			eng, err := factory(ctx)
			if err != nil {
				logger.Errorw("engine instance failed to start", "error", err)
				return nil // partial failure is tolerated
			}
			p.mu.Lock()
			p.owned[eng] = struct{}{}
			p.mu.Unlock()
			p.avail <- eng
			return nil
		})
	}
	_ = g.Wait()

	n := len(p.owned)
	if n == 0 {
		return nil, ErrNoEngines
	}
	if n < size {
		logger.Warnw("engine pool opened degraded", "requested", size, "active", n)
	} else {
		logger.Infow("engine pool opened", "size", n)
	}
	return p, nil
}

// Acquire blocks until a handle is available or ctx is done. It fails fast
// once the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (engine.Engine, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	select {
	case eng, ok := <-p.avail:
		if !ok {
			return nil, ErrClosed
		}
		return eng, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a healthy handle to the availability set. After Close it
// is a no-op: the handle has already been closed by the pool's shutdown and
// is simply dropped.
func (p *Pool) Release(eng engine.Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.owned[eng]; !ok {
		// Retired concurrently; nothing to return.
		return
	}
	p.avail <- eng
}

// RetireAndReplace closes a failed handle, removes it from the owned set and
// tries to create one replacement. Retiring a handle that was already
// retired by a concurrent caller is a silent no-op, so racing jobs cannot
// double-shrink the pool. If the replacement cannot be created the pool
// permanently shrinks by one.
func (p *Pool) RetireAndReplace(ctx context.Context, failed engine.Engine) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.owned[failed]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.owned, failed)
	p.mu.Unlock()

	p.logger.Warnw("retiring failed engine", "id", failed.ID())
	if err := failed.Close(); err != nil {
		p.logger.Errorw("error closing failed engine", "id", failed.ID(), "error", err)
	}

	replacement, err := p.factory(ctx)
	if err != nil {
		p.logger.Errorw("failed to replace retired engine, pool shrinks", "error", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = replacement.Close()
		return
	}
	p.owned[replacement] = struct{}{}
	p.mu.Unlock()
	p.avail <- replacement
	p.logger.Infow("replacement engine ready", "id", replacement.ID())
}

// Close marks the pool closed and shuts down every owned handle
// concurrently. Close errors are collected and logged, not propagated.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	instances := make([]engine.Engine, 0, len(p.owned))
	for eng := range p.owned {
		instances = append(instances, eng)
	}
	p.owned = map[engine.Engine]struct{}{}
	p.mu.Unlock()

	var g errgroup.Group
	for _, eng := range instances {
		eng := eng
		g.Go(func() error {
			if err := eng.Close(); err != nil {
				p.logger.Errorw("error closing engine", "id", eng.ID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Drain stale references so nothing holds closed handles alive.
	for {
		select {
		case <-p.avail:
		default:
			p.logger.Infow("engine pool closed", "instances", len(instances))
			return nil
		}
	}
}

// Size reports how many handles the pool currently owns, lent or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owned)
}
