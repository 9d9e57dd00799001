package scheduler

import (
	"context"
	"sync"
)

// completion is the exactly-once accounting barrier for dispatched work.
// Every dispatch, including a redispatch after an engine failure, calls Add;
// every terminal outcome calls Done. Wait unblocks once the producer has
// called Finish and the count has returned to zero.
//
// The requeue ordering matters: a retrying attempt must Add the new dispatch
// before its own deferred Done fires, so the count never touches zero while
// the job still has a pending attempt.
type completion struct {
	mu       sync.Mutex
	count    int
	finished bool
	zero     chan struct{}
}

func newCompletion() *completion {
	return &completion{zero: make(chan struct{})}
}

func (c *completion) Add(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count += n
}

func (c *completion) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count <= 0 {
		panic("completion: Done without matching Add")
	}
	c.count--
	c.maybeRelease()
}

// Finish marks the producer as exhausted. No further Add calls may come from
// the producer after this; redispatch Adds are still allowed because they are
// always paired with a not-yet-fired Done.
func (c *completion) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	c.maybeRelease()
}

func (c *completion) maybeRelease() {
	if c.finished && c.count == 0 {
		select {
		case <-c.zero:
		default:
			close(c.zero)
		}
	}
}

// Wait blocks until all dispatched work has reached a terminal outcome, or
// the context is cancelled. Cancellation abandons the wait; it does not
// disturb the count.
func (c *completion) Wait(ctx context.Context) error {
	select {
	case <-c.zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
