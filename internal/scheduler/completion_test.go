package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitReturns(c *completion, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_ = c.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func TestCompletion_WaitBlocksUntilFinishAndZero(t *testing.T) {
	c := newCompletion()
	c.Add(2)
	c.Done()
	c.Done()
	assert.False(t, waitReturns(c, 20*time.Millisecond),
		"zero count without Finish must keep waiters blocked")

	c.Finish()
	assert.True(t, waitReturns(c, time.Second))
}

func TestCompletion_FinishBeforeDrain(t *testing.T) {
	c := newCompletion()
	c.Add(3)
	c.Finish()
	assert.False(t, waitReturns(c, 20*time.Millisecond))

	c.Done()
	c.Done()
	assert.False(t, waitReturns(c, 20*time.Millisecond))

	c.Done()
	assert.True(t, waitReturns(c, time.Second))
}

func TestCompletion_RedispatchKeepsCountLive(t *testing.T) {
	c := newCompletion()
	c.Add(1)
	c.Finish()

	// A retrying attempt registers its replacement before retiring itself,
	// so the count passes through 1, never 0.
	c.Add(1)
	c.Done()
	assert.False(t, waitReturns(c, 20*time.Millisecond))

	c.Done()
	assert.True(t, waitReturns(c, time.Second))
}

func TestCompletion_WaitHonorsCancellation(t *testing.T) {
	c := newCompletion()
	c.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestCompletion_DoneWithoutAddPanics(t *testing.T) {
	c := newCompletion()
	assert.Panics(t, func() { c.Done() })
}

func TestCompletion_EmptyRun(t *testing.T) {
	c := newCompletion()
	c.Finish()
	assert.True(t, waitReturns(c, time.Second), "a source with no jobs drains immediately")
}
