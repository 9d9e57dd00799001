package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithAttempts(4), WithBackoff(time.Millisecond, 10*time.Millisecond), WithJitter(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("still broken")
	var calls atomic.Int32
	err := Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return wantErr
	}, WithAttempts(3), WithBackoff(time.Millisecond, 5*time.Millisecond))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected final attempt error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDo_NonRetryableAbortsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	var calls atomic.Int32
	err := Do(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return permanent
	}, WithAttempts(5), WithRetryIf(func(err error) bool { return !errors.Is(err, permanent) }))
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("transient")
	}, WithAttempts(10), WithBackoff(time.Second, 10*time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls.Load())
	}
}

func TestDo_OnRetryHookSeesFailedAttempts(t *testing.T) {
	var hookAttempts []int
	_ = Do(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	}, WithAttempts(3), WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithOnRetry(func(attempt int, err error) {
			hookAttempts = append(hookAttempts, attempt)
		}))
	// The hook fires after attempts 1 and 2, never after the final one.
	if len(hookAttempts) != 2 || hookAttempts[0] != 1 || hookAttempts[1] != 2 {
		t.Errorf("expected hook attempts [1 2], got %v", hookAttempts)
	}
}

func TestCalcExponentialDelay(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{10, 5 * time.Second}, // capped
		{-1, 0},
	}
	for _, tc := range cases {
		got := calcExponentialDelay(tc.n, 100*time.Millisecond, 5*time.Second)
		if got != tc.want {
			t.Errorf("n=%d: expected %v, got %v", tc.n, tc.want, got)
		}
	}
}
