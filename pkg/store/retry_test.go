package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetrySchedule(t *testing.T) {
	want := []time.Duration{
		0,
		200 * time.Millisecond,
		400 * time.Millisecond,
		600 * time.Millisecond,
		1000 * time.Millisecond,
		1500 * time.Millisecond,
	}
	if len(walRetryOffsets) != len(want) {
		t.Fatalf("schedule length = %d, want %d", len(walRetryOffsets), len(want))
	}
	var total time.Duration
	for i, d := range walRetryOffsets {
		if d != want[i] {
			t.Fatalf("offset[%d] = %v, want %v", i, d, want[i])
		}
		total += d
	}
	if total != 3700*time.Millisecond {
		t.Fatalf("schedule total = %v, want 3.7s", total)
	}
}

func TestQueryWithWALRetry_ImmediateSuccess(t *testing.T) {
	calls := 0
	start := time.Now()
	err := QueryWithWALRetry(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("success path slept %v", elapsed)
	}
}

func TestQueryWithWALRetry_FatalAbortsImmediately(t *testing.T) {
	calls := 0
	boom := Fatal(errors.New("duplicate key"))
	err := QueryWithWALRetry(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on fatal)", calls)
	}
}

func TestRetryWithSchedule_SucceedsAfterTransient(t *testing.T) {
	offsets := []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}
	calls := 0
	err := retryWithSchedule(context.Background(), offsets, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("rows not visible yet"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryWithSchedule_Exhaustion(t *testing.T) {
	offsets := []time.Duration{0, time.Millisecond, time.Millisecond}
	calls := 0
	err := retryWithSchedule(context.Background(), offsets, func(context.Context) error {
		calls++
		return Transient(errors.New("still lagging"))
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != len(offsets) {
		t.Fatalf("calls = %d, want %d", calls, len(offsets))
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error should name the attempt count: %v", err)
	}
}

func TestRetryWithSchedule_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	offsets := []time.Duration{0, time.Hour}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retryWithSchedule(ctx, offsets, func(context.Context) error {
		calls++
		return Transient(errors.New("not yet"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cancelled before second attempt)", calls)
	}
}

func TestRetryHookCountsRetries(t *testing.T) {
	hooked := 0
	RetryHook = func() { hooked++ }
	defer func() { RetryHook = nil }()

	offsets := []time.Duration{0, time.Millisecond, time.Millisecond}
	calls := 0
	_ = retryWithSchedule(context.Background(), offsets, func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("lag"))
		}
		return nil
	})
	if hooked != 2 {
		t.Fatalf("hook fired %d times, want 2", hooked)
	}
}
