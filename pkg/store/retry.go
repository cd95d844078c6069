package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// walRetryOffsets is the wait before each read attempt. Rows appended
// through the write path can lag reads by a few seconds; the schedule
// absorbs up to 3.7 s of visibility lag before giving up.
var walRetryOffsets = []time.Duration{
	0,
	200 * time.Millisecond,
	400 * time.Millisecond,
	600 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
}

// RetryHook, when set, is called once per scheduled retry. The process
// points it at a metrics counter during startup; nil disables counting.
var RetryHook func()

// QueryWithWALRetry runs fn until it succeeds or fails non-transiently.
// Callers that must see freshly appended rows return a Transient error
// from fn while the rows are not visible yet and let the schedule absorb
// the lag. Fatal and unclassified errors abort immediately; context
// cancellation aborts between attempts.
func QueryWithWALRetry(ctx context.Context, fn func(context.Context) error) error {
	return retryWithSchedule(ctx, walRetryOffsets, fn)
}

func retryWithSchedule(ctx context.Context, offsets []time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt, wait := range offsets {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				log.Debug().Int("retries", attempt).Msg("read visible after retry")
			}
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < len(offsets)-1 {
			if RetryHook != nil {
				RetryHook()
			}
			log.Debug().
				Int("attempt", attempt+1).
				Dur("next_wait", offsets[attempt+1]).
				Err(lastErr).
				Msg("transient read failure, retrying")
		}
	}
	return fmt.Errorf("read failed after %d attempts: %w", len(offsets), lastErr)
}
