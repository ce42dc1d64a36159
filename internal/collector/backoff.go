package collector

import (
	"context"
	"time"
)

// AttemptState is a step of the retry state machine.
type AttemptState int

const (
	Pending AttemptState = iota
	Attempting
	Retrying
	Succeeded
	Exhausted
)

func (s AttemptState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Backoff returns the wait before attempt+1: base*2^(attempt-1), capped at
// max. A non-positive max disables the cap.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max/2 {
			return max
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
