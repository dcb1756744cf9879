// Package retry provides the exponential/linear backoff loop shared by the
// Block Replay Engine's peer fetch and the Replication Queue's graph-store
// writes.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded backoff schedule.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	// Exponential selects base*2^(attempt-1) growth; otherwise the delay grows
	// linearly as base*attempt.
	Exponential bool
}

// Linear builds the Block Replay Engine's fetch policy: base*attempt delay
// between up to maxAttempts tries.
func Linear(maxAttempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Base: base}
}

// Exponential builds the Replication Queue's write-retry policy:
// base*2^(attempt-1) delay between up to maxAttempts tries.
func Exponential(maxAttempts int, base time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Base: base, Exponential: true}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Exponential {
		d := p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
	return p.Base * time.Duration(attempt)
}

// Do runs fn up to p.MaxAttempts times, sleeping p.delay(attempt) between
// tries. It returns the last error if every attempt fails, or nil as soon as
// fn succeeds. A cancelled context aborts immediately with ctx.Err().
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
