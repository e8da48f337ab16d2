// Package retry implements the exponential-backoff retry policy shared
// by node execution and remote transport calls: a bounded
// number of attempts, backoff doubling from an initial delay up to a
// cap, with jitter, gated by flowerr.IsRetryable on the attempt's error.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowcore/runtime/internal/flowerr"
)

// Policy configures backoff timing and attempt limits.
type Policy struct {
	MaxAttempts int           // total attempts including the first, >=1
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64 // >1, applied to the wait after every failed attempt
	Jitter      float64 // fraction of the computed wait randomized, e.g. 0.2
}

// DefaultPolicy returns the node-retry defaults used absent manifest overrides.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Do invokes fn until it succeeds, the attempt budget is exhausted, or
// fn's error is not retryable per flowerr.IsRetryable. Returns the last
// error seen. ctx cancellation aborts the wait between attempts
// immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	wait := p.InitialWait

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == p.MaxAttempts || !flowerr.IsRetryable(err) {
			return lastErr
		}

		sleep := jittered(wait, p.Jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		wait = time.Duration(float64(wait) * p.Multiplier)
		if p.MaxWait > 0 && wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
	return lastErr
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	out := float64(d) + offset
	if out < 0 {
		out = 0
	}
	return time.Duration(out)
}
