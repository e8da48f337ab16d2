package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowcore/runtime/internal/flowerr"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesRetryableErrorUntilSuccess(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond, Multiplier: 2}
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return flowerr.New(flowerr.KindTimeout, "slow")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return flowerr.New(flowerr.KindTimeout, "slow")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
}

func TestDoDoesNotRetryNonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return flowerr.New(flowerr.KindCircuitOpen, "tripped")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-retryable error should stop after first attempt, got %d calls", calls)
	}
}

func TestDoDoesNotRetryPlainError(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for non-retryable plain error, got %d", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, InitialWait: 50 * time.Millisecond, MaxWait: time.Second, Multiplier: 1}
	calls := 0
	cancel()
	err := Do(ctx, p, func(ctx context.Context) error {
		calls++
		return flowerr.New(flowerr.KindTimeout, "slow")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the single immediate attempt before the cancelled sleep, got %d", calls)
	}
}
