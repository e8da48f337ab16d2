package flowerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDefaultRetryability(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTimeout, true},
		{KindTransport, true},
		{KindProcess, false},
		{KindCircuitOpen, false},
		{KindAllEndpointsFail, false},
		{KindManifest, false},
	}
	for _, c := range cases {
		e := New(c.kind, "x")
		if e.Retryable() != c.want {
			t.Errorf("kind %s: Retryable() = %v, want %v", c.kind, e.Retryable(), c.want)
		}
	}
}

func TestWithRetryableOverridesDefault(t *testing.T) {
	e := New(KindTransport, "unavailable").WithRetryable(false)
	if e.Retryable() {
		t.Fatal("expected override to false")
	}
	e2 := New(KindProcess, "oom").WithRetryable(true)
	if !e2.Retryable() {
		t.Fatal("expected override to true")
	}
}

func TestWrapPreservesCauseAndChain(t *testing.T) {
	cause := errors.New("root cause")
	e := Wrap(KindNodeExec, cause, "execute failed").WithNode("node-1")
	if !errors.Is(e, cause) {
		t.Fatal("expected Is to find the cause via Unwrap")
	}
	if e.NodeID != "node-1" {
		t.Fatalf("expected node id set, got %q", e.NodeID)
	}
}

func TestIsRetryableWalksWrapChain(t *testing.T) {
	inner := New(KindTimeout, "deadline exceeded")
	outer := fmt.Errorf("outer context: %w", inner)
	if !IsRetryable(outer) {
		t.Fatal("expected retryable through fmt.Errorf wrap")
	}
}

func TestIsRetryableFalseForPlainError(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are never retryable")
	}
}

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := New(KindAuth, "denied")
	outer := fmt.Errorf("wrapped: %w", inner)
	kind, ok := KindOf(outer)
	if !ok || kind != KindAuth {
		t.Fatalf("expected KindAuth, got %s (ok=%v)", kind, ok)
	}
}

func TestKindOfFalseWhenAbsent(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("expected ok=false for a plain error")
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(KindIPC, cause, "commit failed")
	msg := e.Error()
	if !strings.Contains(msg, "disk full") || !strings.Contains(msg, "commit failed") {
		t.Fatalf("expected message and cause in output, got %q", msg)
	}
}
