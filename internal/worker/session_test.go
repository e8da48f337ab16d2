package worker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/flowcore/runtime/internal/worker/shm"
)

func fastSessionConfig() SessionConfig {
	return SessionConfig{InitTimeout: time.Second, StopGrace: 500 * time.Millisecond}
}

func TestAwaitReadySucceedsOnceAllWorkersMarkReady(t *testing.T) {
	s := NewSession("sess-1", fastSessionConfig())
	p1, err := s.SpawnWorker(context.Background(), "n1", exec.Command("sleep", "5"))
	if err != nil {
		t.Fatalf("SpawnWorker n1: %v", err)
	}
	p2, err := s.SpawnWorker(context.Background(), "n2", exec.Command("sleep", "5"))
	if err != nil {
		t.Fatalf("SpawnWorker n2: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		p1.MarkReady()
		p2.MarkReady()
	}()

	if err := s.AwaitReady(context.Background()); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	s.Teardown()
}

func TestAwaitReadyTimesOutWhenAWorkerNeverReports(t *testing.T) {
	cfg := fastSessionConfig()
	cfg.InitTimeout = 100 * time.Millisecond
	s := NewSession("sess-2", cfg)
	if _, err := s.SpawnWorker(context.Background(), "n1", exec.Command("sleep", "5")); err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	if err := s.AwaitReady(context.Background()); err == nil {
		t.Fatal("expected AwaitReady to time out when the worker never reports ready")
	}
	s.Teardown()
}

// TestWorkerCrashTerminatesEntireSession verifies one worker crashing
// tears down every other worker in the session and destroys every
// registered shared-memory channel.
func TestWorkerCrashTerminatesEntireSession(t *testing.T) {
	s := NewSession("sess-3", fastSessionConfig())

	crasher, err := s.SpawnWorker(context.Background(), "crasher", exec.Command("sh", "-c", "sleep 0.05; exit 1"))
	if err != nil {
		t.Fatalf("SpawnWorker crasher: %v", err)
	}
	survivor, err := s.SpawnWorker(context.Background(), "survivor", exec.Command("sleep", "30"))
	if err != nil {
		t.Fatalf("SpawnWorker survivor: %v", err)
	}
	crasher.MarkReady()
	survivor.MarkReady()

	ch, err := shm.New(4, 64)
	if err != nil {
		t.Fatalf("shm.New: %v", err)
	}
	s.RegisterChannel("crasher->survivor", ch)

	select {
	case <-survivor.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("expected the survivor worker to be stopped within the grace period after the peer crash")
	}

	if s.Err() == nil {
		t.Fatal("expected Session.Err() to report the crash")
	}
	if s.CrashError() == nil || s.CrashError().NodeID != "crasher" {
		t.Fatalf("expected CrashError to identify the crashed node, got %+v", s.CrashError())
	}

	if _, err := ch.TryPublish(); err == nil {
		t.Fatal("expected the shared-memory channel to be destroyed after session crash teardown")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	s := NewSession("sess-4", fastSessionConfig())
	if _, err := s.SpawnWorker(context.Background(), "n1", exec.Command("sleep", "5")); err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s.Teardown()
			done <- struct{}{}
		}()
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("first Teardown did not complete")
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("concurrent Teardown calls did not both return")
	}
}

func TestNormalTeardownIsNotReportedAsCrash(t *testing.T) {
	s := NewSession("sess-5", fastSessionConfig())
	if _, err := s.SpawnWorker(context.Background(), "n1", exec.Command("sleep", "5")); err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}
	s.Teardown()
	if s.Err() != nil {
		t.Fatalf("expected no crash error after a normal Teardown, got %v", s.Err())
	}
}
