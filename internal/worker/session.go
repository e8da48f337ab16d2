package worker

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/logging"
	"github.com/flowcore/runtime/internal/worker/shm"
)

// SessionConfig controls spawn/readiness/teardown behavior.
type SessionConfig struct {
	InitTimeout  time.Duration // max time to wait for all workers to report Ready
	StopGrace    time.Duration // grace period before SIGKILL during teardown
	MaxWorkers   int           // 0 = unlimited (the default)
}

// DefaultSessionConfig returns sane defaults for process-level lifecycle
// operations (seconds-scale timeouts, not the sub-millisecond budget of
// the data path itself).
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InitTimeout: 10 * time.Second,
		StopGrace:   5 * time.Second,
	}
}

// Session owns every script-worker process and shared-memory channel
// spawned for one pipeline run. Any worker crash is fatal to the whole
// session: all other workers are stopped within the grace period, then
// killed, and every channel is destroyed.
type Session struct {
	ID     string
	cfg    SessionConfig

	mu       sync.Mutex
	workers  map[string]*Process // node id -> process
	channels map[string]*shm.Channel // edge key -> channel
	crashed  bool
	crashErr *flowerr.Error

	watchOnce sync.Once
	doneCh    chan struct{} // closed once crash teardown (if any) has completed
}

// NewSession constructs an empty Session for sessionID.
func NewSession(sessionID string, cfg SessionConfig) *Session {
	return &Session{
		ID:       sessionID,
		cfg:      cfg,
		workers:  make(map[string]*Process),
		channels: make(map[string]*shm.Channel),
		doneCh:   make(chan struct{}),
	}
}

// SpawnWorker starts a worker process for nodeID and registers it for
// crash supervision. Must be called before AwaitReady.
func (s *Session) SpawnWorker(ctx context.Context, nodeID string, cmd *exec.Cmd) (*Process, error) {
	if s.cfg.MaxWorkers > 0 && s.workerCount() >= s.cfg.MaxWorkers {
		return nil, flowerr.New(flowerr.KindProcess, "session worker cap reached").WithNode(nodeID)
	}

	p, err := Spawn(ctx, nodeID, cmd)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.workers[nodeID] = p
	s.mu.Unlock()

	go s.superviseOne(p)
	return p, nil
}

func (s *Session) workerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// superviseOne waits for a single worker's exit and triggers session
// teardown if it crashed — the "any worker crash terminates the entire
// session" policy.
func (s *Session) superviseOne(p *Process) {
	<-p.Done()
	if p.Crashed() {
		cause := flowerr.Wrap(flowerr.KindProcess, p.ExitErr(), "script worker crashed").WithNode(p.NodeID)
		s.triggerCrash(cause)
	}
}

func (s *Session) triggerCrash(cause *flowerr.Error) {
	s.mu.Lock()
	if s.crashed {
		s.mu.Unlock()
		return
	}
	s.crashed = true
	s.crashErr = cause
	s.mu.Unlock()

	logging.Op().Error("script worker crash, tearing down session",
		"session_id", s.ID, "node_id", cause.NodeID, "error", cause.Cause)
	s.Teardown()
}

// RegisterChannel tracks a shared-memory channel opened for one edge so
// Teardown can destroy it.
func (s *Session) RegisterChannel(edgeKey string, ch *shm.Channel) {
	s.mu.Lock()
	s.channels[edgeKey] = ch
	s.mu.Unlock()
}

// AwaitReady blocks until every registered worker reports Ready, the
// session's InitTimeout elapses, or ctx is cancelled. Gates data flow
// until every worker process has confirmed it is ready to receive input.
func (s *Session) AwaitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.InitTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.allReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return flowerr.New(flowerr.KindProcess, "workers did not become ready before init timeout").WithRetryable(false)
		case <-ticker.C:
		}
	}
}

func (s *Session) allReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.workers {
		if p.State() != StateReady && p.State() != StateProcessing {
			return false
		}
	}
	return true
}

// CrashError returns the error that triggered teardown, if the session
// crashed, identifying the node whose worker process failed.
func (s *Session) CrashError() *flowerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashErr
}

// Teardown stops every worker (graceful, then killed after StopGrace)
// and destroys every shared-memory channel. Idempotent and safe to call
// from both the crash path and a normal session-end path.
func (s *Session) Teardown() {
	s.watchOnce.Do(func() {
		defer close(s.doneCh)

		s.mu.Lock()
		workers := make([]*Process, 0, len(s.workers))
		for _, p := range s.workers {
			workers = append(workers, p)
		}
		channels := make([]*shm.Channel, 0, len(s.channels))
		for _, c := range s.channels {
			channels = append(channels, c)
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, p := range workers {
			wg.Add(1)
			go func(p *Process) {
				defer wg.Done()
				p.Stop(s.cfg.StopGrace)
			}(p)
		}
		wg.Wait()

		for _, c := range channels {
			if err := c.Destroy(); err != nil {
				logging.Op().Warn("failed to destroy shm channel", "session_id", s.ID, "error", err)
			}
		}
	})
	<-s.doneCh
}

// Err returns a non-nil error once the session has crashed, wrapping a
// KindProcess *flowerr.Error that identifies the crashed node.
func (s *Session) Err() error {
	if e := s.CrashError(); e != nil {
		return fmt.Errorf("%w", e)
	}
	return nil
}
