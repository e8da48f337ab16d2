// Package worker implements the out-of-process script worker executor
// substrate: one OS child process per script node, owned by the
// session that spawned it, torn down fatally on any worker crash.
// Process lifecycle bookkeeping follows a pool's idle/expiry tracking,
// generalized from idle-timeout eviction to crash-triggered teardown.
package worker

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/logging"
)

// State is a worker process's position in the Spawn → Initializing →
// Ready → Processing ↔ Ready → Stopping → Stopped lifecycle. A crash at
// any state after Spawn transitions to Errored.
type State string

const (
	StateSpawn        State = "spawn"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateErrored      State = "errored"
)

// Process wraps one script-worker child process.
type Process struct {
	NodeID string

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	exitErr  error
	doneCh   chan struct{} // closed when the process has exited, by any cause
}

// Spawn starts the worker command and begins tracking its exit.
// Readiness is reported separately by the worker on the control channel
// (see Session.AwaitReady); Spawn itself only starts the OS process.
func Spawn(ctx context.Context, nodeID string, cmd *exec.Cmd) (*Process, error) {
	p := &Process{NodeID: nodeID, state: StateSpawn, cmd: cmd, doneCh: make(chan struct{})}

	if err := cmd.Start(); err != nil {
		return nil, flowerr.Wrap(flowerr.KindProcess, err, "spawn script worker").WithNode(nodeID)
	}

	go p.watch()
	p.setState(StateInitializing)
	return p, nil
}

// watch blocks on cmd.Wait in its own goroutine: the parent observes
// child-exit notifications directly rather than polling for liveness.
func (p *Process) watch() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	if p.state != StateStopping && p.state != StateStopped {
		p.state = StateErrored
	} else {
		p.state = StateStopped
	}
	p.mu.Unlock()
	close(p.doneCh)
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the process's current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MarkReady transitions Initializing -> Ready once the worker reports
// readiness on the control channel.
func (p *Process) MarkReady() { p.setState(StateReady) }

// MarkProcessing / MarkIdle toggle Ready <-> Processing around each
// unit of work dispatched to this worker.
func (p *Process) MarkProcessing() { p.setState(StateProcessing) }
func (p *Process) MarkIdle()       { p.setState(StateReady) }

// Done returns a channel closed when the process has exited, for any
// reason (graceful stop or crash).
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// ExitErr returns the error cmd.Wait() returned, once Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Crashed reports whether the process ended in Errored rather than a
// requested Stop.
func (p *Process) Crashed() bool {
	return p.State() == StateErrored
}

// Stop asks the process to exit gracefully (SIGTERM), waiting up to
// grace before sending SIGKILL. Safe to call once the process has
// already exited.
func (p *Process) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.state == StateStopped || p.state == StateErrored {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	proc := p.cmd.Process
	p.mu.Unlock()

	if proc == nil {
		return
	}
	_ = proc.Signal(processTerminateSignal)

	select {
	case <-p.doneCh:
		return
	case <-time.After(grace):
		logging.Op().Warn("script worker exceeded stop grace period, killing", "node_id", p.NodeID)
		_ = proc.Kill()
		<-p.doneCh
	}
}
