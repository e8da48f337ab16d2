// Package nodeexec defines the single NodeExecutor contract shared by
// all four executor variants (native, embedded-script, script-worker,
// remote) and the lazy output Sequence that Execute returns.
package nodeexec

import (
	"context"
	"encoding/json"

	"github.com/flowcore/runtime/internal/domain"
)

// Metadata describes an executor's identity and capabilities, returned
// by Executor.Metadata().
type Metadata struct {
	Type         string
	Version      string
	Capabilities []string
}

// Sequence is a lazy, finite, pull-based stream of output envelopes
// produced by one Execute call. Callers MUST drive it to completion (or
// call Close to explicitly abandon it) before issuing the next Execute
// on the same node instance — the contract forbids re-entrant Execute.
type Sequence interface {
	// Next returns the next envelope, or ok=false when the sequence is
	// exhausted. An error aborts the sequence.
	Next(ctx context.Context) (env *domain.Envelope, ok bool, err error)
	// Close releases any resources held by the sequence (e.g. drains a
	// generator, releases a shared-memory loan). Safe to call after
	// Next has already returned ok=false.
	Close() error
}

// Executor is the polymorphic contract every node-execution variant
// implements: native in-process, embedded-script in-process,
// out-of-process script worker, remote.
//
// Initialize is idempotent and called exactly once before the first
// Execute; Cleanup exactly once after the last. Implementations need
// not be internally parallel — they may be driven from any scheduling
// goroutine, but never concurrently with themselves.
type Executor interface {
	Initialize(ctx context.Context, params json.RawMessage) error
	Execute(ctx context.Context, in *domain.Envelope) (Sequence, error)
	Cleanup(ctx context.Context) error
	Metadata() Metadata
}

// SliceSequence adapts a pre-computed slice of envelopes (the common
// case: a node that yields zero, one, or a small fixed number of
// outputs per input) into a Sequence.
type SliceSequence struct {
	envs []*domain.Envelope
	i    int
}

// NewSliceSequence wraps envs as a Sequence.
func NewSliceSequence(envs ...*domain.Envelope) *SliceSequence {
	return &SliceSequence{envs: envs}
}

func (s *SliceSequence) Next(ctx context.Context) (*domain.Envelope, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.i >= len(s.envs) {
		return nil, false, nil
	}
	e := s.envs[s.i]
	s.i++
	return e, true, nil
}

func (s *SliceSequence) Close() error { return nil }

// Drain pulls every remaining envelope from seq into a slice. Used by
// the scheduler to collect each Execute call's outputs, and by tests.
func Drain(ctx context.Context, seq Sequence) ([]*domain.Envelope, error) {
	defer seq.Close()
	var out []*domain.Envelope
	for {
		e, ok, err := seq.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}
