// Package native implements the in-process NodeExecutor variant: a
// registry of Go functions keyed by node type, run directly in the host
// process with move semantics on envelopes.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/nodeexec"
)

// NodeFunc is a native node body: given initialized params and one input
// envelope, produce zero or more output envelopes. Long-running work
// must either be explicitly yieldable or dispatched to a blocking pool
// by the implementation — native.Executor does not enforce this itself.
type NodeFunc func(ctx context.Context, params json.RawMessage, in *domain.Envelope) ([]*domain.Envelope, error)

// Factory constructs a fresh NodeFunc-backed instance per NodeInstance
// (so per-instance state, e.g. a resampler's internal buffer, is not
// shared across concurrent pipeline runs).
type Factory func() NodeFunc

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a node-type factory to the process-wide registry.
// Concrete node bodies are external collaborators; this
// registry is how they plug into the native executor variant.
func Register(nodeType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[nodeType] = f
}

// Lookup returns the factory registered for nodeType, if any.
func Lookup(nodeType string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[nodeType]
	return f, ok
}

// Executor is the native in-process NodeExecutor.
type Executor struct {
	nodeType string
	fn       NodeFunc
	params   json.RawMessage
}

// New constructs a native Executor for nodeType, failing if no factory
// is registered.
func New(nodeType string) (*Executor, error) {
	f, ok := Lookup(nodeType)
	if !ok {
		return nil, flowerr.New(flowerr.KindNodeInit, fmt.Sprintf("no native factory registered for node type %q", nodeType))
	}
	return &Executor{nodeType: nodeType, fn: f()}, nil
}

func (e *Executor) Initialize(ctx context.Context, params json.RawMessage) error {
	e.params = params
	return nil
}

func (e *Executor) Execute(ctx context.Context, in *domain.Envelope) (nodeexec.Sequence, error) {
	outs, err := e.fn(ctx, e.params, in)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindNodeExec, err, "native execute failed")
	}
	return nodeexec.NewSliceSequence(outs...), nil
}

func (e *Executor) Cleanup(ctx context.Context) error { return nil }

func (e *Executor) Metadata() nodeexec.Metadata {
	return nodeexec.Metadata{Type: e.nodeType, Version: "1", Capabilities: []string{"native"}}
}
