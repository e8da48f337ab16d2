// Package scriptinproc implements the embedded-script in-process
// NodeExecutor variant: a goja.Runtime hosted in the
// host process, with the interpreter lock held only for the duration of
// one Execute call and lazy script-side generators fully drained into
// host envelopes before returning.
package scriptinproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/marshal"
	"github.com/flowcore/runtime/internal/nodeexec"
)

type scriptParams struct {
	Source string `json:"source"` // JS source defining a top-level `execute(envelope)` function
}

// Executor hosts one goja.Runtime per node instance. mu is the
// interpreter global lock: held only across a single
// Execute call, never across the node's whole lifetime, so other goja
// executors in the same process (one per script-in-proc node) can run
// truly concurrently with each other even though each individually
// serializes its own calls.
type Executor struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	execFn   goja.Callable
	nodeType string
}

// New constructs a scriptinproc Executor for the given node type label
// (used only for Metadata/logging; the script source is supplied via
// Initialize's params).
func New(nodeType string) *Executor {
	return &Executor{nodeType: nodeType}
}

func (e *Executor) Initialize(ctx context.Context, params json.RawMessage) error {
	var sp scriptParams
	if err := json.Unmarshal(params, &sp); err != nil {
		return flowerr.Wrap(flowerr.KindNodeInit, err, "bad script_inproc params")
	}

	vm := goja.New()
	if _, err := vm.RunString(sp.Source); err != nil {
		return flowerr.Wrap(flowerr.KindNodeInit, err, "script compile failed")
	}
	fnVal := vm.Get("execute")
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return flowerr.New(flowerr.KindNodeInit, "script must define a top-level execute(envelope) function")
	}

	e.vm = vm
	e.execFn = fn
	return nil
}

// Execute hands one input envelope to the script's execute() and drains
// whatever it returns (a single object, an array of objects, or a
// generator/iterable of objects) into host envelopes before returning —
// the host-side contract never exposes a live script generator past
// Execute's return.
func (e *Executor) Execute(ctx context.Context, in *domain.Envelope) (nodeexec.Sequence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inObj, err := marshal.ToGoja(e.vm, in)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindNodeExec, err, "marshal input to script")
	}

	result, err := e.execFn(goja.Undefined(), inObj)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindNodeExec, err, "script execute() threw")
	}

	outs, err := e.drain(in, result)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindNodeExec, err, "drain script output")
	}
	return nodeexec.NewSliceSequence(outs...), nil
}

// drain normalizes the script's return value (object | array | iterable)
// into a slice of host Envelopes, consuming any iterator fully.
func (e *Executor) drain(template *domain.Envelope, result goja.Value) ([]*domain.Envelope, error) {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}

	if arr, ok := result.Export().([]interface{}); ok {
		var out []*domain.Envelope
		for _, item := range arr {
			obj, ok := e.vm.ToValue(item).(*goja.Object)
			if !ok {
				continue
			}
			env, err := marshal.FromGoja(e.vm, template, obj)
			if err != nil {
				return nil, err
			}
			out = append(out, env)
		}
		return out, nil
	}

	if obj, ok := result.(*goja.Object); ok {
		if iterFn, ok := goja.AssertFunction(obj.Get("next")); ok {
			return e.drainIterator(template, obj, iterFn)
		}
		env, err := marshal.FromGoja(e.vm, template, obj)
		if err != nil {
			return nil, err
		}
		return []*domain.Envelope{env}, nil
	}

	return nil, fmt.Errorf("unsupported script return shape")
}

func (e *Executor) drainIterator(template *domain.Envelope, iter *goja.Object, next goja.Callable) ([]*domain.Envelope, error) {
	var out []*domain.Envelope
	for {
		res, err := next(iter)
		if err != nil {
			return out, err
		}
		resObj, ok := res.(*goja.Object)
		if !ok {
			break
		}
		if done := resObj.Get("done"); done != nil && done.ToBoolean() {
			break
		}
		val := resObj.Get("value")
		valObj, ok := val.(*goja.Object)
		if !ok {
			continue
		}
		env, err := marshal.FromGoja(e.vm, template, valObj)
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (e *Executor) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm = nil
	e.execFn = nil
	return nil
}

func (e *Executor) Metadata() nodeexec.Metadata {
	return nodeexec.Metadata{Type: e.nodeType, Version: "1", Capabilities: []string{"script_inproc", "goja"}}
}
