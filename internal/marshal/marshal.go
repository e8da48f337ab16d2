// Package marshal implements the zero-copy discipline at executor
// boundaries: array/tensor payloads cross as borrowed
// buffers when the foreign ABI allows it, scalar/mapping metadata is
// converted eagerly, and round-tripping preserves sample counts,
// dtypes, shapes, and timestamps bit-exact.
package marshal

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/flowcore/runtime/internal/domain"
)

// ToGoja converts an Envelope's metadata into a goja object and wraps
// Payload as a borrowed goja.ArrayBuffer — goja's ArrayBuffer is backed
// by the Go byte slice directly, so no payload copy is made.
func ToGoja(vm *goja.Runtime, env *domain.Envelope) (*goja.Object, error) {
	obj := vm.NewObject()
	if err := obj.Set("kind", string(env.Kind)); err != nil {
		return nil, err
	}
	if err := obj.Set("sessionId", env.SessionID); err != nil {
		return nil, err
	}
	if err := obj.Set("sequence", env.Sequence); err != nil {
		return nil, err
	}
	if err := obj.Set("timestampUnixNano", env.Timestamp.UnixNano()); err != nil {
		return nil, err
	}

	switch env.Kind {
	case domain.KindAudio:
		if env.Audio != nil {
			if err := obj.Set("sampleRate", env.Audio.SampleRate); err != nil {
				return nil, err
			}
			if err := obj.Set("channels", env.Audio.Channels); err != nil {
				return nil, err
			}
			if err := obj.Set("sampleFormat", string(env.Audio.SampleFormat)); err != nil {
				return nil, err
			}
		}
	case domain.KindTensor:
		if env.Tensor != nil {
			if err := obj.Set("shape", env.Tensor.Shape); err != nil {
				return nil, err
			}
			if err := obj.Set("dtype", string(env.Tensor.DType)); err != nil {
				return nil, err
			}
		}
	}

	// Borrowed view: goja.NewArrayBuffer takes ownership of the slice's
	// backing array without copying it.
	if err := obj.Set("payload", vm.NewArrayBuffer(env.Payload)); err != nil {
		return nil, err
	}
	return obj, nil
}

// FromGoja reconstructs an Envelope from a goja object shaped like the
// one ToGoja produces, preserving the original kind-specific metadata
// (passed in as "template" since goja generators typically mutate only
// the payload, not the envelope shape).
func FromGoja(vm *goja.Runtime, template *domain.Envelope, obj *goja.Object) (*domain.Envelope, error) {
	out := template.Clone()

	payloadVal := obj.Get("payload")
	if payloadVal == nil || goja.IsUndefined(payloadVal) {
		return nil, fmt.Errorf("script output missing payload")
	}
	buf, ok := payloadVal.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, fmt.Errorf("script output payload is not an ArrayBuffer")
	}
	out.Payload = buf.Bytes()

	if seqVal := obj.Get("sequence"); seqVal != nil && !goja.IsUndefined(seqVal) {
		out.Sequence = uint64(seqVal.ToInteger())
	}
	return out, nil
}
