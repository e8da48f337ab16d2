package marshal

import (
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/flowcore/runtime/internal/domain"
)

func TestAudioRoundTripIsBitExact(t *testing.T) {
	vm := goja.New()
	orig := &domain.Envelope{
		Kind:      domain.KindAudio,
		SessionID: "sess-1",
		Sequence:  42,
		Timestamp: time.Unix(0, 123456789),
		Audio:     &domain.AudioMeta{SampleRate: 48000, Channels: 2, SampleFormat: domain.SampleFormatI16},
		Payload:   []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
	}

	obj, err := ToGoja(vm, orig)
	if err != nil {
		t.Fatalf("ToGoja: %v", err)
	}
	out, err := FromGoja(vm, orig, obj)
	if err != nil {
		t.Fatalf("FromGoja: %v", err)
	}

	if out.Audio.SampleRate != orig.Audio.SampleRate ||
		out.Audio.Channels != orig.Audio.Channels ||
		out.Audio.SampleFormat != orig.Audio.SampleFormat {
		t.Fatalf("audio metadata not preserved: %+v vs %+v", out.Audio, orig.Audio)
	}
	if len(out.Payload) != len(orig.Payload) {
		t.Fatalf("payload length mismatch: %d vs %d", len(out.Payload), len(orig.Payload))
	}
	for i := range orig.Payload {
		if out.Payload[i] != orig.Payload[i] {
			t.Fatalf("payload byte %d mismatch: %x vs %x", i, out.Payload[i], orig.Payload[i])
		}
	}
}

func TestTensorRoundTripIsBitExact(t *testing.T) {
	vm := goja.New()
	orig := &domain.Envelope{
		Kind:    domain.KindTensor,
		Tensor:  &domain.TensorMeta{Shape: []int64{2, 3}, DType: domain.DTypeFloat32},
		Payload: []byte{10, 20, 30, 40, 50, 60, 70, 80},
	}

	obj, err := ToGoja(vm, orig)
	if err != nil {
		t.Fatalf("ToGoja: %v", err)
	}
	out, err := FromGoja(vm, orig, obj)
	if err != nil {
		t.Fatalf("FromGoja: %v", err)
	}

	if out.Tensor.DType != orig.Tensor.DType {
		t.Fatalf("dtype mismatch: %v vs %v", out.Tensor.DType, orig.Tensor.DType)
	}
	if len(out.Tensor.Shape) != len(orig.Tensor.Shape) {
		t.Fatalf("shape length mismatch")
	}
	for i := range orig.Tensor.Shape {
		if out.Tensor.Shape[i] != orig.Tensor.Shape[i] {
			t.Fatalf("shape[%d] mismatch: %d vs %d", i, out.Tensor.Shape[i], orig.Tensor.Shape[i])
		}
	}
	for i := range orig.Payload {
		if out.Payload[i] != orig.Payload[i] {
			t.Fatalf("payload byte %d mismatch", i)
		}
	}
}

func TestToGojaBorrowsPayloadWithoutCopy(t *testing.T) {
	vm := goja.New()
	payload := []byte{1, 2, 3}
	env := &domain.Envelope{Kind: domain.KindBinary, Binary: &domain.BinaryMeta{MimeType: "application/octet-stream"}, Payload: payload}

	obj, err := ToGoja(vm, env)
	if err != nil {
		t.Fatalf("ToGoja: %v", err)
	}
	buf, ok := obj.Get("payload").Export().(goja.ArrayBuffer)
	if !ok {
		t.Fatal("expected payload to export as ArrayBuffer")
	}
	// Mutating through the exported buffer must be visible on the
	// original slice: ToGoja's ArrayBuffer is a borrowed view, not a copy.
	buf.Bytes()[0] = 99
	if payload[0] != 99 {
		t.Fatal("expected ArrayBuffer to share backing storage with the original payload (zero-copy)")
	}
}

func TestFromGojaRejectsMissingPayload(t *testing.T) {
	vm := goja.New()
	obj := vm.NewObject()
	_, err := FromGoja(vm, &domain.Envelope{}, obj)
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestFromGojaPreservesUpdatedSequence(t *testing.T) {
	vm := goja.New()
	orig := &domain.Envelope{Kind: domain.KindBinary, Binary: &domain.BinaryMeta{}, Sequence: 1, Payload: []byte{1}}
	obj, err := ToGoja(vm, orig)
	if err != nil {
		t.Fatalf("ToGoja: %v", err)
	}
	if err := obj.Set("sequence", 7); err != nil {
		t.Fatalf("set sequence: %v", err)
	}
	out, err := FromGoja(vm, orig, obj)
	if err != nil {
		t.Fatalf("FromGoja: %v", err)
	}
	if out.Sequence != 7 {
		t.Fatalf("expected sequence 7, got %d", out.Sequence)
	}
}
