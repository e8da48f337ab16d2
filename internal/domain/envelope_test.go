package domain

import "testing"

func TestPayloadSampleCountI16(t *testing.T) {
	e := &Envelope{
		Kind:    KindAudio,
		Audio:   &AudioMeta{SampleRate: 16000, Channels: 2, SampleFormat: SampleFormatI16},
		Payload: make([]byte, 2*2*100), // 100 samples, 2 channels, 2 bytes/sample
	}
	if got := e.PayloadSampleCount(); got != 100 {
		t.Fatalf("expected 100 samples, got %d", got)
	}
}

func TestPayloadSampleCountF32(t *testing.T) {
	e := &Envelope{
		Kind:    KindAudio,
		Audio:   &AudioMeta{SampleRate: 48000, Channels: 1, SampleFormat: SampleFormatF32},
		Payload: make([]byte, 4*50),
	}
	if got := e.PayloadSampleCount(); got != 50 {
		t.Fatalf("expected 50 samples, got %d", got)
	}
}

func TestPayloadSampleCountNonAudioIsZero(t *testing.T) {
	e := &Envelope{Kind: KindTensor, Tensor: &TensorMeta{Shape: []int64{10}}}
	if got := e.PayloadSampleCount(); got != 0 {
		t.Fatalf("expected 0 for non-audio envelope, got %d", got)
	}
}

func TestCloneIsDeepCopy(t *testing.T) {
	orig := &Envelope{
		Kind:    KindTensor,
		Tensor:  &TensorMeta{Shape: []int64{1, 2, 3}, DType: DTypeFloat32},
		Payload: []byte{1, 2, 3},
	}
	clone := orig.Clone()

	clone.Payload[0] = 99
	clone.Tensor.Shape[0] = 99

	if orig.Payload[0] == 99 {
		t.Fatal("mutating clone payload affected original")
	}
	if orig.Tensor.Shape[0] == 99 {
		t.Fatal("mutating clone tensor shape affected original")
	}
}

func TestCloneNilReceiverReturnsNil(t *testing.T) {
	var e *Envelope
	if e.Clone() != nil {
		t.Fatal("expected nil clone of nil envelope")
	}
}

func TestCloneRoundTripsAudioMetaBitExact(t *testing.T) {
	orig := &Envelope{
		Kind:    KindAudio,
		Audio:   &AudioMeta{SampleRate: 44100, Channels: 2, SampleFormat: SampleFormatI16},
		Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	clone := orig.Clone()
	if clone.Audio.SampleRate != orig.Audio.SampleRate ||
		clone.Audio.Channels != orig.Audio.Channels ||
		clone.Audio.SampleFormat != orig.Audio.SampleFormat {
		t.Fatal("audio metadata not preserved bit-exact across clone")
	}
	for i := range orig.Payload {
		if clone.Payload[i] != orig.Payload[i] {
			t.Fatalf("payload byte %d mismatch: %x != %x", i, clone.Payload[i], orig.Payload[i])
		}
	}
}

func TestRuntimeHintIsValid(t *testing.T) {
	valid := []RuntimeHint{"", HintAuto, HintNative, HintScriptInproc, HintScriptWorker}
	for _, h := range valid {
		if !h.IsValid() {
			t.Errorf("expected %q to be valid", h)
		}
	}
	if RuntimeHint("bogus").IsValid() {
		t.Fatal("expected bogus hint to be invalid")
	}
}

func TestEdgeKeyDefaultPorts(t *testing.T) {
	e1 := Edge{From: "A", To: "B"}
	e2 := Edge{From: "A", To: "B", FromPort: "", ToPort: ""}
	if e1.EdgeKey() != e2.EdgeKey() {
		t.Fatal("expected identical edge keys for omitted ports")
	}
	e3 := Edge{From: "A", To: "B", FromPort: "out2"}
	if e1.EdgeKey() == e3.EdgeKey() {
		t.Fatal("expected distinct edge keys for distinct ports")
	}
}
