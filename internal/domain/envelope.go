package domain

import "time"

// Kind identifies the payload shape carried by an Envelope.
type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindTensor Kind = "tensor"
	KindText   Kind = "text"
	KindJSON   Kind = "json"
	KindBinary Kind = "binary"
)

// SampleFormat names the PCM sample encoding of an audio envelope.
type SampleFormat string

const (
	SampleFormatI16 SampleFormat = "i16"
	SampleFormatF32 SampleFormat = "f32"
)

// AudioMeta is the kind-specific header for KindAudio envelopes.
type AudioMeta struct {
	SampleRate   int          `json:"sample_rate"`
	Channels     int          `json:"channels"`
	SampleFormat SampleFormat `json:"sample_format"`
}

// PixelFormat names the pixel layout of a video frame.
type PixelFormat string

const (
	PixelFormatRGBA PixelFormat = "rgba"
	PixelFormatYUV420P PixelFormat = "yuv420p"
)

// VideoMeta is the kind-specific header for KindVideo envelopes.
type VideoMeta struct {
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	PixelFormat      PixelFormat `json:"pixel_format"`
	FrameNumber      int64       `json:"frame_number"`
	PresentationUs   int64       `json:"presentation_us"`
}

// DType names the element type of a tensor envelope.
type DType string

const (
	DTypeFloat32 DType = "f32"
	DTypeFloat64 DType = "f64"
	DTypeInt32   DType = "i32"
	DTypeInt64   DType = "i64"
	DTypeUint8   DType = "u8"
)

// TensorMeta is the kind-specific header for KindTensor envelopes.
type TensorMeta struct {
	Shape  []int64 `json:"shape"`
	DType  DType   `json:"dtype"`
	Layout string  `json:"layout,omitempty"` // e.g. "c_contiguous"
}

// TextMeta is the kind-specific header for KindText envelopes.
type TextMeta struct {
	Encoding string `json:"encoding,omitempty"` // default utf-8
	Language string `json:"language,omitempty"`
}

// BinaryMeta is the kind-specific header for KindBinary envelopes.
type BinaryMeta struct {
	MimeType string `json:"mime_type,omitempty"`
}

// Envelope is the unit of inter-node transfer: a fixed-layout header plus
// an opaque, contiguous payload. Exactly one of the kind-specific *Meta
// fields is populated, matching Kind.
//
// Envelopes flowing through in-process edges are owned exclusively by
// the current holder (move semantics — callers must not retain a
// reference after handing one to the next node). Envelopes flowing
// through shared-memory channels are read-only loans owned by the
// segment; see internal/worker/shm.
type Envelope struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Audio  *AudioMeta  `json:"audio,omitempty"`
	Video  *VideoMeta  `json:"video,omitempty"`
	Tensor *TensorMeta `json:"tensor,omitempty"`
	Text   *TextMeta   `json:"text,omitempty"`
	Binary *BinaryMeta `json:"binary,omitempty"`

	Payload []byte `json:"-"`
}

// PayloadSampleCount returns the number of audio samples per channel
// implied by Payload's length and the declared SampleFormat, used to
// check the "sample count is consistent with rate × channels × duration"
// invariant from the envelope contract.
func (e *Envelope) PayloadSampleCount() int {
	if e.Audio == nil {
		return 0
	}
	bytesPerSample := 2
	if e.Audio.SampleFormat == SampleFormatF32 {
		bytesPerSample = 4
	}
	denom := e.Audio.Channels * bytesPerSample
	if denom == 0 {
		return 0
	}
	return len(e.Payload) / denom
}

// Clone returns a deep copy of the envelope, including a fresh copy of
// Payload. Used when a node's output must be replicated to more than one
// downstream edge and ownership cannot be shared by reference (e.g. one
// downstream holds a shared-memory loan that must outlive the other).
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Payload != nil {
		clone.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Audio != nil {
		a := *e.Audio
		clone.Audio = &a
	}
	if e.Video != nil {
		v := *e.Video
		clone.Video = &v
	}
	if e.Tensor != nil {
		t := *e.Tensor
		t.Shape = append([]int64(nil), e.Tensor.Shape...)
		clone.Tensor = &t
	}
	if e.Text != nil {
		tx := *e.Text
		clone.Text = &tx
	}
	if e.Binary != nil {
		b := *e.Binary
		clone.Binary = &b
	}
	return &clone
}
