// Package scriptworker implements the out-of-process script NodeExecutor
// variant: a dedicated OS process runs the node's
// script, exchanging envelopes with the host over a shared-memory
// channel pair (host->worker and worker->host), supervised by a
// worker.Session that tears the whole pipeline session down fatally on
// any worker crash.
package scriptworker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/flowcore/runtime/internal/domain"
	"github.com/flowcore/runtime/internal/flowerr"
	"github.com/flowcore/runtime/internal/nodeexec"
	"github.com/flowcore/runtime/internal/worker"
	"github.com/flowcore/runtime/internal/worker/shm"
)

// Params configures a script-worker node, unmarshaled from the
// manifest's node params.
type Params struct {
	Command       string   `json:"command"`        // worker interpreter binary, e.g. "python3"
	Args          []string `json:"args,omitempty"`
	ScriptPath    string   `json:"script_path"`
	ChannelSlots  uint32   `json:"channel_slots,omitempty"`  // default 16, must end up power of two
	SlotPayloadKB uint32   `json:"slot_payload_kb,omitempty"` // default 256
}

func (p *Params) applyDefaults() {
	if p.ChannelSlots == 0 {
		p.ChannelSlots = 16
	}
	if p.SlotPayloadKB == 0 {
		p.SlotPayloadKB = 256
	}
}

// header is the JSON-encoded metadata written into each shm slot's fixed
// header region, mirroring domain.Envelope's kind-specific fields
// without its Payload (which lives in the slot's payload region).
type header struct {
	Kind      domain.Kind `json:"kind"`
	SessionID string      `json:"session_id"`
	Sequence  uint64      `json:"sequence"`
	TimestampUnixNano int64 `json:"ts"`

	Audio  *domain.AudioMeta  `json:"audio,omitempty"`
	Video  *domain.VideoMeta  `json:"video,omitempty"`
	Tensor *domain.TensorMeta `json:"tensor,omitempty"`
	Text   *domain.TextMeta   `json:"text,omitempty"`
	Binary *domain.BinaryMeta `json:"binary,omitempty"`
}

func encodeHeader(env *domain.Envelope, buf []byte) error {
	h := header{
		Kind: env.Kind, SessionID: env.SessionID, Sequence: env.Sequence,
		TimestampUnixNano: env.Timestamp.UnixNano(),
		Audio: env.Audio, Video: env.Video, Tensor: env.Tensor, Text: env.Text, Binary: env.Binary,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if len(data)+4 > len(buf) {
		return fmt.Errorf("encoded envelope header (%d bytes) exceeds slot header capacity (%d)", len(data), len(buf)-4)
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	return nil
}

func decodeHeader(buf []byte) (*header, error) {
	n := binary.LittleEndian.Uint32(buf[:4])
	if int(n)+4 > len(buf) {
		return nil, fmt.Errorf("corrupt slot header length %d", n)
	}
	var h header
	if err := json.Unmarshal(buf[4:4+n], &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Executor drives one script-worker process plus its host<->worker
// shared-memory channel pair. One Executor instance corresponds to one
// script node in the manifest.
type Executor struct {
	nodeType string
	params   Params

	session *worker.Session
	proc    *worker.Process
	toWorker   *shm.Channel // host publishes input envelopes here
	fromWorker *shm.Channel // worker publishes output envelopes here
}

// New constructs a scriptworker Executor. session is the pipeline run's
// worker.Session, shared across every script-worker node in that run so
// a crash in any one of them tears down the whole session.
func New(nodeType string, session *worker.Session) *Executor {
	return &Executor{nodeType: nodeType, session: session}
}

func (e *Executor) Initialize(ctx context.Context, rawParams json.RawMessage) error {
	var p Params
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return flowerr.Wrap(flowerr.KindNodeInit, err, "bad script_worker params").WithNode(e.nodeType)
	}
	if p.Command == "" || p.ScriptPath == "" {
		return flowerr.New(flowerr.KindNodeInit, "script_worker requires command and script_path").WithNode(e.nodeType)
	}
	p.applyDefaults()
	e.params = p

	slotPayload := p.SlotPayloadKB * 1024
	toWorker, err := shm.New(p.ChannelSlots, slotPayload)
	if err != nil {
		return flowerr.Wrap(flowerr.KindIPC, err, "create host->worker channel").WithNode(e.nodeType)
	}
	fromWorker, err := shm.New(p.ChannelSlots, slotPayload)
	if err != nil {
		toWorker.Destroy()
		return flowerr.Wrap(flowerr.KindIPC, err, "create worker->host channel").WithNode(e.nodeType)
	}
	toWorker.AddPublisher()
	toWorker.AddSubscriber() // the worker process is the subscriber
	fromWorker.AddPublisher() // the worker process is the publisher
	fromWorker.AddSubscriber()

	e.session.RegisterChannel(e.nodeType+":in", toWorker)
	e.session.RegisterChannel(e.nodeType+":out", fromWorker)
	e.toWorker = toWorker
	e.fromWorker = fromWorker

	cmd := exec.CommandContext(ctx, p.Command, append(p.Args,
		p.ScriptPath, "--in-channel", toWorker.Path(), "--out-channel", fromWorker.Path())...)

	proc, err := e.session.SpawnWorker(ctx, e.nodeType, cmd)
	if err != nil {
		return err
	}
	e.proc = proc

	if err := e.session.AwaitReady(ctx); err != nil {
		return err
	}
	return nil
}

// Execute publishes in on the host->worker channel and returns a
// Sequence that lazily pulls committed output slots off the
// worker->host channel until the worker signals end-of-results for
// this input (a slot committed with zero payload length).
func (e *Executor) Execute(ctx context.Context, in *domain.Envelope) (nodeexec.Sequence, error) {
	e.proc.MarkProcessing()
	defer e.proc.MarkIdle()

	if err := e.publish(ctx, in); err != nil {
		return nil, err
	}
	return &workerSequence{exec: e, ctx: ctx}, nil
}

func (e *Executor) publish(ctx context.Context, env *domain.Envelope) error {
	abort := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { close(abort) })
	defer stop()

	loan, err := e.toWorker.Publish(abort)
	if err != nil {
		return flowerr.Wrap(flowerr.KindIPC, err, "publish input envelope").WithNode(e.nodeType)
	}
	if err := encodeHeader(env, loan.Header()); err != nil {
		loan.Release()
		return flowerr.Wrap(flowerr.KindIPC, err, "encode envelope header").WithNode(e.nodeType)
	}
	n := copy(loan.Slice(), env.Payload)
	if n < len(env.Payload) {
		loan.Release()
		return flowerr.New(flowerr.KindIPC, "envelope payload exceeds channel slot capacity").WithNode(e.nodeType)
	}
	loan.Commit(n)
	return nil
}

// workerSequence adapts the worker->host channel into a nodeexec.Sequence,
// one Subscribe/Release cycle per Next call.
type workerSequence struct {
	exec   *Executor
	ctx    context.Context
	closed bool
}

// Next returns the next output envelope. A slot committed with zero
// length is the worker-side convention signaling the end of this
// Execute call's outputs.
func (s *workerSequence) Next(ctx context.Context) (*domain.Envelope, bool, error) {
	if s.closed {
		return nil, false, nil
	}

	abort := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { close(abort) })
	defer stop()

	loan, err := s.exec.fromWorker.Subscribe(abort)
	if err != nil {
		return nil, false, flowerr.Wrap(flowerr.KindIPC, err, "subscribe output envelope").WithNode(s.exec.nodeType)
	}
	defer loan.Release()

	if loan.CommittedLen() == 0 {
		s.closed = true
		return nil, false, nil
	}

	h, err := decodeHeader(loan.Header())
	if err != nil {
		return nil, false, flowerr.Wrap(flowerr.KindIPC, err, "decode envelope header").WithNode(s.exec.nodeType)
	}

	env := &domain.Envelope{
		Kind: h.Kind, SessionID: h.SessionID, Sequence: h.Sequence,
		Timestamp: time.Unix(0, h.TimestampUnixNano),
		Audio: h.Audio, Video: h.Video, Tensor: h.Tensor, Text: h.Text, Binary: h.Binary,
		Payload: append([]byte(nil), loan.Slice()[:loan.CommittedLen()]...),
	}
	return env, true, nil
}

func (s *workerSequence) Close() error {
	s.closed = true
	return nil
}

func (e *Executor) Cleanup(ctx context.Context) error {
	if e.toWorker != nil {
		e.toWorker.RemovePublisher()
		e.toWorker.RemoveSubscriber()
	}
	if e.fromWorker != nil {
		e.fromWorker.RemovePublisher()
		e.fromWorker.RemoveSubscriber()
	}
	return nil
}

func (e *Executor) Metadata() nodeexec.Metadata {
	return nodeexec.Metadata{Type: e.nodeType, Version: "1", Capabilities: []string{"script_worker", "shm_ipc"}}
}
