// Package shm implements the shared-memory publish/subscribe channel
// used between the host and an out-of-process script worker: a fixed
// power-of-two ring of envelope slots, backed by an mmap'd temp file,
// lock-free on the hot path via atomic slot-state CAS.
package shm

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/flowcore/runtime/internal/flowerr"
)

// slotState values, stored in Channel.states[i].
const (
	slotFree      uint32 = iota // available for Publish to loan
	slotLoaned                  // loaned to a publisher, not yet committed
	slotCommitted                // committed, waiting for subscribers to read
	slotReading                 // a subscriber holds a read loan
)

// headerSize is the fixed, 256-byte-aligned envelope header size (kind
// tag, size, session id, sequence, timestamp ns, kind-specific
// metadata). The shm channel reserves this much space
// ahead of each slot's payload region.
const headerSize = 256

// Channel is a fixed-capacity, single-segment shared-memory ring
// buffer. Capacity must be a power of two. Publishers and subscribers
// are independently reference-counted; RemovePublisher/RemoveSubscriber
// destroy the segment once both counts reach zero.
type Channel struct {
	capacity   uint32
	slotSize   uint32 // headerSize + payload capacity
	mem        []byte // mmap'd region
	file       *os.File
	states     []atomic.Uint32
	lens       []atomic.Uint32 // committed payload length per slot
	writeIdx   atomic.Uint64
	readIdx    atomic.Uint64
	publishers atomic.Int32
	subscribers atomic.Int32
	closed     atomic.Bool
	notifyC    chan struct{} // best-effort wakeup for blocked Publish/Subscribe
}

// New creates a shared-memory segment sized for capacity slots of
// payloadSize bytes each (plus the fixed header). capacity must be a
// power of two, matching the channel contract.
func New(capacity uint32, payloadSize uint32) (*Channel, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, flowerr.New(flowerr.KindIPC, "channel capacity must be a power of two")
	}

	slotSize := headerSize + payloadSize
	total := int64(slotSize) * int64(capacity)

	f, err := os.CreateTemp("", "flowcore-shm-*")
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindIPC, err, "create shm backing file")
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, flowerr.Wrap(flowerr.KindIPC, err, "size shm backing file")
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, flowerr.Wrap(flowerr.KindIPC, err, "mmap shm segment")
	}

	c := &Channel{
		capacity: capacity,
		slotSize: slotSize,
		mem:      mem,
		file:     f,
		states:   make([]atomic.Uint32, capacity),
		lens:     make([]atomic.Uint32, capacity),
		notifyC:  make(chan struct{}, 1),
	}
	return c, nil
}

// Path returns the backing file path, passed to the worker process so
// it can mmap the same segment.
func (c *Channel) Path() string { return c.file.Name() }

// AddPublisher / AddSubscriber / RemovePublisher / RemoveSubscriber
// maintain independent reference counts for each side of the channel;
// the channel is destroyed when a Remove call leaves both at zero.
func (c *Channel) AddPublisher()  { c.publishers.Add(1) }
func (c *Channel) AddSubscriber() { c.subscribers.Add(1) }

func (c *Channel) RemovePublisher() {
	if c.publishers.Add(-1) <= 0 {
		c.maybeDestroy()
	}
}

func (c *Channel) RemoveSubscriber() {
	if c.subscribers.Add(-1) <= 0 {
		c.maybeDestroy()
	}
}

func (c *Channel) maybeDestroy() {
	if c.publishers.Load() <= 0 && c.subscribers.Load() <= 0 {
		c.Destroy()
	}
}

// Loan is a slot handle returned by Publish (write access) or Subscribe
// (read-only access).
type Loan struct {
	ch   *Channel
	slot uint32
}

// Slice returns the slot's whole payload region, sized to the slot's
// capacity on both the Publish and the Subscribe side; a subscriber
// trims it to CommittedLen itself.
func (l *Loan) Slice() []byte {
	off := int(l.slot) * int(l.ch.slotSize)
	return l.ch.mem[off+headerSize : off+int(l.ch.slotSize)]
}

// Header returns the slot's fixed headerSize-byte region, reserved for
// the envelope's kind-specific metadata (JSON-encoded by the caller,
// e.g. internal/nodeexec/scriptworker) ahead of the opaque payload.
func (l *Loan) Header() []byte {
	off := int(l.slot) * int(l.ch.slotSize)
	return l.ch.mem[off : off+headerSize]
}

// HeaderSize is the fixed header region size reserved ahead of each
// slot's payload, exported so callers can size-check their encoded
// headers before writing.
const HeaderSize = headerSize

// ErrFull is returned by TryPublish when no slot is free.
var ErrFull = flowerr.New(flowerr.KindIPC, "channel at capacity").WithRetryable(true)

// Publish blocks until a free slot is available, loans it for writing,
// and returns the Loan. This is the blocking default: the upstream
// publisher stalls when the channel is at capacity, which is how
// backpressure propagates backward through the DAG without the
// scheduler needing to model flow rates.
func (c *Channel) Publish(abort <-chan struct{}) (*Loan, error) {
	for {
		if l, err := c.TryPublish(); err != ErrFull {
			return l, err
		}
		select {
		case <-c.notifyC:
		case <-abort:
			return nil, flowerr.New(flowerr.KindIPC, "publish aborted").WithRetryable(false)
		}
	}
}

// TryPublish is the non-blocking variant: returns ErrFull immediately
// if no slot is free instead of waiting.
func (c *Channel) TryPublish() (*Loan, error) {
	if c.closed.Load() {
		return nil, flowerr.New(flowerr.KindIPC, "channel closed")
	}
	idx := c.writeIdx.Load()
	slot := uint32(idx % uint64(c.capacity))
	if !c.states[slot].CompareAndSwap(slotFree, slotLoaned) {
		return nil, ErrFull
	}
	c.writeIdx.Add(1)
	return &Loan{ch: c, slot: slot}, nil
}

// Commit publishes the written bytes (length n within the loan's
// capacity) and makes them visible to subscribers. Commit is the
// publication point referenced by the channel contract.
func (l *Loan) Commit(n int) {
	l.ch.lens[l.slot].Store(uint32(n))
	l.ch.states[l.slot].Store(slotCommitted)
	select {
	case l.ch.notifyC <- struct{}{}:
	default:
	}
}

// Subscribe blocks until a committed slot is available and returns a
// read-only Loan. Release frees the slot once the caller is done.
func (c *Channel) Subscribe(abort <-chan struct{}) (*Loan, error) {
	for {
		if l, err := c.TrySubscribe(); err != ErrFull {
			return l, err
		}
		select {
		case <-c.notifyC:
		case <-abort:
			return nil, flowerr.New(flowerr.KindIPC, "subscribe aborted").WithRetryable(false)
		}
	}
}

// TrySubscribe is the non-blocking variant, reusing ErrFull's sentinel
// to mean "nothing committed yet".
func (c *Channel) TrySubscribe() (*Loan, error) {
	if c.closed.Load() {
		return nil, flowerr.New(flowerr.KindIPC, "channel closed")
	}
	idx := c.readIdx.Load()
	slot := uint32(idx % uint64(c.capacity))
	if !c.states[slot].CompareAndSwap(slotCommitted, slotReading) {
		return nil, ErrFull
	}
	c.readIdx.Add(1)
	return &Loan{ch: c, slot: slot}, nil
}

// CommittedLen returns the number of bytes Commit wrote for this slot.
func (l *Loan) CommittedLen() int {
	return int(l.ch.lens[l.slot].Load())
}

// Release frees a subscriber's read loan, making the slot available
// again for Publish. Readers never hold a slot past this call.
func (l *Loan) Release() {
	l.ch.states[l.slot].Store(slotFree)
	select {
	case l.ch.notifyC <- struct{}{}:
	default:
	}
}

// Outstanding returns the number of slots currently loaned-but-not-
// committed plus committed-but-not-released, a quantity bounded by
// capacity at all times.
func (c *Channel) Outstanding() int {
	n := 0
	for i := range c.states {
		switch c.states[i].Load() {
		case slotLoaned, slotCommitted, slotReading:
			n++
		}
	}
	return n
}

// Destroy unmaps and removes the backing segment. Idempotent.
func (c *Channel) Destroy() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.mem != nil {
		err = unix.Munmap(c.mem)
		c.mem = nil
	}
	c.file.Close()
	os.Remove(c.file.Name())
	return err
}

// String is for log/debug output only.
func (c *Channel) String() string {
	return fmt.Sprintf("shm.Channel{capacity=%d, slotSize=%d}", c.capacity, c.slotSize)
}
