package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// ring is a lock-free SPSC byte-stream ring: one producer, one consumer,
// sized at build time. Producers write size-prefixed frames; consumers
// read size then payload, per spec.md §4.7.
type ring struct {
	buf        []byte
	capacity   uint64
	writeIdx   atomic.Uint64
	readIdx    atomic.Uint64
	wakeup     *AdaptiveSpinMutex
	wakeupCond chan struct{}
}

func newRing(buf []byte) *ring {
	return &ring{
		buf:        buf,
		capacity:   uint64(len(buf)),
		wakeup:     &AdaptiveSpinMutex{},
		wakeupCond: make(chan struct{}, 1),
	}
}

func (r *ring) free() uint64 {
	return r.capacity - (r.writeIdx.Load() - r.readIdx.Load())
}

func (r *ring) used() uint64 {
	return r.writeIdx.Load() - r.readIdx.Load()
}

// Send writes a size-prefixed frame. It returns an error if p doesn't
// currently fit; callers (Session's single writer) are expected to retry
// or block at a higher level rather than have the ring itself block.
//
// wakeup guards the write-index publish against the consumer's HasData
// peek: both sides touch r.buf without a memory fence otherwise, and the
// adaptive spin keeps the fast, uncontended path syscall-free.
func (r *ring) Send(p []byte) error {
	need := uint64(4 + len(p))
	if need > r.capacity {
		return fmt.Errorf("shm: frame of %d bytes exceeds ring capacity %d", len(p), r.capacity)
	}
	if r.free() < need {
		return errRingFull
	}

	r.wakeup.Lock()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(p)))
	r.writeBytes(hdr[:])
	r.writeBytes(p)
	r.wakeup.Unlock()

	select {
	case r.wakeupCond <- struct{}{}:
	default:
	}
	return nil
}

func (r *ring) writeBytes(p []byte) {
	idx := r.writeIdx.Load()
	for _, b := range p {
		r.buf[idx%r.capacity] = b
		idx++
	}
	r.writeIdx.Store(idx)
}

var errRingFull = fmt.Errorf("shm: ring full")

// HasData reports whether at least one complete size-prefixed frame is
// available, per spec.md's has_data operation.
func (r *ring) HasData() bool {
	if r.used() < 4 {
		return false
	}
	size := r.peekSize()
	return r.used() >= uint64(4+size)
}

func (r *ring) peekSize() uint32 {
	idx := r.readIdx.Load()
	var hdr [4]byte
	for i := range hdr {
		hdr[i] = r.buf[(idx+uint64(i))%r.capacity]
	}
	return binary.LittleEndian.Uint32(hdr[:])
}

// TryReceive pops the next complete frame if one is available.
func (r *ring) TryReceive() ([]byte, bool) {
	r.wakeup.Lock()
	defer r.wakeup.Unlock()
	if !r.HasData() {
		return nil, false
	}
	size := r.peekSize()
	idx := r.readIdx.Load() + 4
	out := make([]byte, size)
	for i := range out {
		out[i] = r.buf[(idx+uint64(i))%r.capacity]
	}
	r.readIdx.Store(idx + uint64(size))
	return out, true
}

// WaitData blocks on the ring's wakeup channel (signalled by Send) until
// HasData or stop fires.
func (r *ring) WaitData(stop <-chan struct{}) bool {
	for {
		if r.HasData() {
			return true
		}
		select {
		case <-r.wakeupCond:
			continue
		case <-stop:
			return false
		}
	}
}

// WaitDataCtx is WaitData plus a ctx deadline/cancellation, so a per-call
// ReadFrame honors its context the way the tcp transport's read deadline
// does.
func (r *ring) WaitDataCtx(ctx context.Context, stop <-chan struct{}) bool {
	for {
		if r.HasData() {
			return true
		}
		select {
		case <-r.wakeupCond:
			continue
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
