// Package rxring provides the single-producer/single-consumer receive ring.
// The producer is the driver-layer RX event path, the consumer the
// application drain API; each owns exactly one cursor, so no lock is needed.
// Atomic cursor updates publish writes in order, standing in for the
// volatile index stores the discipline requires.
package rxring

import (
	"sync/atomic"

	"github.com/sp-codialist/canbsp/internal/can"
)

// Ring is a fixed-capacity message buffer. Capacity must be a power of two
// so occupancy and slot selection reduce to masked subtraction.
//
// Overrun policy is drop-newest: a frame arriving while full is discarded
// and counted; buffered frames are never overwritten.
type Ring struct {
	buf      []can.Message
	mask     uint32
	widx     atomic.Uint32 // written only by the producer
	ridx     atomic.Uint32 // written only by the consumer
	overruns atomic.Uint32
}

// New creates a ring with the given capacity; ok is false unless capacity is
// a positive power of two.
func New(capacity int) (*Ring, bool) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, false
	}
	return &Ring{buf: make([]can.Message, capacity), mask: uint32(capacity - 1)}, true
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the current occupancy.
func (r *Ring) Len() int {
	return int(r.widx.Load() - r.ridx.Load())
}

// Push stores a message; producer side only. Returns false and increments the
// overrun counter when the ring is full.
func (r *Ring) Push(m can.Message) bool {
	w := r.widx.Load()
	if w-r.ridx.Load() == uint32(len(r.buf)) {
		r.overruns.Add(1)
		return false
	}
	r.buf[w&r.mask] = m
	r.widx.Store(w + 1) // publish after the slot write
	return true
}

// Pop removes the oldest message; consumer side only.
func (r *Ring) Pop() (can.Message, bool) {
	rd := r.ridx.Load()
	if rd == r.widx.Load() {
		return can.Message{}, false
	}
	m := r.buf[rd&r.mask]
	r.ridx.Store(rd + 1)
	return m, true
}

// Overruns returns the number of frames discarded on arrival while full.
func (r *Ring) Overruns() uint32 { return r.overruns.Load() }
