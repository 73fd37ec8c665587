// Package txq implements the fixed-capacity TX priority queue engine: an
// entry pool shared by N per-priority circular queues, with a bitmap of
// non-empty levels so highest-priority selection is a single bit scan.
//
// All state is allocated once at construction; Enqueue/PopHighest/Remove
// never allocate. The mutex is held only across index arithmetic, never
// across driver-layer calls, which keeps the critical sections as short as
// the interrupt-masked sections they stand in for.
package txq

import (
	"errors"
	"math/bits"
	"sync"

	"github.com/sp-codialist/canbsp/internal/can"
)

var (
	ErrFull        = errors.New("txq: priority queue full")
	ErrBadPriority = errors.New("txq: priority out of range")
	ErrBadConfig   = errors.New("txq: invalid depth/levels configuration")
)

// entry is one pool slot. A slot is in use from Enqueue until Release (after
// submission to hardware) or until cancellation removes it from its queue.
type entry struct {
	msg   can.Message
	txID  uint32
	prio  uint8
	inUse bool
}

// Manager owns the entry pool and one circular index queue per priority
// level. Priority 0 drains first; within a level order is strict FIFO.
type Manager struct {
	mu      sync.Mutex
	entries []entry
	ring    []uint16 // levels * capPer entry indices, level-major
	head    []uint16 // per level
	count   []uint16 // per level
	capPer  uint16
	levels  uint8
	bitmap  uint32 // bit L set iff count[L] > 0
	used    int
}

// New creates a Manager with the given total pool depth split evenly across
// the given number of priority levels. Levels must be 2, 4 or 8 and depth a
// positive multiple of levels; the per-level partition is deliberate
// back-pressure so one traffic class cannot exhaust the pool for the others.
func New(depth, levels int) (*Manager, error) {
	switch levels {
	case 2, 4, 8:
	default:
		return nil, ErrBadConfig
	}
	if depth <= 0 || depth%levels != 0 || depth/levels > 0xFFFF {
		return nil, ErrBadConfig
	}
	return &Manager{
		entries: make([]entry, depth),
		ring:    make([]uint16, depth),
		head:    make([]uint16, levels),
		count:   make([]uint16, levels),
		capPer:  uint16(depth / levels),
		levels:  uint8(levels),
	}, nil
}

// Depth returns the total entry pool capacity.
func (m *Manager) Depth() int { return len(m.entries) }

// Levels returns the number of priority levels.
func (m *Manager) Levels() int { return int(m.levels) }

// PerLevelCap returns the capacity of a single priority level.
func (m *Manager) PerLevelCap() int { return int(m.capPer) }

// Enqueue copies the message into a free pool entry and appends its index to
// the queue for prio. Fails with ErrFull when that level is at capacity or no
// pool entry is free.
func (m *Manager) Enqueue(msg can.Message, txID uint32, prio uint8) error {
	if prio >= m.levels {
		return ErrBadPriority
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count[prio] == m.capPer {
		return ErrFull
	}
	idx := -1
	for i := range m.entries {
		if !m.entries[i].inUse {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrFull
	}

	m.entries[idx] = entry{msg: msg, txID: txID, prio: prio, inUse: true}
	tail := (m.head[prio] + m.count[prio]) % m.capPer
	m.ring[uint16(prio)*m.capPer+tail] = uint16(idx)
	m.count[prio]++
	m.bitmap |= 1 << prio
	m.used++
	return nil
}

// PopHighest removes and returns the entry index at the head of the
// highest-priority non-empty queue. The caller owns the slot until it calls
// Release; ok is false when every queue is empty.
func (m *Manager) PopHighest() (idx int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bitmap == 0 {
		return 0, false
	}
	l := uint8(bits.TrailingZeros32(m.bitmap))
	idx = int(m.ring[uint16(l)*m.capPer+m.head[l]])
	m.head[l] = (m.head[l] + 1) % m.capPer
	m.count[l]--
	if m.count[l] == 0 {
		m.bitmap &^= 1 << l
	}
	return idx, true
}

// Snapshot returns the message, tx identifier and priority stored in a popped
// entry. Only valid between PopHighest and Release for that index.
func (m *Manager) Snapshot(idx int) (can.Message, uint32, uint8) {
	return m.entries[idx].msg, m.entries[idx].txID, m.entries[idx].prio
}

// Release returns a popped entry to the free pool.
func (m *Manager) Release(idx int) {
	m.mu.Lock()
	m.entries[idx].inUse = false
	m.used--
	m.mu.Unlock()
}

// Remove cancels the first queued (not yet submitted) entry carrying txID.
// Remaining entries in that level shift up to close the gap, preserving FIFO
// order. Entries already handed to hardware are out of reach of this layer.
func (m *Manager) Remove(txID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for l := uint8(0); l < m.levels; l++ {
		base := uint16(l) * m.capPer
		for i := uint16(0); i < m.count[l]; i++ {
			slot := (m.head[l] + i) % m.capPer
			e := m.ring[base+slot]
			if !m.entries[e].inUse || m.entries[e].txID != txID {
				continue
			}
			for j := i; j+1 < m.count[l]; j++ {
				from := (m.head[l] + j + 1) % m.capPer
				to := (m.head[l] + j) % m.capPer
				m.ring[base+to] = m.ring[base+from]
			}
			m.count[l]--
			if m.count[l] == 0 {
				m.bitmap &^= 1 << l
			}
			m.entries[e].inUse = false
			m.used--
			return true
		}
	}
	return false
}

// Used returns the number of occupied pool entries.
func (m *Manager) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Free returns the number of unoccupied pool entries.
func (m *Manager) Free() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) - m.used
}

// LevelLen returns the number of entries queued at the given priority.
func (m *Manager) LevelLen(prio uint8) int {
	if prio >= m.levels {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.count[prio])
}
