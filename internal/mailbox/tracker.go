// Package mailbox tracks which user transmission occupies each hardware TX
// mailbox between submission and the completion event.
package mailbox

import "sync"

type slot struct {
	active bool
	txID   uint32
	// skip counts completion events already accounted for by Exchange;
	// Complete consumes one instead of clearing the slot.
	skip uint8
}

// Tracker is a fixed array of mailbox slots. It is touched from the driver
// event path and from the best-effort submission attempt at the end of
// Transmit, so all access goes through one short-lived lock.
type Tracker struct {
	mu    sync.Mutex
	slots []slot
}

// New creates a tracker for n hardware mailboxes.
func New(n int) *Tracker {
	return &Tracker{slots: make([]slot, n)}
}

// Size returns the number of tracked mailboxes.
func (t *Tracker) Size() int { return len(t.slots) }

// Complete clears mailbox mb and returns the txID that occupied it. ok is
// false for an out-of-range index, an idle slot (spurious completion), or a
// completion that Exchange already reported.
func (t *Tracker) Complete(mb int) (txID uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mb < 0 || mb >= len(t.slots) || !t.slots[mb].active {
		return 0, false
	}
	if t.slots[mb].skip > 0 {
		t.slots[mb].skip--
		return 0, false
	}
	txID = t.slots[mb].txID
	t.slots[mb] = slot{}
	return txID, true
}

// Exchange installs txID as the occupant of mailbox mb even when the slot is
// still marked active. An active slot means the driver layer reused the
// mailbox before its completion event was dispatched; the previous occupant
// is returned so the caller can report it completed, and the stale event is
// marked to be swallowed by Complete.
func (t *Tracker) Exchange(mb int, txID uint32) (old uint32, hadOld bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mb < 0 || mb >= len(t.slots) {
		return 0, false
	}
	if t.slots[mb].active {
		old = t.slots[mb].txID
		hadOld = true
		t.slots[mb].txID = txID
		t.slots[mb].skip++
		return old, true
	}
	t.slots[mb] = slot{active: true, txID: txID}
	return 0, false
}

// Active returns the number of occupied mailboxes.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s.active {
			n++
		}
	}
	return n
}

// Reset clears every slot; used when the instance stops.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for i := range t.slots {
		t.slots[i] = slot{}
	}
	t.mu.Unlock()
}
