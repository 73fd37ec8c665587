package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_ExchangeComplete(t *testing.T) {
	tr := New(3)
	assert.Equal(t, 3, tr.Size())

	_, hadOld := tr.Exchange(0, 11)
	assert.False(t, hadOld)
	_, hadOld = tr.Exchange(2, 13)
	assert.False(t, hadOld)
	assert.Equal(t, 2, tr.Active())

	// out-of-range indices are ignored
	_, hadOld = tr.Exchange(-1, 99)
	assert.False(t, hadOld)
	_, hadOld = tr.Exchange(3, 99)
	assert.False(t, hadOld)
	assert.Equal(t, 2, tr.Active())

	txID, ok := tr.Complete(0)
	assert.True(t, ok)
	assert.Equal(t, uint32(11), txID)
	assert.Equal(t, 1, tr.Active())

	// spurious completion of an idle slot
	_, ok = tr.Complete(0)
	assert.False(t, ok)
	_, ok = tr.Complete(1)
	assert.False(t, ok)

	// slot is reusable after completion
	_, hadOld = tr.Exchange(0, 21)
	assert.False(t, hadOld)
}

func TestTracker_ExchangeOnActiveSlot(t *testing.T) {
	tr := New(1)
	_, hadOld := tr.Exchange(0, 7)
	assert.False(t, hadOld)

	// the driver reused the mailbox before completion dispatch: the old
	// occupant is surfaced and its in-flight event later swallowed
	old, hadOld := tr.Exchange(0, 8)
	assert.True(t, hadOld)
	assert.Equal(t, uint32(7), old)

	_, ok := tr.Complete(0) // stale event for txID 7
	assert.False(t, ok)

	txID, ok := tr.Complete(0) // real completion of txID 8
	assert.True(t, ok)
	assert.Equal(t, uint32(8), txID)
	assert.Equal(t, 0, tr.Active())
}

func TestTracker_Reset(t *testing.T) {
	tr := New(2)
	tr.Exchange(0, 1)
	tr.Exchange(1, 2)
	tr.Reset()
	assert.Equal(t, 0, tr.Active())
	_, ok := tr.Complete(0)
	assert.False(t, ok)
}
