package txq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp-codialist/canbsp/internal/can"
)

func msg(id uint32) can.Message {
	return can.Message{ID: id, IDKind: can.StandardID, Len: 1, Data: [8]byte{byte(id)}}
}

func TestNew_Validation(t *testing.T) {
	var testCases = []struct {
		name   string
		depth  int
		levels int
		expect error
	}{
		{name: "ok, 16/4", depth: 16, levels: 4},
		{name: "ok, 8/2", depth: 8, levels: 2},
		{name: "ok, 64/8", depth: 64, levels: 8},
		{name: "nok, 3 levels", depth: 12, levels: 3, expect: ErrBadConfig},
		{name: "nok, uneven split", depth: 10, levels: 4, expect: ErrBadConfig},
		{name: "nok, zero depth", depth: 0, levels: 2, expect: ErrBadConfig},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(tc.depth, tc.levels)
			if tc.expect != nil {
				assert.ErrorIs(t, err, tc.expect)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.depth, m.Depth())
			assert.Equal(t, tc.depth/tc.levels, m.PerLevelCap())
		})
	}
}

func TestManager_PriorityOrdering(t *testing.T) {
	m, err := New(16, 4)
	require.NoError(t, err)

	// enqueue (P2,A), (P0,B), (P1,C) -> drain order B, C, A
	require.NoError(t, m.Enqueue(msg(0xA), 10, 2))
	require.NoError(t, m.Enqueue(msg(0xB), 11, 0))
	require.NoError(t, m.Enqueue(msg(0xC), 12, 1))

	var order []uint32
	for {
		idx, ok := m.PopHighest()
		if !ok {
			break
		}
		_, txID, _ := m.Snapshot(idx)
		m.Release(idx)
		order = append(order, txID)
	}
	assert.Equal(t, []uint32{11, 12, 10}, order)
}

func TestManager_FIFOWithinLevel(t *testing.T) {
	m, err := New(16, 2)
	require.NoError(t, err)

	for i := uint32(0); i < 5; i++ {
		require.NoError(t, m.Enqueue(msg(0x100+i), 100+i, 1))
	}
	for i := uint32(0); i < 5; i++ {
		idx, ok := m.PopHighest()
		require.True(t, ok)
		_, txID, _ := m.Snapshot(idx)
		m.Release(idx)
		assert.Equal(t, 100+i, txID)
	}
}

func TestManager_CapacityInvariant(t *testing.T) {
	m, err := New(8, 4) // 2 slots per level
	require.NoError(t, err)

	require.NoError(t, m.Enqueue(msg(1), 1, 3))
	require.NoError(t, m.Enqueue(msg(2), 2, 3))
	usedBefore := m.Used()

	err = m.Enqueue(msg(3), 3, 3)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, usedBefore, m.Used(), "failed enqueue must not alter used count")

	// other levels still have headroom
	require.NoError(t, m.Enqueue(msg(4), 4, 0))

	// freeing one slot at the full level permits exactly one more enqueue
	idx, ok := m.PopHighest() // pops the P0 entry
	require.True(t, ok)
	m.Release(idx)
	require.True(t, m.Remove(1))
	require.NoError(t, m.Enqueue(msg(5), 5, 3))
	assert.ErrorIs(t, m.Enqueue(msg(6), 6, 3), ErrFull)
}

func TestManager_BitmapConsistency(t *testing.T) {
	m, err := New(32, 8)
	require.NoError(t, err)

	check := func() {
		t.Helper()
		for l := uint8(0); l < 8; l++ {
			want := m.LevelLen(l) > 0
			got := m.bitmap&(1<<l) != 0
			if want != got {
				t.Fatalf("bitmap bit %d = %v, count = %d", l, got, m.LevelLen(l))
			}
		}
	}

	ops := []struct {
		prio uint8
		pop  bool
	}{
		{prio: 3}, {prio: 3}, {prio: 0}, {prio: 7},
		{pop: true}, {pop: true}, {prio: 5}, {pop: true},
		{pop: true}, {pop: true},
	}
	var n uint32
	for _, op := range ops {
		if op.pop {
			if idx, ok := m.PopHighest(); ok {
				m.Release(idx)
			}
		} else {
			n++
			require.NoError(t, m.Enqueue(msg(n), n, op.prio))
		}
		check()
	}
	_, ok := m.PopHighest()
	assert.False(t, ok)
	assert.Zero(t, m.bitmap)
}

func TestManager_Remove(t *testing.T) {
	m, err := New(16, 4)
	require.NoError(t, err)

	require.NoError(t, m.Enqueue(msg(1), 6, 1))
	require.NoError(t, m.Enqueue(msg(2), 7, 1))
	require.NoError(t, m.Enqueue(msg(3), 8, 1))

	assert.True(t, m.Remove(7))
	assert.False(t, m.Remove(7), "second removal of same tx id finds nothing")

	// remaining entries keep FIFO order with the gap closed
	var drained []uint32
	for {
		idx, ok := m.PopHighest()
		if !ok {
			break
		}
		_, txID, _ := m.Snapshot(idx)
		m.Release(idx)
		drained = append(drained, txID)
	}
	assert.Equal(t, []uint32{6, 8}, drained)
}

func TestManager_RemoveDoesNotReachSubmitted(t *testing.T) {
	m, err := New(8, 2)
	require.NoError(t, err)

	require.NoError(t, m.Enqueue(msg(1), 42, 0))
	idx, ok := m.PopHighest()
	require.True(t, ok)

	// entry 42 is out of the queue (as if handed to hardware)
	assert.False(t, m.Remove(42))
	m.Release(idx)
}

func TestManager_UsedFree(t *testing.T) {
	m, err := New(8, 2)
	require.NoError(t, err)

	assert.Equal(t, 0, m.Used())
	assert.Equal(t, 8, m.Free())
	require.NoError(t, m.Enqueue(msg(1), 1, 0))
	require.NoError(t, m.Enqueue(msg(2), 2, 1))
	assert.Equal(t, 2, m.Used())
	assert.Equal(t, 6, m.Free())

	idx, _ := m.PopHighest()
	m.Release(idx)
	assert.Equal(t, 1, m.Used())
	assert.Equal(t, 7, m.Free())
}
