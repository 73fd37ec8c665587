package rxring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp-codialist/canbsp/internal/can"
)

func msg(id uint32) can.Message {
	return can.Message{ID: id, IDKind: can.ExtendedID, Len: 2, Data: [8]byte{byte(id), byte(id >> 8)}}
}

func TestNew_RequiresPowerOfTwo(t *testing.T) {
	for _, n := range []int{0, -1, 3, 6, 100} {
		_, ok := New(n)
		assert.False(t, ok, "capacity %d", n)
	}
	r, ok := New(16)
	require.True(t, ok)
	assert.Equal(t, 16, r.Cap())
}

func TestRing_RoundTrip(t *testing.T) {
	r, ok := New(8)
	require.True(t, ok)

	for i := uint32(0); i < 8; i++ {
		assert.True(t, r.Push(msg(i)))
	}
	assert.Equal(t, 8, r.Len())

	for i := uint32(0); i < 8; i++ {
		m, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, m.ID)
	}
	_, ok = r.Pop()
	assert.False(t, ok)
}

func TestRing_OverrunDropsNewest(t *testing.T) {
	r, ok := New(4)
	require.True(t, ok)

	for i := uint32(0); i < 4; i++ {
		require.True(t, r.Push(msg(i)))
	}
	assert.False(t, r.Push(msg(99)))
	assert.Equal(t, uint32(1), r.Overruns())
	assert.Equal(t, 4, r.Len())

	// oldest entries survive; the rejected frame never shows up
	for i := uint32(0); i < 4; i++ {
		m, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, m.ID)
	}
}

func TestRing_WrapAround(t *testing.T) {
	r, ok := New(4)
	require.True(t, ok)

	next := uint32(0)
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			require.True(t, r.Push(msg(next+uint32(i))))
		}
		for i := 0; i < 3; i++ {
			m, ok := r.Pop()
			require.True(t, ok)
			assert.Equal(t, next, m.ID)
			next++
		}
	}
	assert.Zero(t, r.Overruns())
}

func TestRing_SingleProducerSingleConsumer(t *testing.T) {
	r, ok := New(64)
	require.True(t, ok)

	const total = 10000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := uint32(0); i < total; {
			if r.Push(msg(i)) {
				i++
			}
		}
	}()

	var got []uint32
	go func() {
		defer wg.Done()
		for len(got) < total {
			if m, ok := r.Pop(); ok {
				got = append(got, m.ID)
			}
		}
	}()
	wg.Wait()

	require.Len(t, got, total)
	for i, id := range got {
		if uint32(i) != id {
			t.Fatalf("out of order at %d: got %d", i, id)
		}
	}
}
