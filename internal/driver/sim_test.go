package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp-codialist/canbsp/internal/can"
)

func TestSim_MailboxLifecycle(t *testing.T) {
	s := NewSim(SimConfig{Mailboxes: 2})
	require.NoError(t, s.Start())

	var completed []int
	require.NoError(t, s.ActivateNotifications(Events{
		TxComplete: func(mb int) { completed = append(completed, mb) },
	}))

	hdr := TxHeader{ID: 0x10, IDKind: can.StandardID, Len: 1}
	mb0, err := s.AddTxMessage(hdr, []byte{1})
	require.NoError(t, err)
	mb1, err := s.AddTxMessage(hdr, []byte{2})
	require.NoError(t, err)
	assert.NotEqual(t, mb0, mb1)
	assert.Equal(t, 0, s.FreeTxMailboxCount())

	_, err = s.AddTxMessage(hdr, []byte{3})
	assert.ErrorIs(t, err, ErrTxBusy)

	assert.True(t, s.Complete(mb0))
	assert.False(t, s.Complete(mb0), "double completion")
	assert.Equal(t, []int{mb0}, completed)
	assert.Equal(t, 1, s.FreeTxMailboxCount())
}

func TestSim_RxRouting(t *testing.T) {
	s := NewSim(SimConfig{})
	require.NoError(t, s.ConfigFilter(can.Filter{ID: 0x100, Mask: 0x700, IDKind: can.StandardID, FIFO: can.FIFO1}))
	require.NoError(t, s.Start())

	var pending []can.FIFO
	require.NoError(t, s.ActivateNotifications(Events{
		RxPending: func(f can.FIFO) { pending = append(pending, f) },
	}))

	assert.True(t, s.InjectRx(can.Message{ID: 0x123, IDKind: can.StandardID}))
	assert.False(t, s.InjectRx(can.Message{ID: 0x300, IDKind: can.StandardID}), "filtered out")
	assert.Equal(t, []can.FIFO{can.FIFO1}, pending)

	m, err := s.GetRxMessage(can.FIFO1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123), m.ID)

	_, err = s.GetRxMessage(can.FIFO1)
	assert.ErrorIs(t, err, ErrRxEmpty)
}

func TestSim_StartStop(t *testing.T) {
	s := NewSim(SimConfig{})
	assert.ErrorIs(t, s.Stop(), ErrNotStarted)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrRejected)

	_, err := s.AddTxMessage(TxHeader{ID: 1, IDKind: can.StandardID}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	// stopped peripheral reports no mailboxes and rejects submissions
	assert.Equal(t, 0, s.FreeTxMailboxCount())
	_, err = s.AddTxMessage(TxHeader{ID: 1, IDKind: can.StandardID}, nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSim_ErrorInjection(t *testing.T) {
	s := NewSim(SimConfig{})
	require.NoError(t, s.Start())

	fired := 0
	require.NoError(t, s.ActivateNotifications(Events{BusError: func() { fired++ }}))

	s.RaiseBusError(ErrCodeAck, ErrorCounters{TxErrors: 200, ErrorPassive: true})
	assert.Equal(t, 1, fired)
	assert.Equal(t, ErrCodeAck, s.ErrorCode())
	assert.True(t, s.ErrorCounters().ErrorPassive)

	s.FailNextAdd(ErrRejected)
	_, err := s.AddTxMessage(TxHeader{ID: 1, IDKind: can.StandardID}, nil)
	assert.ErrorIs(t, err, ErrRejected)
	// the failure consumed no mailbox
	assert.Equal(t, 3, s.FreeTxMailboxCount())
}
