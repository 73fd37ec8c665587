package driver

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp-codialist/canbsp/internal/can"
)

// fakePort is an in-memory serial device. Reads drain what the test injected;
// writes accumulate for inspection. An empty read behaves like a serial
// timeout (0, nil).
type fakePort struct {
	mu     sync.Mutex
	rx     bytes.Buffer
	tx     bytes.Buffer
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, &os.PathError{Op: "read", Path: "fake", Err: os.ErrClosed}
	}
	if p.rx.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
		if p.closed {
			return 0, &os.PathError{Op: "read", Path: "fake", Err: os.ErrClosed}
		}
	}
	return p.rx.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	return p.tx.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) inject(s string) {
	p.mu.Lock()
	p.rx.WriteString(s)
	p.mu.Unlock()
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.String()
}

func newTestSLCAN(t *testing.T, port *fakePort) *SLCAN {
	t.Helper()
	d := NewSLCAN(SLCANConfig{
		Device: "fake",
		Baud:   115200,
		OpenPort: func(string, int, time.Duration) (Port, error) {
			return port, nil
		},
	})
	return d
}

func TestSLCAN_InitCommands(t *testing.T) {
	port := &fakePort{}
	d := newTestSLCAN(t, port)
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	assert.True(t, strings.HasPrefix(port.written(), "C\rS6\rO\r"))
	assert.ErrorIs(t, d.Start(), ErrRejected)
}

func TestSLCAN_TransmitCompletesVirtualMailbox(t *testing.T) {
	port := &fakePort{}
	d := newTestSLCAN(t, port)
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	var mu sync.Mutex
	var completed []int
	require.NoError(t, d.ActivateNotifications(Events{
		TxComplete: func(mb int) { mu.Lock(); completed = append(completed, mb); mu.Unlock() },
	}))

	mb, err := d.AddTxMessage(TxHeader{ID: 0x123, IDKind: can.StandardID, Kind: can.DataFrame, Len: 2}, []byte{0xAA, 0x55})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1 && completed[0] == mb
	}, time.Second, time.Millisecond)
	assert.Contains(t, port.written(), "t1232AA55\r")
	assert.Equal(t, 3, d.FreeTxMailboxCount())
}

func TestSLCAN_ReceiveDeliversRxPending(t *testing.T) {
	port := &fakePort{}
	d := newTestSLCAN(t, port)
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	var mu sync.Mutex
	var fifos []can.FIFO
	require.NoError(t, d.ActivateNotifications(Events{
		RxPending: func(f can.FIFO) { mu.Lock(); fifos = append(fifos, f); mu.Unlock() },
	}))

	port.inject("t0447DEADBEEF112233\r")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fifos) == 1
	}, time.Second, time.Millisecond)

	m, err := d.GetRxMessage(can.FIFO0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x044), m.ID)
	assert.Equal(t, uint8(7), m.Len)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x11, 0x22, 0x33}, m.Payload())
}

func TestSLCAN_StopClosesPort(t *testing.T) {
	port := &fakePort{}
	d := newTestSLCAN(t, port)
	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())
	assert.ErrorIs(t, d.Stop(), ErrNotStarted)
	assert.Equal(t, 0, d.FreeTxMailboxCount())
	// channel close command went out before the port closed
	assert.True(t, strings.HasSuffix(port.written(), "C\r"))
}
