//go:build linux

package driver

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/logging"
	"github.com/sp-codialist/canbsp/internal/metrics"
)

// SocketCANConfig configures the Linux SocketCAN backend.
type SocketCANConfig struct {
	Interface string
	Mailboxes int // virtual TX mailboxes; default 3
	FIFODepth int // per-FIFO RX capacity; default 64
}

func (c *SocketCANConfig) setDefaults() {
	if c.Mailboxes <= 0 {
		c.Mailboxes = 3
	}
	if c.FIFODepth <= 0 {
		c.FIFODepth = 64
	}
}

// SocketCAN implements Driver on a raw AF_CAN socket. Staged acceptance
// filters are programmed into the kernel with CAN_RAW_FILTER on Start;
// FIFO routing is resolved in software since the kernel filter does not
// carry a FIFO assignment. Like the SLCAN backend it emulates a small bank
// of virtual TX mailboxes completed when the kernel accepts the write.
type SocketCAN struct {
	cfg SocketCANConfig

	mu      sync.Mutex
	started bool
	fd      int
	ev      Events
	filters []can.Filter
	busy    []bool
	fifos   [2][]can.Message
	errCode uint32

	wg sync.WaitGroup
}

// NewSocketCAN creates the backend; the socket is opened on Start.
func NewSocketCAN(cfg SocketCANConfig) *SocketCAN {
	cfg.setDefaults()
	return &SocketCAN{cfg: cfg, fd: -1, busy: make([]bool, cfg.Mailboxes)}
}

func (d *SocketCAN) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrRejected
	}
	filters := make([]can.Filter, len(d.filters))
	copy(filters, d.filters)
	d.mu.Unlock()

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if len(filters) > 0 {
		kf := make([]unix.CanFilter, len(filters))
		for i, f := range filters {
			kf[i] = unix.CanFilter{Id: f.ID, Mask: f.Mask}
			if f.IDKind == can.ExtendedID {
				kf[i].Id |= unix.CAN_EFF_FLAG
			}
			kf[i].Mask |= unix.CAN_EFF_FLAG // require the id width to match too
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("program filters: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(d.cfg.Interface)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("if %q: %w", d.cfg.Interface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind(can@%s): %w", d.cfg.Interface, err)
	}
	logging.L().Info("socketcan_open", "interface", d.cfg.Interface)

	d.mu.Lock()
	d.fd = fd
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(fd)
	return nil
}

func (d *SocketCAN) readLoop(fd int) {
	defer d.wg.Done()
	defer logging.L().Info("socketcan_rx_end")
	var buf [unix.CAN_MTU]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// EBADF after Stop closed the socket; anything else is fatal too
			return
		}
		if n != unix.CAN_MTU {
			metrics.IncError(metrics.ErrDriverRx)
			continue
		}

		// struct can_frame (linux/can.h), host byte order:
		//   can_id u32 [0:4] (includes EFF/RTR/ERR flags), len u8 [4], data [8:16]
		raw := binary.LittleEndian.Uint32(buf[0:4])
		if raw&unix.CAN_ERR_FLAG != 0 {
			d.raiseError(ErrCodeOther)
			continue
		}
		var m can.Message
		if raw&unix.CAN_EFF_FLAG != 0 {
			m.ID = raw & unix.CAN_EFF_MASK
			m.IDKind = can.ExtendedID
		} else {
			m.ID = raw & unix.CAN_SFF_MASK
			m.IDKind = can.StandardID
		}
		if raw&unix.CAN_RTR_FLAG != 0 {
			m.Kind = can.RemoteFrame
		}
		dlc := buf[4]
		if dlc > can.MaxDLC {
			dlc = can.MaxDLC
		}
		m.Len = dlc
		copy(m.Data[:], buf[8:8+dlc])
		m.Timestamp = time.Now()
		d.deliverRx(m)
	}
}

func (d *SocketCAN) deliverRx(m can.Message) {
	d.mu.Lock()
	fifo, ok := can.MatchAny(d.filters, m)
	if !ok || len(d.fifos[fifo&1]) >= d.cfg.FIFODepth {
		d.mu.Unlock()
		return
	}
	d.fifos[fifo&1] = append(d.fifos[fifo&1], m)
	ev := d.ev
	d.mu.Unlock()

	if ev.RxPending != nil {
		ev.RxPending(fifo)
	}
}

func (d *SocketCAN) raiseError(code uint32) {
	d.mu.Lock()
	d.errCode = code
	ev := d.ev
	d.mu.Unlock()

	if ev.BusError != nil {
		ev.BusError()
	}
}

func (d *SocketCAN) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.started = false
	fd := d.fd
	d.fd = -1
	for i := range d.busy {
		d.busy[i] = false
	}
	d.mu.Unlock()

	_ = unix.Close(fd)
	d.wg.Wait()
	return nil
}

func (d *SocketCAN) ConfigFilter(f can.Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		// kernel filters are programmed once at Start
		return ErrRejected
	}
	d.filters = append(d.filters, f)
	return nil
}

func (d *SocketCAN) ActivateNotifications(ev Events) error {
	d.mu.Lock()
	d.ev = ev
	d.mu.Unlock()
	return nil
}

func (d *SocketCAN) DeactivateNotifications() error {
	d.mu.Lock()
	d.ev = Events{}
	d.mu.Unlock()
	return nil
}

func (d *SocketCAN) AddTxMessage(hdr TxHeader, payload []byte) (int, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return 0, ErrNotStarted
	}
	fd := d.fd
	mb := -1
	for i, b := range d.busy {
		if !b {
			mb = i
			break
		}
	}
	if mb < 0 {
		d.mu.Unlock()
		return 0, ErrTxBusy
	}
	d.busy[mb] = true
	d.mu.Unlock()

	var buf [unix.CAN_MTU]byte
	raw := hdr.ID
	if hdr.IDKind == can.ExtendedID {
		raw = raw&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG
	} else {
		raw &= unix.CAN_SFF_MASK
	}
	if hdr.Kind == can.RemoteFrame {
		raw |= unix.CAN_RTR_FLAG
	}
	binary.LittleEndian.PutUint32(buf[0:4], raw)
	buf[4] = hdr.Len
	copy(buf[8:], payload[:hdr.Len])

	if _, err := unix.Write(fd, buf[:]); err != nil {
		metrics.IncError(metrics.ErrDriverTx)
		d.release(mb)
		return 0, fmt.Errorf("socketcan write: %w", err)
	}
	// completion is delivered off the caller's stack; the Events contract
	// forbids re-entrant callbacks from AddTxMessage
	go d.complete(mb)
	return mb, nil
}

func (d *SocketCAN) release(mb int) {
	d.mu.Lock()
	if mb >= 0 && mb < len(d.busy) {
		d.busy[mb] = false
	}
	d.mu.Unlock()
}

// complete frees the virtual mailbox and fires TX-complete; the kernel
// accepting the write is as close to "left the mailbox" as this transport
// can observe.
func (d *SocketCAN) complete(mb int) {
	d.mu.Lock()
	d.busy[mb] = false
	ev := d.ev
	d.mu.Unlock()

	if ev.TxComplete != nil {
		ev.TxComplete(mb)
	}
}

func (d *SocketCAN) GetRxMessage(fifo can.FIFO) (can.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.fifos[fifo&1]
	if len(q) == 0 {
		return can.Message{}, ErrRxEmpty
	}
	m := q[0]
	d.fifos[fifo&1] = q[1:]
	return m, nil
}

func (d *SocketCAN) FreeTxMailboxCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return 0
	}
	n := 0
	for _, b := range d.busy {
		if !b {
			n++
		}
	}
	return n
}

func (d *SocketCAN) ErrorCode() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errCode
}

func (d *SocketCAN) ErrorCounters() ErrorCounters {
	// raw CAN sockets do not expose the controller error counters; a
	// netlink query could, but that belongs to a management layer.
	return ErrorCounters{}
}
