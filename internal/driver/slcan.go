package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/logging"
	"github.com/sp-codialist/canbsp/internal/metrics"
)

// ErrTxOverflow is returned when the serial write buffer is full.
var ErrTxOverflow = errors.New("driver: slcan tx overflow")

const (
	slcanReadBufSize = 512
	slcanBackoffMin  = 5 * time.Millisecond
	slcanBackoffMax  = 500 * time.Millisecond
)

// Port abstracts the serial device for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// SLCANConfig configures the SLCAN serial backend.
type SLCANConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	SpeedCode   byte // Lawicel 'S' code '0'..'8'; default '6' (500 kbit/s)
	Mailboxes   int  // virtual TX mailboxes; default 3
	WriteBuffer int  // async writer depth; default 64
	FIFODepth   int  // per-FIFO RX capacity; default 64
	// OpenPort overrides the device opener; tests use an in-memory pipe.
	OpenPort func(device string, baud int, readTimeout time.Duration) (Port, error)
}

func (c *SLCANConfig) setDefaults() {
	if c.SpeedCode == 0 {
		c.SpeedCode = '6'
	}
	if c.Mailboxes <= 0 {
		c.Mailboxes = 3
	}
	if c.WriteBuffer <= 0 {
		c.WriteBuffer = 64
	}
	if c.FIFODepth <= 0 {
		c.FIFODepth = 64
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 50 * time.Millisecond
	}
	if c.OpenPort == nil {
		c.OpenPort = func(device string, baud int, readTimeout time.Duration) (Port, error) {
			return serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout})
		}
	}
}

// SLCAN drives a Lawicel-protocol serial CAN adapter. The adapter has no
// addressable hardware mailboxes, so the backend emulates a small bank of
// virtual ones: AddTxMessage claims a slot and the TX-complete event fires
// once the frame left the serial port.
type SLCAN struct {
	cfg SLCANConfig

	mu       sync.Mutex
	started  bool
	ev       Events
	filters  []can.Filter
	busy     []bool
	fifos    [2][]can.Message
	errCode  uint32
	counters ErrorCounters

	port   Port
	w      *asyncWriter
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSLCAN creates the backend; the device is opened on Start.
func NewSLCAN(cfg SLCANConfig) *SLCAN {
	cfg.setDefaults()
	return &SLCAN{cfg: cfg, busy: make([]bool, cfg.Mailboxes)}
}

func (d *SLCAN) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrRejected
	}
	d.mu.Unlock()

	sp, err := d.cfg.OpenPort(d.cfg.Device, d.cfg.Baud, d.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("open slcan device: %w", err)
	}
	// close any stale channel, set bit rate, open
	for _, cmd := range [][]byte{[]byte("C\r"), {'S', d.cfg.SpeedCode, '\r'}, []byte("O\r")} {
		if _, err := sp.Write(cmd); err != nil {
			_ = sp.Close()
			return fmt.Errorf("slcan init: %w", err)
		}
	}
	logging.L().Info("slcan_open", "device", d.cfg.Device, "baud", d.cfg.Baud)

	ctx, cancel := context.WithCancel(context.Background())
	w := newAsyncWriter(ctx, d.cfg.WriteBuffer, func(req txReq) error {
		_, err := sp.Write(req.buf)
		return err
	}, writerHooks{
		onError: func(req txReq, err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("slcan_write_error", "error", err)
			d.releaseMailbox(req.mailbox)
			d.raiseError(ErrCodeOther)
		},
		onAfter: func(req txReq) { d.completeMailbox(req.mailbox) },
		onDrop: func(req txReq) error {
			metrics.IncError(metrics.ErrSerialOver)
			return ErrTxOverflow
		},
	})

	d.mu.Lock()
	d.port = sp
	d.w = w
	d.cancel = cancel
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(ctx, sp)
	return nil
}

// readLoop pulls bytes off the serial port, decodes complete frames and
// fires RX-pending events. Read errors back off exponentially, mirroring
// the serial RX loops this backend is derived from.
func (d *SLCAN) readLoop(ctx context.Context, sp Port) {
	defer d.wg.Done()
	defer logging.L().Info("slcan_rx_end")
	buf := make([]byte, slcanReadBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := slcanBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := sp.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			decodeSLCAN(acc, d.deliverRx)
			backoff = slcanBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return // device removed or fatal
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			logging.L().Warn("slcan_read_error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > slcanBackoffMax {
				backoff = slcanBackoffMax
			}
		}
	}
}

func (d *SLCAN) deliverRx(m can.Message) {
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

func (d *SLCAN) completeMailbox(mb int) {
	d.mu.Lock()
	if mb < 0 || mb >= len(d.busy) || !d.busy[mb] {
		d.mu.Unlock()
		return
	}
	d.busy[mb] = false
	ev := d.ev
	d.mu.Unlock()

	if ev.TxComplete != nil {
		ev.TxComplete(mb)
	}
}

func (d *SLCAN) releaseMailbox(mb int) {
	d.mu.Lock()
	if mb >= 0 && mb < len(d.busy) {
		d.busy[mb] = false
	}
	d.mu.Unlock()
}

func (d *SLCAN) raiseError(code uint32) {
	d.mu.Lock()
	d.errCode = code
	ev := d.ev
	d.mu.Unlock()

	if ev.BusError != nil {
		ev.BusError()
	}
}

func (d *SLCAN) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.started = false
	sp, w, cancel := d.port, d.w, d.cancel
	d.port, d.w, d.cancel = nil, nil, nil
	for i := range d.busy {
		d.busy[i] = false
	}
	d.mu.Unlock()

	_, _ = sp.Write([]byte("C\r"))
	cancel()
	w.close()
	_ = sp.Close()
	d.wg.Wait()
	return nil
}

func (d *SLCAN) ConfigFilter(f can.Filter) error {
	d.mu.Lock()
	d.filters = append(d.filters, f)
	d.mu.Unlock()
	return nil
}

func (d *SLCAN) ActivateNotifications(ev Events) error {
	d.mu.Lock()
	d.ev = ev
	d.mu.Unlock()
	return nil
}

func (d *SLCAN) DeactivateNotifications() error {
	d.mu.Lock()
	d.ev = Events{}
	d.mu.Unlock()
	return nil
}

func (d *SLCAN) AddTxMessage(hdr TxHeader, payload []byte) (int, error) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return 0, ErrNotStarted
	}
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
	w := d.w
	d.mu.Unlock()

	if err := w.enqueue(txReq{mailbox: mb, buf: encodeSLCAN(hdr, payload)}); err != nil {
		d.releaseMailbox(mb)
		return 0, err
	}
	return mb, nil
}

func (d *SLCAN) GetRxMessage(fifo can.FIFO) (can.Message, error) {
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

func (d *SLCAN) FreeTxMailboxCount() int {
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

func (d *SLCAN) ErrorCode() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errCode
}

func (d *SLCAN) ErrorCounters() ErrorCounters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}
