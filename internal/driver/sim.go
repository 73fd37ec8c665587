package driver

import (
	"sync"
	"time"

	"github.com/sp-codialist/canbsp/internal/can"
)

// SimConfig parametrizes the simulated peripheral.
type SimConfig struct {
	Mailboxes int // hardware TX mailboxes (default 3)
	FIFODepth int // per-FIFO RX capacity (default 32)
	// AutoComplete > 0 makes every submitted mailbox complete on its own
	// after the given delay, so the simulator can stand in for a live bus.
	AutoComplete time.Duration
}

func (c *SimConfig) setDefaults() {
	if c.Mailboxes <= 0 {
		c.Mailboxes = 3
	}
	if c.FIFODepth <= 0 {
		c.FIFODepth = 32
	}
}

// SentFrame records one frame the simulator accepted for transmission.
type SentFrame struct {
	Mailbox int
	Header  TxHeader
	Payload [can.MaxDLC]byte
}

// Sim is an in-memory Driver used by the tests and as the default backend of
// the soak daemon. Test helpers (InjectRx, Complete, RaiseBusError) deliver
// events synchronously on the caller's goroutine, which therefore acts as
// the interrupt context.
type Sim struct {
	cfg SimConfig

	mu       sync.Mutex
	started  bool
	ev       Events
	filters  []can.Filter
	busy     []bool
	fifos    [2][]can.Message
	sent     []SentFrame
	failNext error
	counters ErrorCounters
	errCode  uint32
}

// NewSim creates a simulated peripheral.
func NewSim(cfg SimConfig) *Sim {
	cfg.setDefaults()
	return &Sim{cfg: cfg, busy: make([]bool, cfg.Mailboxes)}
}

func (s *Sim) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrRejected
	}
	s.started = true
	return nil
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	s.started = false
	// hardware abort: occupied mailboxes are cleared, pending RX survives
	for i := range s.busy {
		s.busy[i] = false
	}
	return nil
}

func (s *Sim) ConfigFilter(f can.Filter) error {
	s.mu.Lock()
	s.filters = append(s.filters, f)
	s.mu.Unlock()
	return nil
}

func (s *Sim) ActivateNotifications(ev Events) error {
	s.mu.Lock()
	s.ev = ev
	s.mu.Unlock()
	return nil
}

func (s *Sim) DeactivateNotifications() error {
	s.mu.Lock()
	s.ev = Events{}
	s.mu.Unlock()
	return nil
}

func (s *Sim) AddTxMessage(hdr TxHeader, payload []byte) (int, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		s.mu.Unlock()
		return 0, err
	}
	mb := -1
	for i, b := range s.busy {
		if !b {
			mb = i
			break
		}
	}
	if mb < 0 {
		s.mu.Unlock()
		return 0, ErrTxBusy
	}
	s.busy[mb] = true
	sf := SentFrame{Mailbox: mb, Header: hdr}
	copy(sf.Payload[:], payload)
	s.sent = append(s.sent, sf)
	auto := s.cfg.AutoComplete
	s.mu.Unlock()

	if auto > 0 {
		time.AfterFunc(auto, func() { s.Complete(mb) })
	}
	return mb, nil
}

func (s *Sim) GetRxMessage(fifo can.FIFO) (can.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.fifos[fifo&1]
	if len(q) == 0 {
		return can.Message{}, ErrRxEmpty
	}
	m := q[0]
	s.fifos[fifo&1] = q[1:]
	return m, nil
}

func (s *Sim) FreeTxMailboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	n := 0
	for _, b := range s.busy {
		if !b {
			n++
		}
	}
	return n
}

func (s *Sim) ErrorCode() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCode
}

func (s *Sim) ErrorCounters() ErrorCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// InjectRx routes a frame through the acceptance filters into a FIFO and
// fires the RX-pending event. Returns false when the instance is stopped,
// no filter matched, or the FIFO overran.
func (s *Sim) InjectRx(m can.Message) bool {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return false
	}
	fifo, ok := can.MatchAny(s.filters, m)
	if !ok || len(s.fifos[fifo&1]) >= s.cfg.FIFODepth {
		s.mu.Unlock()
		return false
	}
	s.fifos[fifo&1] = append(s.fifos[fifo&1], m)
	ev := s.ev
	s.mu.Unlock()

	if ev.RxPending != nil {
		ev.RxPending(fifo)
	}
	return true
}

// Complete finishes the transmission occupying mailbox mb and fires the
// TX-complete event.
func (s *Sim) Complete(mb int) bool {
	s.mu.Lock()
	if mb < 0 || mb >= len(s.busy) || !s.busy[mb] {
		s.mu.Unlock()
		return false
	}
	s.busy[mb] = false
	ev := s.ev
	s.mu.Unlock()

	if ev.TxComplete != nil {
		ev.TxComplete(mb)
	}
	return true
}

// FailNextAdd makes the next AddTxMessage call fail with err.
func (s *Sim) FailNextAdd(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// RaiseBusError sets the error registers and fires the bus error event.
func (s *Sim) RaiseBusError(code uint32, counters ErrorCounters) {
	s.mu.Lock()
	s.errCode = code
	s.counters = counters
	ev := s.ev
	s.mu.Unlock()

	if ev.BusError != nil {
		ev.BusError()
	}
}

// Sent returns a copy of every frame accepted for transmission so far.
func (s *Sim) Sent() []SentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// PendingRx returns the number of frames waiting in the given FIFO.
func (s *Sim) PendingRx(fifo can.FIFO) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fifos[fifo&1])
}
