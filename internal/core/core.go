// Package core is the message-queueing and interrupt-dispatch engine of the
// CAN driver: per-instance lifecycle, the TX priority queue, RX buffering,
// hardware-mailbox tracking and the event entry points the driver layer
// calls back into.
//
// There are two execution contexts. Application code calls the public API
// ("normal context"); the driver backend delivers events on its own
// goroutine ("interrupt context"). Dispatch paths never take the lifecycle
// lock, never allocate and never block; shared state lives in components
// with their own short-lived locks or atomics.
package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/driver"
	"github.com/sp-codialist/canbsp/internal/logging"
	"github.com/sp-codialist/canbsp/internal/mailbox"
	"github.com/sp-codialist/canbsp/internal/metrics"
	"github.com/sp-codialist/canbsp/internal/rxring"
	"github.com/sp-codialist/canbsp/internal/txq"
)

// Defaults for Params fields left zero.
const (
	DefaultInstances   = 2
	DefaultQueueDepth  = 32
	DefaultRxRingDepth = 64
	DefaultPriorities  = 4
	DefaultMaxFilters  = 14
)

// Params is the build-time configuration of the stack: a fixed instance
// count, TX entry pool depth, RX ring depth (power of two), priority level
// count (2, 4 or 8) and filter table capacity. Validated once at New; all
// memory is sized here and never grows.
type Params struct {
	Instances      int
	QueueDepth     int
	RxRingDepth    int
	PriorityLevels int
	MaxFilters     int
	Statistics     bool
}

func (p *Params) setDefaults() {
	if p.Instances <= 0 {
		p.Instances = DefaultInstances
	}
	if p.QueueDepth <= 0 {
		p.QueueDepth = DefaultQueueDepth
	}
	if p.RxRingDepth <= 0 {
		p.RxRingDepth = DefaultRxRingDepth
	}
	if p.PriorityLevels <= 0 {
		p.PriorityLevels = DefaultPriorities
	}
	if p.MaxFilters <= 0 {
		p.MaxFilters = DefaultMaxFilters
	}
}

func (p Params) validate() error {
	switch p.PriorityLevels {
	case 2, 4, 8:
	default:
		return fmt.Errorf("%w: priority levels must be 2, 4 or 8", ErrInvalidParam)
	}
	if p.QueueDepth%p.PriorityLevels != 0 {
		return fmt.Errorf("%w: queue depth must divide evenly across priority levels", ErrInvalidParam)
	}
	if p.RxRingDepth&(p.RxRingDepth-1) != 0 {
		return fmt.Errorf("%w: rx ring depth must be a power of two", ErrInvalidParam)
	}
	return nil
}

// RxMode selects how inbound frames reach the application.
type RxMode uint8

const (
	// RxCallback invokes the registered RX callback directly from the
	// dispatch path; the ring and overrun counter are unused.
	RxCallback RxMode = iota
	// RxBuffered pushes frames into the RX ring for the application to
	// drain with Receive.
	RxBuffered
)

// ModuleConfig is the per-instance configuration supplied to Alloc.
type ModuleConfig struct {
	// Driver is the peripheral backend for this instance; the analogue of
	// the hardware peripheral selector.
	Driver driver.Driver
	// Loopback feeds every successfully submitted frame back through the
	// instance's own RX path, matching controller loopback test mode.
	Loopback bool
	// Silent makes the instance listen-only; Transmit is rejected.
	Silent bool
	// AutoRetransmit requeues a frame the driver layer rejected instead of
	// dropping it; the retry happens on a later drain, not inline.
	AutoRetransmit bool
	RxMode         RxMode
}

// Handle is an opaque instance identifier validated on every call.
type Handle int

// Callback signatures. Every callback carries the owning handle so one
// function can serve multiple instances.
type (
	RxFunc         func(h Handle, m can.Message)
	TxCompleteFunc func(h Handle, txID uint32)
	ErrorFunc      func(h Handle, kind ErrorKind, err error)
	BusStateFunc   func(h Handle, state BusState)
)

// module is one instance slot. Lifecycle fields are guarded by the stack
// lock; fields touched by the dispatch path are atomics or self-locking
// components so interrupt-context code never waits on lifecycle changes.
type module struct {
	allocated bool
	cfg       ModuleConfig
	filters   []can.Filter

	started atomic.Bool
	q       *txq.Manager
	ring    *rxring.Ring
	boxes   atomic.Pointer[mailbox.Tracker]
	// submitMu serializes the pop-submit-claim sequence against completion
	// events, so a mailbox can never complete before its claim is recorded.
	submitMu sync.Mutex

	cbMu     sync.Mutex
	onRx     RxFunc
	onTx     TxCompleteFunc
	onErr    ErrorFunc
	onBus    BusStateFunc
	busState atomic.Uint32 // last reported BusState

	stats stats
}

// Stack owns the fixed module table.
type Stack struct {
	params Params
	mu     sync.Mutex
	slots  []module
}

// New creates a stack with the given parameters.
func New(params Params) (*Stack, error) {
	params.setDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Stack{params: params, slots: make([]module, params.Instances)}, nil
}

// Params returns the validated stack parameters.
func (s *Stack) Params() Params { return s.params }

// get validates a handle and returns its module.
func (s *Stack) get(h Handle) (*module, error) {
	if int(h) < 0 || int(h) >= len(s.slots) {
		return nil, ErrInvalidHandle
	}
	m := &s.slots[h]
	if !m.allocated {
		return nil, ErrInvalidHandle
	}
	return m, nil
}

// Alloc claims a free instance slot and initializes its sub-components.
func (s *Stack) Alloc(cfg ModuleConfig) (Handle, error) {
	if cfg.Driver == nil {
		return 0, fmt.Errorf("%w: nil driver", ErrInvalidParam)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.slots {
		if !s.slots[i].allocated {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, ErrNoResource
	}

	q, err := txq.New(s.params.QueueDepth, s.params.PriorityLevels)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	m := &s.slots[idx]
	*m = module{allocated: true, cfg: cfg, q: q}
	m.filters = make([]can.Filter, 0, s.params.MaxFilters)
	if cfg.RxMode == RxBuffered {
		ring, ok := rxring.New(s.params.RxRingDepth)
		if !ok {
			m.allocated = false
			return 0, fmt.Errorf("%w: rx ring depth", ErrInvalidParam)
		}
		m.ring = ring
	}
	m.stats.enabled = s.params.Statistics
	logging.L().Debug("instance_allocated", "handle", idx)
	return Handle(idx), nil
}

// Free releases an instance slot, stopping it first when running. The slot is
// marked free but the driver reference and sub-components stay in place: a
// driver event delivery racing the teardown must land on valid memory (the
// dispatch handlers bail on the cleared started flag). Alloc reinitializes
// the slot on reuse.
func (s *Stack) Free(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(h)
	if err != nil {
		return err
	}
	if m.started.Load() {
		if err := s.stopLocked(h, m); err != nil {
			return err
		}
	}
	m.allocated = false
	m.cbMu.Lock()
	m.onRx, m.onTx, m.onErr, m.onBus = nil, nil, nil, nil
	m.cbMu.Unlock()
	logging.L().Debug("instance_freed", "handle", int(h))
	return nil
}

// AddFilter stages an acceptance filter. Filters are programmed into the
// driver layer atomically on Start and cannot change while running.
func (s *Stack) AddFilter(h Handle, f can.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(h)
	if err != nil {
		return err
	}
	if m.started.Load() {
		return ErrAlreadyStarted
	}
	if len(m.filters) >= s.params.MaxFilters {
		return ErrFilterFull
	}
	switch f.IDKind {
	case can.StandardID:
		if f.ID > can.SFFMask {
			return fmt.Errorf("%w: filter id exceeds 11 bits", ErrInvalidParam)
		}
	case can.ExtendedID:
		if f.ID > can.EFFMask {
			return fmt.Errorf("%w: filter id exceeds 29 bits", ErrInvalidParam)
		}
	default:
		return fmt.Errorf("%w: filter id kind", ErrInvalidParam)
	}
	m.filters = append(m.filters, f)
	return nil
}

// Start programs the staged filters, starts the peripheral and enables its
// event sources, then drains any messages queued while stopped into the
// free mailboxes.
//
// A driver failure mid-sequence leaves the peripheral stopped and already
// programmed filters in place; Start may simply be retried after the cause
// is fixed.
func (s *Stack) Start(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(h)
	if err != nil {
		return err
	}
	if m.started.Load() {
		return ErrAlreadyStarted
	}
	drv := m.cfg.Driver
	for _, f := range m.filters {
		if err := drv.ConfigFilter(f); err != nil {
			metrics.IncError(metrics.ErrDriverFilter)
			return fmt.Errorf("%w: config filter: %v", ErrDriver, err)
		}
	}
	if err := drv.Start(); err != nil {
		metrics.IncError(metrics.ErrDriverStart)
		return fmt.Errorf("%w: start: %v", ErrDriver, err)
	}
	m.boxes.Store(mailbox.New(drv.FreeTxMailboxCount()))
	if err := drv.ActivateNotifications(driver.Events{
		RxPending:  func(fifo can.FIFO) { m.handleRxPending(h, fifo) },
		TxComplete: func(mb int) { m.handleTxComplete(h, mb) },
		BusError:   func() { m.handleBusError(h) },
	}); err != nil {
		_ = drv.Stop()
		return fmt.Errorf("%w: activate notifications: %v", ErrDriver, err)
	}
	m.busState.Store(uint32(BusActive))
	m.started.Store(true)
	logging.L().Info("instance_started", "handle", int(h), "filters", len(m.filters))
	m.submitNext(h)
	return nil
}

// Stop disables event delivery and stops the peripheral. The TX priority
// queue is deliberately not flushed: entries not yet handed to hardware
// stay queued and resume draining on the next Start.
func (s *Stack) Stop(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(h)
	if err != nil {
		return err
	}
	return s.stopLocked(h, m)
}

func (s *Stack) stopLocked(h Handle, m *module) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	drv := m.cfg.Driver
	if err := drv.DeactivateNotifications(); err != nil {
		metrics.IncError(metrics.ErrDriverStop)
		return fmt.Errorf("%w: deactivate notifications: %v", ErrDriver, err)
	}
	if err := drv.Stop(); err != nil {
		metrics.IncError(metrics.ErrDriverStop)
		return fmt.Errorf("%w: stop: %v", ErrDriver, err)
	}
	if t := m.boxes.Load(); t != nil {
		t.Reset()
	}
	m.started.Store(false)
	logging.L().Info("instance_stopped", "handle", int(h), "queued", m.q.Used())
	return nil
}

// RegisterRxCallback installs the RX callback; nil uninstalls it.
func (s *Stack) RegisterRxCallback(h Handle, fn RxFunc) error {
	m, err := s.getSafe(h)
	if err != nil {
		return err
	}
	m.cbMu.Lock()
	m.onRx = fn
	m.cbMu.Unlock()
	return nil
}

// RegisterTxCompleteCallback installs the TX-complete callback; nil uninstalls it.
func (s *Stack) RegisterTxCompleteCallback(h Handle, fn TxCompleteFunc) error {
	m, err := s.getSafe(h)
	if err != nil {
		return err
	}
	m.cbMu.Lock()
	m.onTx = fn
	m.cbMu.Unlock()
	return nil
}

// RegisterErrorCallback installs the error callback; nil uninstalls it.
func (s *Stack) RegisterErrorCallback(h Handle, fn ErrorFunc) error {
	m, err := s.getSafe(h)
	if err != nil {
		return err
	}
	m.cbMu.Lock()
	m.onErr = fn
	m.cbMu.Unlock()
	return nil
}

// RegisterBusStateCallback installs the bus-state callback; nil uninstalls it.
func (s *Stack) RegisterBusStateCallback(h Handle, fn BusStateFunc) error {
	m, err := s.getSafe(h)
	if err != nil {
		return err
	}
	m.cbMu.Lock()
	m.onBus = fn
	m.cbMu.Unlock()
	return nil
}

func (s *Stack) getSafe(h Handle) (*module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(h)
}

// BusState reports the current bus health from the driver's error registers.
func (s *Stack) BusState(h Handle) (BusState, error) {
	m, err := s.getSafe(h)
	if err != nil {
		return BusActive, err
	}
	return classifyBusState(m.cfg.Driver.ErrorCounters()), nil
}

// ErrorCounters returns the raw peripheral error-state registers.
func (s *Stack) ErrorCounters(h Handle) (driver.ErrorCounters, error) {
	m, err := s.getSafe(h)
	if err != nil {
		return driver.ErrorCounters{}, err
	}
	return m.cfg.Driver.ErrorCounters(), nil
}

func classifyBusState(c driver.ErrorCounters) BusState {
	switch {
	case c.BusOff:
		return BusOff
	case c.ErrorPassive:
		return BusPassive
	default:
		return BusActive
	}
}

// Occupancy reports used and free entry pool capacity.
func (s *Stack) Occupancy(h Handle) (used, free int, err error) {
	m, err := s.getSafe(h)
	if err != nil {
		return 0, 0, err
	}
	return m.q.Used(), m.q.Free(), nil
}

// Receive drains one buffered inbound message. ok is false when the ring is
// empty. Only valid for RxBuffered instances.
func (s *Stack) Receive(h Handle) (m can.Message, ok bool, err error) {
	mod, err := s.getSafe(h)
	if err != nil {
		return can.Message{}, false, err
	}
	if mod.ring == nil {
		return can.Message{}, false, fmt.Errorf("%w: instance is not rx-buffered", ErrInvalidParam)
	}
	m, ok = mod.ring.Pop()
	return m, ok, nil
}
