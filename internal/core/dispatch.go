package core

import (
	"fmt"
	"time"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/metrics"
)

// Interrupt dispatch entry points. The driver backend invokes these from its
// delivery goroutine; they must stay bounded and non-blocking, never
// allocate, and never touch the stack lifecycle lock.

// handleRxPending pulls one frame from the signaled FIFO and hands it to the
// application, either directly through the RX callback or via the ring.
// The RX path is independent of the TX queue critical section.
func (m *module) handleRxPending(h Handle, fifo can.FIFO) {
	if !m.started.Load() {
		return // delivery raced a stop or free
	}
	msg, err := m.cfg.Driver.GetRxMessage(fifo)
	if err != nil {
		metrics.IncError(metrics.ErrDriverRx)
		m.fireError(h, ErrorKindRxRead, fmt.Errorf("%w: get rx message: %v", ErrDriver, err))
		return
	}
	m.deliverRx(h, msg)
}

func (m *module) deliverRx(h Handle, msg can.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.stats.add(&m.stats.rxFrames)
	metrics.IncRxFrame()

	if m.ring != nil {
		if !m.ring.Push(msg) {
			m.stats.add(&m.stats.rxOverruns)
			metrics.IncRxOverrun()
			m.fireError(h, ErrorKindRxOverrun, ErrRxOverrun)
		}
		return
	}

	m.cbMu.Lock()
	cb := m.onRx
	m.cbMu.Unlock()
	if cb != nil {
		cb(h, msg)
	}
}

// handleTxComplete clears the mailbox slot, reports the completed tx
// identifier and refills freed mailboxes from the priority queue. This
// drain loop is what keeps mailboxes continuously full under load without
// any polling.
func (m *module) handleTxComplete(h Handle, mb int) {
	if !m.started.Load() {
		return
	}
	// submitMu orders this against an in-flight pop-submit-record sequence,
	// so the occupant of this mailbox is recorded before we look it up
	m.submitMu.Lock()
	t := m.boxes.Load()
	var txID uint32
	var ok bool
	if t != nil {
		txID, ok = t.Complete(mb)
	}
	m.submitMu.Unlock()
	if !ok {
		return // spurious or already-reported completion
	}
	metrics.SetMailboxesActive(t.Active())
	m.stats.add(&m.stats.txCompleted)
	metrics.IncTxCompleted()
	m.fireTxComplete(h, txID)

	m.submitNext(h)
}

// handleBusError classifies the driver's reported error state. Bus-off and
// error-passive transitions additionally fire the bus-state callback; the
// queueing core itself keeps running either way, leaving recovery policy to
// a higher layer.
func (m *module) handleBusError(h Handle) {
	if !m.started.Load() {
		return
	}
	drv := m.cfg.Driver
	code := drv.ErrorCode()
	counters := drv.ErrorCounters()
	m.stats.add(&m.stats.busErrors)
	metrics.IncBusError()

	kind := ErrorKindGeneric
	state := classifyBusState(counters)
	switch state {
	case BusOff:
		kind = ErrorKindBusOff
	case BusPassive:
		kind = ErrorKindBusPassive
	}

	if prev := BusState(m.busState.Swap(uint32(state))); state != prev && state != BusActive {
		metrics.IncBusStateChange()
		m.cbMu.Lock()
		cb := m.onBus
		m.cbMu.Unlock()
		if cb != nil {
			cb(h, state)
		}
	}

	var err error
	switch kind {
	case ErrorKindBusOff:
		err = ErrBusOff
	case ErrorKindBusPassive:
		err = ErrBusPassive
	default:
		err = fmt.Errorf("%w: peripheral error code %d", ErrDriver, code)
	}
	m.fireError(h, kind, err)
}

func (m *module) fireTxComplete(h Handle, txID uint32) {
	m.cbMu.Lock()
	cb := m.onTx
	m.cbMu.Unlock()
	if cb != nil {
		cb(h, txID)
	}
}

func (m *module) fireError(h Handle, kind ErrorKind, err error) {
	m.cbMu.Lock()
	cb := m.onErr
	m.cbMu.Unlock()
	if cb != nil {
		cb(h, kind, err)
	}
}
