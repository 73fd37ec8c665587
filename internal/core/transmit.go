package core

import (
	"fmt"
	"time"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/driver"
	"github.com/sp-codialist/canbsp/internal/metrics"
)

// Transmit queues a message for transmission at the given priority level
// (0 is highest) and immediately attempts to push queued work into free
// hardware mailboxes. Never blocks: a full priority class fails with
// ErrTxQueueFull and the caller decides whether to retry or drop.
//
// txID is an opaque caller-chosen identifier reported back by the
// TX-complete callback and usable with AbortTransmit.
func (s *Stack) Transmit(h Handle, m can.Message, prio uint8, txID uint32) error {
	mod, err := s.getSafe(h)
	if err != nil {
		return err
	}
	if !mod.started.Load() {
		return ErrNotStarted
	}
	if mod.cfg.Silent {
		return ErrSilentMode
	}
	if !m.Valid() {
		return fmt.Errorf("%w: malformed message", ErrInvalidParam)
	}
	if int(prio) >= s.params.PriorityLevels {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidParam, prio)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	if err := mod.q.Enqueue(m, txID, prio); err != nil {
		mod.stats.add(&mod.stats.txQueueFull)
		metrics.IncTxQueueFull()
		return ErrTxQueueFull
	}
	mod.stats.add(&mod.stats.txEnqueued)
	metrics.IncTxEnqueued()
	metrics.SetQueueUsed(mod.q.Used())

	// best-effort immediate submission; back-pressure simply leaves the
	// entry queued for the next TX-complete drain
	mod.submitNext(h)
	return nil
}

// AbortTransmit cancels a queued, not-yet-submitted message by tx identifier.
// Returns false when no matching entry is queued; messages already handed to
// a hardware mailbox are beyond this layer's reach.
func (s *Stack) AbortTransmit(h Handle, txID uint32) (bool, error) {
	mod, err := s.getSafe(h)
	if err != nil {
		return false, err
	}
	if !mod.q.Remove(txID) {
		return false, nil
	}
	mod.stats.add(&mod.stats.txAborted)
	metrics.IncTxAborted()
	metrics.SetQueueUsed(mod.q.Used())
	return true, nil
}

// submitNext drains the priority queue into free hardware mailboxes. It runs
// from both contexts: the tail of Transmit (normal) and the TX-complete
// handler (interrupt). submitMu serializes the pop-submit-record sequence so
// concurrent drains cannot invert priority order or race a completion.
//
// The popped entry is released before the driver call: once handed over, the
// hardware owns the frame. A driver-layer rejection drops the message unless
// the instance runs with AutoRetransmit, in which case the frame is requeued
// at its priority and retried on the next drain.
//
// Callback invocations are collected inside the critical section and fired
// after it, so a callback may safely re-enter Transmit.
func (m *module) submitNext(h Handle) {
	drv := m.cfg.Driver
	var (
		completed []uint32
		dropped   []error
		echoed    []can.Message
	)

	m.submitMu.Lock()
	for drv.FreeTxMailboxCount() > 0 {
		idx, ok := m.q.PopHighest()
		if !ok {
			break
		}
		msg, txID, prio := m.q.Snapshot(idx)
		m.q.Release(idx)

		hdr := driver.TxHeader{ID: msg.ID, IDKind: msg.IDKind, Kind: msg.Kind, Len: msg.Len}
		mb, err := drv.AddTxMessage(hdr, msg.Payload())
		if err != nil {
			metrics.IncError(metrics.ErrDriverTx)
			if m.cfg.AutoRetransmit && m.q.Enqueue(msg, txID, prio) == nil {
				// back at the tail of its level; stop draining so a wedged
				// peripheral cannot spin this loop
				break
			}
			m.stats.add(&m.stats.txDropped)
			metrics.IncTxDropped()
			dropped = append(dropped, fmt.Errorf("%w: add tx message: %v", ErrDriver, err))
			continue
		}
		if t := m.boxes.Load(); t != nil {
			if old, hadOld := t.Exchange(mb, txID); hadOld {
				// the driver reused this mailbox before its completion
				// event was dispatched; report the finished occupant here
				m.stats.add(&m.stats.txCompleted)
				metrics.IncTxCompleted()
				completed = append(completed, old)
			}
			metrics.SetMailboxesActive(t.Active())
		}
		m.stats.add(&m.stats.txSubmitted)
		metrics.IncTxSubmitted()
		metrics.SetQueueUsed(m.q.Used())

		if m.cfg.Loopback {
			echoed = append(echoed, msg)
		}
	}
	m.submitMu.Unlock()

	for _, txID := range completed {
		m.fireTxComplete(h, txID)
	}
	for _, err := range dropped {
		m.fireError(h, ErrorKindTxDropped, err)
	}
	for _, msg := range echoed {
		m.deliverRx(h, msg)
	}
}
