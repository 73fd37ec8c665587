// Package driver defines the peripheral driver boundary consumed by the
// queueing core, plus the backends that implement it: an in-memory simulator,
// an SLCAN serial adapter and a Linux SocketCAN adapter.
//
// The core never touches hardware directly; it calls into a Driver and
// receives events back on whatever goroutine the backend delivers them from.
// That delivery goroutine plays the role of the interrupt context.
package driver

import (
	"errors"

	"github.com/sp-codialist/canbsp/internal/can"
)

var (
	// ErrRxEmpty is returned by GetRxMessage when the FIFO has no pending frame.
	ErrRxEmpty = errors.New("driver: rx fifo empty")
	// ErrTxBusy is returned by AddTxMessage when no hardware mailbox is free.
	ErrTxBusy = errors.New("driver: no free tx mailbox")
	// ErrNotStarted is returned for operations requiring a running peripheral.
	ErrNotStarted = errors.New("driver: not started")
	// ErrRejected is returned when the peripheral refused an otherwise valid request.
	ErrRejected = errors.New("driver: request rejected")
)

// Peripheral error codes, modeled on the last-error-code field of common CAN
// controllers. Zero means no error recorded.
const (
	ErrCodeNone  uint32 = 0
	ErrCodeStuff uint32 = 1
	ErrCodeForm  uint32 = 2
	ErrCodeAck   uint32 = 3
	ErrCodeBit   uint32 = 4
	ErrCodeCRC   uint32 = 6
	ErrCodeOther uint32 = 7
)

// TxHeader is the wire-header view of an outbound frame as the driver layer
// wants it: identifier, identifier width, frame kind and payload length.
type TxHeader struct {
	ID     uint32
	IDKind can.IDKind
	Kind   can.FrameKind
	Len    uint8
}

// ErrorCounters mirrors the peripheral's bus error-state registers.
type ErrorCounters struct {
	TxErrors     uint8
	RxErrors     uint8
	ErrorWarning bool
	ErrorPassive bool
	BusOff       bool
}

// Events are the interrupt-style entry points a backend invokes. The core
// installs these via ActivateNotifications; backends call them synchronously
// from their delivery goroutine and must tolerate no-op defaults.
type Events struct {
	// RxPending signals that at least one frame is waiting in the given FIFO.
	RxPending func(fifo can.FIFO)
	// TxComplete signals that the given hardware mailbox finished transmitting.
	TxComplete func(mailbox int)
	// BusError signals an error condition; the core queries ErrorCode and
	// ErrorCounters to classify it.
	BusError func()
}

// Driver is the per-instance peripheral boundary.
//
// Start programs any staged filters and brings the peripheral online.
// AddTxMessage pushes a frame into a free hardware mailbox and reports the
// mailbox index used. GetRxMessage pulls one pending frame from a FIFO.
// All methods are synchronous and must not invoke Events re-entrantly from
// the caller's stack while holding backend locks.
type Driver interface {
	Start() error
	Stop() error
	ConfigFilter(f can.Filter) error
	ActivateNotifications(ev Events) error
	DeactivateNotifications() error
	AddTxMessage(hdr TxHeader, payload []byte) (mailbox int, err error)
	GetRxMessage(fifo can.FIFO) (can.Message, error)
	FreeTxMailboxCount() int
	ErrorCode() uint32
	ErrorCounters() ErrorCounters
}
