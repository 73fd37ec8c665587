//go:build !linux

package driver

import (
	"errors"

	"github.com/sp-codialist/canbsp/internal/can"
)

// SocketCANConfig configures the Linux SocketCAN backend (stub on this platform).
type SocketCANConfig struct {
	Interface string
	Mailboxes int
	FIFODepth int
}

var errSocketCANUnsupported = errors.New("driver: socketcan requires linux")

// SocketCAN is a stub so backend selection code compiles off linux.
type SocketCAN struct{}

func NewSocketCAN(SocketCANConfig) *SocketCAN { return &SocketCAN{} }

func (*SocketCAN) Start() error                               { return errSocketCANUnsupported }
func (*SocketCAN) Stop() error                                { return errSocketCANUnsupported }
func (*SocketCAN) ConfigFilter(can.Filter) error              { return errSocketCANUnsupported }
func (*SocketCAN) ActivateNotifications(Events) error         { return errSocketCANUnsupported }
func (*SocketCAN) DeactivateNotifications() error             { return errSocketCANUnsupported }
func (*SocketCAN) AddTxMessage(TxHeader, []byte) (int, error) { return 0, errSocketCANUnsupported }
func (*SocketCAN) GetRxMessage(can.FIFO) (can.Message, error) {
	return can.Message{}, errSocketCANUnsupported
}
func (*SocketCAN) FreeTxMailboxCount() int      { return 0 }
func (*SocketCAN) ErrorCode() uint32            { return 0 }
func (*SocketCAN) ErrorCounters() ErrorCounters { return ErrorCounters{} }
