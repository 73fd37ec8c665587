package core

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrInvalidParam   = errors.New("invalid parameter")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrNotStarted     = errors.New("instance not started")
	ErrAlreadyStarted = errors.New("instance already started")
	ErrTxQueueFull    = errors.New("tx queue full")
	ErrFilterFull     = errors.New("filter table full")
	ErrNoResource     = errors.New("no free instance slot")
	ErrDriver         = errors.New("driver layer failure")
	ErrBusOff         = errors.New("bus off")
	ErrBusPassive     = errors.New("bus error passive")
	ErrRxOverrun      = errors.New("rx ring overrun")
	ErrSilentMode     = errors.New("transmit disabled in silent mode")
	ErrStatsDisabled  = errors.New("statistics disabled")
)

// ErrorKind classifies failures reported through the error callback; there
// is no caller to return to on the interrupt path, so classification rides
// along with the wrapped cause instead.
type ErrorKind uint8

const (
	ErrorKindGeneric ErrorKind = iota
	ErrorKindBusOff
	ErrorKindBusPassive
	ErrorKindRxOverrun
	ErrorKindTxDropped
	ErrorKindRxRead
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindGeneric:
		return "generic"
	case ErrorKindBusOff:
		return "bus_off"
	case ErrorKindBusPassive:
		return "bus_passive"
	case ErrorKindRxOverrun:
		return "rx_overrun"
	case ErrorKindTxDropped:
		return "tx_dropped"
	case ErrorKindRxRead:
		return "rx_read"
	default:
		return "unknown"
	}
}

// BusState is the coarse bus health reported to the bus-state callback and
// by the BusState query.
type BusState uint8

const (
	BusActive BusState = iota
	BusPassive
	BusOff
)

func (s BusState) String() string {
	switch s {
	case BusActive:
		return "active"
	case BusPassive:
		return "error_passive"
	case BusOff:
		return "bus_off"
	default:
		return "unknown"
	}
}
