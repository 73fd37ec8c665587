package can

import "time"

// Identifier masks and limits (same values as <linux/can.h>).
const (
	SFFMask = 0x7FF      // 11-bit standard identifier
	EFFMask = 0x1FFFFFFF // 29-bit extended identifier
	MaxDLC  = 8          // classic CAN payload limit
)

// IDKind tags the width of a CAN identifier.
type IDKind uint8

const (
	StandardID IDKind = iota // 11-bit
	ExtendedID               // 29-bit
)

// FrameKind distinguishes data frames from remote transmission requests.
type FrameKind uint8

const (
	DataFrame FrameKind = iota
	RemoteFrame
)

// Message is one CAN message as seen by the queueing core. It is copied by
// value into pool slots and ring entries; once enqueued it is never mutated.
// Only the first Len bytes of Data are valid.
type Message struct {
	ID        uint32
	IDKind    IDKind
	Kind      FrameKind
	Len       uint8
	Data      [MaxDLC]byte
	Timestamp time.Time
}

// Valid reports whether the message is well formed: length within the classic
// CAN limit and identifier within the range of its declared width.
func (m Message) Valid() bool {
	if m.Len > MaxDLC {
		return false
	}
	switch m.IDKind {
	case StandardID:
		return m.ID <= SFFMask
	case ExtendedID:
		return m.ID <= EFFMask
	default:
		return false
	}
}

// Payload returns the valid portion of the data bytes.
func (m *Message) Payload() []byte { return m.Data[:m.Len] }
