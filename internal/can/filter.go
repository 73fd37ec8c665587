package can

// FIFO selects one of the two hardware receive FIFOs.
type FIFO uint8

const (
	FIFO0 FIFO = 0
	FIFO1 FIFO = 1
)

// Filter is one acceptance filter entry: a frame matches when
// (frame.ID & Mask) == (ID & Mask) and the identifier width agrees.
// Matching frames are routed to the assigned FIFO.
type Filter struct {
	ID     uint32
	Mask   uint32
	IDKind IDKind
	FIFO   FIFO
}

// Matches reports whether the message passes this filter.
func (f Filter) Matches(m Message) bool {
	if m.IDKind != f.IDKind {
		return false
	}
	return m.ID&f.Mask == f.ID&f.Mask
}

// MatchAny reports whether the message passes at least one of the filters.
// An empty filter list accepts everything, mirroring hardware behavior when
// no acceptance filter bank is programmed.
func MatchAny(filters []Filter, m Message) (FIFO, bool) {
	if len(filters) == 0 {
		return FIFO0, true
	}
	for _, f := range filters {
		if f.Matches(m) {
			return f.FIFO, true
		}
	}
	return FIFO0, false
}
