package core

import "sync/atomic"

// Stats is a snapshot of one instance's counters.
type Stats struct {
	TxEnqueued  uint64
	TxSubmitted uint64
	TxCompleted uint64
	TxAborted   uint64
	TxQueueFull uint64
	TxDropped   uint64
	RxFrames    uint64
	RxOverruns  uint64
	BusErrors   uint64
}

// stats holds the live per-instance counters. Counting is skipped entirely
// when statistics are disabled in Params.
type stats struct {
	enabled     bool
	txEnqueued  atomic.Uint64
	txSubmitted atomic.Uint64
	txCompleted atomic.Uint64
	txAborted   atomic.Uint64
	txQueueFull atomic.Uint64
	txDropped   atomic.Uint64
	rxFrames    atomic.Uint64
	rxOverruns  atomic.Uint64
	busErrors   atomic.Uint64
}

func (s *stats) add(c *atomic.Uint64) {
	if s.enabled {
		c.Add(1)
	}
}

func (s *stats) snapshot() Stats {
	return Stats{
		TxEnqueued:  s.txEnqueued.Load(),
		TxSubmitted: s.txSubmitted.Load(),
		TxCompleted: s.txCompleted.Load(),
		TxAborted:   s.txAborted.Load(),
		TxQueueFull: s.txQueueFull.Load(),
		TxDropped:   s.txDropped.Load(),
		RxFrames:    s.rxFrames.Load(),
		RxOverruns:  s.rxOverruns.Load(),
		BusErrors:   s.busErrors.Load(),
	}
}

// Stats returns the instance's counter snapshot; fails with ErrStatsDisabled
// when the stack was built without statistics.
func (s *Stack) Stats(h Handle) (Stats, error) {
	m, err := s.getSafe(h)
	if err != nil {
		return Stats{}, err
	}
	if !m.stats.enabled {
		return Stats{}, ErrStatsDisabled
	}
	return m.stats.snapshot(), nil
}
