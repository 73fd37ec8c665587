package main

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/core"
	"github.com/sp-codialist/canbsp/internal/driver"
)

// startTxTraffic periodically queues a test frame, cycling through the
// priority levels so the soak run exercises the whole selection bitmap.
func startTxTraffic(ctx context.Context, cfg *appConfig, s *core.Stack, h core.Handle, l *slog.Logger, wg *sync.WaitGroup) {
	if cfg.txEvery <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.txEvery)
		defer t.Stop()
		var seq uint32
		for {
			select {
			case <-t.C:
				seq++
				m := can.Message{ID: 0x100 + seq%16, IDKind: can.StandardID, Len: 4}
				binary.BigEndian.PutUint32(m.Data[:4], seq)
				prio := uint8(seq % uint32(cfg.priorityLevels))
				err := s.Transmit(h, m, prio, seq)
				switch {
				case err == nil:
				case errors.Is(err, core.ErrTxQueueFull):
					l.Debug("tx_backpressure", "seq", seq, "prio", prio)
				default:
					l.Warn("tx_error", "error", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startRxTraffic injects frames into the simulated controller so the RX path
// sees traffic without a physical bus.
func startRxTraffic(ctx context.Context, cfg *appConfig, sim *driver.Sim, wg *sync.WaitGroup) {
	if cfg.rxEvery <= 0 || sim == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.rxEvery)
		defer t.Stop()
		var seq uint32
		for {
			select {
			case <-t.C:
				seq++
				m := can.Message{ID: 0x200 + seq%16, IDKind: can.StandardID, Len: 4}
				binary.BigEndian.PutUint32(m.Data[:4], seq)
				sim.InjectRx(m)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startRxDrain empties the RX ring of a buffered instance. Frames are logged
// at debug level only; the point of the loop is keeping the ring from
// overrunning while the counters tell the story.
func startRxDrain(ctx context.Context, s *core.Stack, h core.Handle, l *slog.Logger, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				for {
					m, ok, err := s.Receive(h)
					if err != nil || !ok {
						break
					}
					l.Debug("rx_frame", "id", m.ID, "len", m.Len)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
