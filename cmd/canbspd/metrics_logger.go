package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sp-codialist/canbsp/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tx_enqueued", snap.TxEnqueued,
					"tx_submitted", snap.TxSubmitted,
					"tx_completed", snap.TxCompleted,
					"tx_aborted", snap.TxAborted,
					"tx_queue_full", snap.TxQueueFull,
					"tx_dropped", snap.TxDropped,
					"rx_frames", snap.RxFrames,
					"rx_overruns", snap.RxOverruns,
					"bus_errors", snap.BusErrors,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
