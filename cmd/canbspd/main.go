package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/core"
	"github.com/sp-codialist/canbsp/internal/driver"
	"github.com/sp-codialist/canbsp/internal/metrics"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, backend.go, traffic.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canbspd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	backend, err := newBackend(cfg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		os.Exit(1)
	}

	stack, err := core.New(core.Params{
		Instances:      1,
		QueueDepth:     cfg.queueDepth,
		RxRingDepth:    cfg.rxRingDepth,
		PriorityLevels: cfg.priorityLevels,
		Statistics:     true,
	})
	if err != nil {
		l.Error("stack_init_error", "error", err)
		os.Exit(1)
	}
	rxMode := core.RxBuffered
	if cfg.rxMode == "callback" {
		rxMode = core.RxCallback
	}
	h, err := stack.Alloc(core.ModuleConfig{
		Driver:   backend,
		Loopback: cfg.loopback,
		Silent:   cfg.silent,
		RxMode:   rxMode,
	})
	if err != nil {
		l.Error("instance_alloc_error", "error", err)
		os.Exit(1)
	}

	if rxMode == core.RxCallback {
		_ = stack.RegisterRxCallback(h, func(_ core.Handle, m can.Message) {
			l.Debug("rx_frame", "id", m.ID, "len", m.Len)
		})
	}
	_ = stack.RegisterTxCompleteCallback(h, func(_ core.Handle, txID uint32) {
		l.Debug("tx_complete", "tx_id", txID)
	})
	_ = stack.RegisterErrorCallback(h, func(_ core.Handle, kind core.ErrorKind, err error) {
		l.Warn("instance_error", "kind", kind.String(), "error", err)
	})
	_ = stack.RegisterBusStateCallback(h, func(_ core.Handle, st core.BusState) {
		l.Warn("bus_state", "state", st.String())
	})

	if err := stack.Start(h); err != nil {
		l.Error("instance_start_error", "error", err)
		os.Exit(1)
	}

	startTxTraffic(ctx, cfg, stack, h, l, &wg)
	if sim, ok := backend.(*driver.Sim); ok {
		startRxTraffic(ctx, cfg, sim, &wg)
	}
	if rxMode == core.RxBuffered {
		startRxDrain(ctx, stack, h, l, &wg)
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		if cfg.mdnsEnable {
			port := 0
			if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if pn, perr := strconv.Atoi(p); perr == nil {
					port = pn
				}
			}
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
				defer cleanupMDNS()
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if err := stack.Stop(h); err != nil {
		l.Warn("instance_stop_error", "error", err)
	}
	wg.Wait()
}
