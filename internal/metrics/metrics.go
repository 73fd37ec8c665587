package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sp-codialist/canbsp/internal/logging"
)

// Prometheus counters
var (
	TxEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_tx_enqueued_total",
		Help: "Total messages accepted into the TX priority queue.",
	})
	TxSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_tx_submitted_total",
		Help: "Total messages handed to a hardware TX mailbox.",
	})
	TxCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_tx_completed_total",
		Help: "Total TX mailbox completion events.",
	})
	TxAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_tx_aborted_total",
		Help: "Total queued messages cancelled before submission.",
	})
	TxQueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_tx_queue_full_total",
		Help: "Total transmit attempts rejected because the priority queue was full.",
	})
	TxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_tx_dropped_total",
		Help: "Total messages dropped because the driver layer rejected the mailbox write.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_rx_frames_total",
		Help: "Total frames received from the driver layer RX FIFOs.",
	})
	RxOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_rx_overruns_total",
		Help: "Total frames discarded because the RX ring was full.",
	})
	BusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_bus_errors_total",
		Help: "Total bus error events reported by the driver layer.",
	})
	BusStateChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canbsp_bus_state_changes_total",
		Help: "Total bus-off or error-passive transitions observed.",
	})
	QueueUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canbsp_tx_queue_used",
		Help: "Entry pool slots currently occupied by queued messages.",
	})
	MailboxesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canbsp_tx_mailboxes_active",
		Help: "Hardware TX mailboxes currently occupied.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrDriverStart  = "driver_start"
	ErrDriverStop   = "driver_stop"
	ErrDriverTx     = "driver_tx"
	ErrDriverRx     = "driver_rx"
	ErrDriverFilter = "driver_filter"
	ErrSerialWrite  = "serial_write"
	ErrSerialRead   = "serial_read"
	ErrSerialOver   = "serial_tx_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTxEnqueued  uint64
	localTxSubmitted uint64
	localTxCompleted uint64
	localTxAborted   uint64
	localTxQueueFull uint64
	localTxDropped   uint64
	localRxFrames    uint64
	localRxOverruns  uint64
	localBusErrors   uint64
	localBusState    uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	TxEnqueued      uint64
	TxSubmitted     uint64
	TxCompleted     uint64
	TxAborted       uint64
	TxQueueFull     uint64
	TxDropped       uint64
	RxFrames        uint64
	RxOverruns      uint64
	BusErrors       uint64
	BusStateChanges uint64
	Errors          uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		TxEnqueued:      atomic.LoadUint64(&localTxEnqueued),
		TxSubmitted:     atomic.LoadUint64(&localTxSubmitted),
		TxCompleted:     atomic.LoadUint64(&localTxCompleted),
		TxAborted:       atomic.LoadUint64(&localTxAborted),
		TxQueueFull:     atomic.LoadUint64(&localTxQueueFull),
		TxDropped:       atomic.LoadUint64(&localTxDropped),
		RxFrames:        atomic.LoadUint64(&localRxFrames),
		RxOverruns:      atomic.LoadUint64(&localRxOverruns),
		BusErrors:       atomic.LoadUint64(&localBusErrors),
		BusStateChanges: atomic.LoadUint64(&localBusState),
		Errors:          atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTxEnqueued() {
	TxEnqueued.Inc()
	atomic.AddUint64(&localTxEnqueued, 1)
}

func IncTxSubmitted() {
	TxSubmitted.Inc()
	atomic.AddUint64(&localTxSubmitted, 1)
}

func IncTxCompleted() {
	TxCompleted.Inc()
	atomic.AddUint64(&localTxCompleted, 1)
}

func IncTxAborted() {
	TxAborted.Inc()
	atomic.AddUint64(&localTxAborted, 1)
}

func IncTxQueueFull() {
	TxQueueFull.Inc()
	atomic.AddUint64(&localTxQueueFull, 1)
}

func IncTxDropped() {
	TxDropped.Inc()
	atomic.AddUint64(&localTxDropped, 1)
}

func IncRxFrame() {
	RxFrames.Inc()
	atomic.AddUint64(&localRxFrames, 1)
}

func IncRxOverrun() {
	RxOverruns.Inc()
	atomic.AddUint64(&localRxOverruns, 1)
}

func IncBusError() {
	BusErrors.Inc()
	atomic.AddUint64(&localBusErrors, 1)
}

func IncBusStateChange() {
	BusStateChanges.Inc()
	atomic.AddUint64(&localBusState, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueUsed records the current entry pool occupancy.
func SetQueueUsed(n int) { QueueUsed.Set(float64(n)) }

// SetMailboxesActive records the current hardware mailbox occupancy.
func SetMailboxesActive(n int) { MailboxesActive.Set(float64(n)) }

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrDriverStart, ErrDriverStop, ErrDriverTx, ErrDriverRx, ErrDriverFilter,
		ErrSerialWrite, ErrSerialRead, ErrSerialOver,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
