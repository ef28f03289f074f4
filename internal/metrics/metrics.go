package metrics

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canreader/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series
var (
	TransmitFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transmit_frames_total",
		Help: "Total frames sent by the transmit scheduler (periodic and one-shot).",
	})
	MonitorFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_rx_frames_total",
		Help: "Total frames aggregated into the monitor table.",
	})
	BackendRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_rx_frames_total",
		Help: "Total frames decoded from the adapter, by backend.",
	}, []string{"backend"})
	BackendTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_tx_frames_total",
		Help: "Total frames written to the adapter, by backend.",
	}, []string{"backend"})
	BridgeRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_rx_frames_total",
		Help: "Total CAN frames received from cannelloni TCP clients.",
	})
	BridgeTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_tx_frames_total",
		Help: "Total CAN frames sent to cannelloni TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected bridge clients.",
	})
	MonitorEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_entries",
		Help: "Distinct identifiers currently held in the monitor table.",
	})
	TransmitJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transmit_jobs",
		Help: "Transmit jobs in the scheduler list.",
	})
	TransmitActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transmit_jobs_active",
		Help: "Transmit jobs with an active periodic task.",
	})
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connection_state",
		Help: "Adapter connection state (0=disconnected 1=connecting 2=connected 3=disconnecting).",
	})
	TransmitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transmit_rate_fps",
		Help: "Instantaneous transmit rate in frames per second (speed meter).",
	})
	MonitorRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_rate_fps",
		Help: "Instantaneous receive rate in frames per second (speed meter).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad adapter reply, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrConnect    = "transport_connect"
	ErrDisconnect = "transport_disconnect"
	ErrSend       = "transport_send"
	ErrRead       = "transport_read"
	ErrAdapter    = "adapter"
	ErrTxOverflow = "tx_overflow"
	ErrTCPRead    = "tcp_read"
	ErrTCPWrite   = "tcp_write"
	ErrHandshake  = "handshake"
	ErrOther      = "other"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
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
	localTx         uint64
	localRx         uint64
	localBackendRx  uint64
	localBackendTx  uint64
	localBridgeRx   uint64
	localBridgeTx   uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localErrors     uint64
	localMalformed  uint64
	localEntries    uint64
	localJobs       uint64
	localActive     uint64
	localState      uint64
	localTxRate     uint64 // float64 bits
	localRxRate     uint64 // float64 bits
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Tx             uint64
	Rx             uint64
	BackendRx      uint64
	BackendTx      uint64
	BridgeRx       uint64
	BridgeTx       uint64
	HubDrops       uint64
	HubKicks       uint64
	HubRejects     uint64
	HubClients     uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
	MonitorEntries uint64
	TransmitJobs   uint64
	ActiveJobs     uint64
	State          uint64
	TxRate         float64
	RxRate         float64
}

func Snap() Snapshot {
	return Snapshot{
		Tx:             atomic.LoadUint64(&localTx),
		Rx:             atomic.LoadUint64(&localRx),
		BackendRx:      atomic.LoadUint64(&localBackendRx),
		BackendTx:      atomic.LoadUint64(&localBackendTx),
		BridgeRx:       atomic.LoadUint64(&localBridgeRx),
		BridgeTx:       atomic.LoadUint64(&localBridgeTx),
		HubDrops:       atomic.LoadUint64(&localHubDrop),
		HubKicks:       atomic.LoadUint64(&localHubKick),
		HubRejects:     atomic.LoadUint64(&localHubReject),
		HubClients:     atomic.LoadUint64(&localHubClients),
		Errors:         atomic.LoadUint64(&localErrors),
		Malformed:      atomic.LoadUint64(&localMalformed),
		MonitorEntries: atomic.LoadUint64(&localEntries),
		TransmitJobs:   atomic.LoadUint64(&localJobs),
		ActiveJobs:     atomic.LoadUint64(&localActive),
		State:          atomic.LoadUint64(&localState),
		TxRate:         math.Float64frombits(atomic.LoadUint64(&localTxRate)),
		RxRate:         math.Float64frombits(atomic.LoadUint64(&localRxRate)),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTx() {
	TransmitFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx() {
	MonitorFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

// IncBackendRx counts a frame decoded by the named backend.
func IncBackendRx(backend string) {
	BackendRxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBackendRx, 1)
}

// IncBackendTx counts a frame written by the named backend.
func IncBackendTx(backend string) {
	BackendTxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localBackendTx, 1)
}

func IncBridgeRx() {
	BridgeRxFrames.Inc()
	atomic.AddUint64(&localBridgeRx, 1)
}

func AddBridgeTx(n int) {
	BridgeTxFrames.Add(float64(n))
	atomic.AddUint64(&localBridgeTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func SetMonitorEntries(n int) {
	MonitorEntries.Set(float64(n))
	atomic.StoreUint64(&localEntries, uint64(n))
}

// SetTransmitJobs records the list size and how many jobs have an active task.
func SetTransmitJobs(total, active int) {
	TransmitJobs.Set(float64(total))
	TransmitActive.Set(float64(active))
	atomic.StoreUint64(&localJobs, uint64(total))
	atomic.StoreUint64(&localActive, uint64(active))
}

// SetConnectionState records the numeric connection state.
func SetConnectionState(s int) {
	ConnectionState.Set(float64(s))
	atomic.StoreUint64(&localState, uint64(s))
}

// SetRates records the last speed meter sample.
func SetRates(tx, rx float64) {
	TransmitRate.Set(tx)
	MonitorRate.Set(rx)
	atomic.StoreUint64(&localTxRate, math.Float64bits(tx))
	atomic.StoreUint64(&localRxRate, math.Float64bits(rx))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrConnect, ErrDisconnect, ErrSend, ErrRead, ErrAdapter,
		ErrTxOverflow, ErrTCPRead, ErrTCPWrite, ErrHandshake,
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
