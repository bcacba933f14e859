// Package metrics exposes Prometheus counters/gauges for the chat relay
// plus a cheap local mirror for periodic log-line summaries.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/irl-lan/chatrelay/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors.
var (
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames sent to TCP clients.",
	})
	RelayDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_frames_total",
		Help: "Total messages dropped by the relay due to a slow recipient (drop policy).",
	})
	RelayKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_kicked_clients_total",
		Help: "Total clients disconnected due to the backpressure kick policy.",
	})
	RelayRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rejected_clients_total",
		Help: "Total client connection attempts rejected (registry at capacity).",
	})
	RelayActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_clients",
		Help: "Current number of active connected clients.",
	})
	RelayBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_broadcast_fanout",
		Help: "Number of recipients targeted in the most recent broadcast.",
	})
	RelayQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth_max",
		Help: "Observed max queued messages among recipients in the last broadcast.",
	})
	RelayQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth_avg",
		Help: "Approximate average queued messages per recipient in the last broadcast.",
	})
	DiscoveryProbesAnswered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discovery_probes_answered_total",
		Help: "Total UDP discovery probes answered.",
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
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrHandshake = "handshake"
	ErrRelay     = "relay"
	ErrUDP       = "udp"
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging without scraping
// Prometheus in-process.
var (
	localTCPRx     uint64
	localTCPTx     uint64
	localDrop      uint64
	localKick      uint64
	localReject    uint64
	localErrors    uint64
	localClients   uint64
	localFanout    uint64
	localMalformed uint64
	localQDMax     uint64
	localQDAvg     uint64
	localProbes    uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	TCPRx         uint64
	TCPTx         uint64
	Drops         uint64
	Kicks         uint64
	Rejects       uint64
	Errors        uint64
	ActiveClients uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
	ProbesAnswered uint64
}

// Snap returns the current local counter values.
func Snap() Snapshot {
	return Snapshot{
		TCPRx:          atomic.LoadUint64(&localTCPRx),
		TCPTx:          atomic.LoadUint64(&localTCPTx),
		Drops:          atomic.LoadUint64(&localDrop),
		Kicks:          atomic.LoadUint64(&localKick),
		Rejects:        atomic.LoadUint64(&localReject),
		Errors:         atomic.LoadUint64(&localErrors),
		ActiveClients:  atomic.LoadUint64(&localClients),
		Fanout:         atomic.LoadUint64(&localFanout),
		Malformed:      atomic.LoadUint64(&localMalformed),
		QueueDepthMax:  atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:  atomic.LoadUint64(&localQDAvg),
		ProbesAnswered: atomic.LoadUint64(&localProbes),
	}
}

func IncTCPRx() { TCPRxFrames.Inc(); atomic.AddUint64(&localTCPRx, 1) }
func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncRelayDrop() { RelayDroppedFrames.Inc(); atomic.AddUint64(&localDrop, 1) }
func IncRelayKick() { RelayKickedClients.Inc(); atomic.AddUint64(&localKick, 1) }
func IncRelayReject() {
	RelayRejectedClients.Inc()
	atomic.AddUint64(&localReject, 1)
}

func SetActiveClients(n int) {
	RelayActiveClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	RelayBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() { MalformedFrames.Inc(); atomic.AddUint64(&localMalformed, 1) }

func IncDiscoveryProbeAnswered() {
	DiscoveryProbesAnswered.Inc()
	atomic.AddUint64(&localProbes, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	RelayQueueDepthMax.Set(float64(max))
	RelayQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrRelay, ErrUDP} {
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
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
