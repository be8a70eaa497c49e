// Package metrics exposes Prometheus counters and gauges for the ASTM
// data-link engine, plus a small set of atomically mirrored local
// counters for cheap in-process logging without round-tripping through
// the Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-astm-link/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters and gauges.
var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_sessions_started_total",
		Help: "Total sessions that completed the ENQ/ACK handshake into Receiving.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "astm_sessions_active",
		Help: "Current number of connections attached to the engine.",
	})
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_frames_rx_total",
		Help: "Total frames accepted (checksum-valid, accepted by the instrument callback).",
	})
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_frames_tx_total",
		Help: "Total frames transmitted to the peer.",
	})
	MessagesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_messages_rx_total",
		Help: "Total complete inbound messages delivered to the instrument callback.",
	})
	MessagesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_messages_tx_total",
		Help: "Total complete outbound messages fully transmitted.",
	})
	ChecksumErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_checksum_errors_total",
		Help: "Total frames rejected for a checksum or framing defect.",
	})
	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_timeouts_total",
		Help: "Total sessions that were reset to Idle by the countdown timer.",
	})
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_heartbeats_total",
		Help: "Total idle-interval producer ticks that yielded an outbound message.",
	})
	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_handshake_failures_total",
		Help: "Total reads received in Idle whose first byte was not ENQ.",
	})
	CallbackErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astm_callback_errors_total",
		Help: "Total frames rejected by the instrument callback (OnRecvFrame returning an error).",
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

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPAccept     = "tcp_accept"
	ErrTCPRead       = "tcp_read"
	ErrTCPWrite      = "tcp_write"
	ErrSerialOpen    = "serial_open"
	ErrSerialRead    = "serial_read"
	ErrSerialWrite   = "serial_write"
	ErrMDNSAdvertise = "mdns_advertise"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe
// at /ready.
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

// Local mirrored counters for cheap in-process logging.
var (
	localSessionsStarted   uint64
	localFramesRx          uint64
	localFramesTx          uint64
	localMessagesRx        uint64
	localMessagesTx        uint64
	localChecksumErrors    uint64
	localTimeouts          uint64
	localHeartbeats        uint64
	localHandshakeFailures uint64
	localCallbackErrors    uint64
	localErrors            uint64
	localSessionsActive    uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	SessionsStarted   uint64
	SessionsActive    uint64
	FramesRx          uint64
	FramesTx          uint64
	MessagesRx        uint64
	MessagesTx        uint64
	ChecksumErrors    uint64
	Timeouts          uint64
	Heartbeats        uint64
	HandshakeFailures uint64
	CallbackErrors    uint64
	Errors            uint64
}

func Snap() Snapshot {
	return Snapshot{
		SessionsStarted:   atomic.LoadUint64(&localSessionsStarted),
		SessionsActive:    atomic.LoadUint64(&localSessionsActive),
		FramesRx:          atomic.LoadUint64(&localFramesRx),
		FramesTx:          atomic.LoadUint64(&localFramesTx),
		MessagesRx:        atomic.LoadUint64(&localMessagesRx),
		MessagesTx:        atomic.LoadUint64(&localMessagesTx),
		ChecksumErrors:    atomic.LoadUint64(&localChecksumErrors),
		Timeouts:          atomic.LoadUint64(&localTimeouts),
		Heartbeats:        atomic.LoadUint64(&localHeartbeats),
		HandshakeFailures: atomic.LoadUint64(&localHandshakeFailures),
		CallbackErrors:    atomic.LoadUint64(&localCallbackErrors),
		Errors:            atomic.LoadUint64(&localErrors),
	}
}

func IncSessionsStarted() {
	SessionsStarted.Inc()
	atomic.AddUint64(&localSessionsStarted, 1)
}

func SetSessionsActive(n int) {
	SessionsActive.Set(float64(n))
	atomic.StoreUint64(&localSessionsActive, uint64(n))
}

func IncFramesRx() {
	FramesRx.Inc()
	atomic.AddUint64(&localFramesRx, 1)
}

func IncFramesTx() {
	FramesTx.Inc()
	atomic.AddUint64(&localFramesTx, 1)
}

func IncMessagesRx() {
	MessagesRx.Inc()
	atomic.AddUint64(&localMessagesRx, 1)
}

func IncMessagesTx() {
	MessagesTx.Inc()
	atomic.AddUint64(&localMessagesTx, 1)
}

func IncChecksumErrors() {
	ChecksumErrors.Inc()
	atomic.AddUint64(&localChecksumErrors, 1)
}

func IncTimeouts() {
	Timeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncHeartbeats() {
	Heartbeats.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

func IncHandshakeFailures() {
	HandshakeFailures.Inc()
	atomic.AddUint64(&localHandshakeFailures, 1)
}

func IncCallbackErrors() {
	CallbackErrors.Inc()
	atomic.AddUint64(&localCallbackErrors, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPAccept, ErrTCPRead, ErrTCPWrite,
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite,
		ErrMDNSAdvertise,
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
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
