package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-decoder/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	RxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames received, by source.",
	}, []string{"source"})
	DecodedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_decoded_frames_total",
		Help: "Total frames matched against the DBC and decoded.",
	})
	DecodedSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_decoded_signals_total",
		Help: "Total signal values produced.",
	})
	UnknownFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_unknown_frames_total",
		Help: "Total frames whose identifier is not in the DBC.",
	})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_decode_errors_total",
		Help: "Total signals that failed to decode (out of bounds, invalid length).",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed wire frames (protocol violations, invalid length, truncated).",
	})
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_queue_dropped_frames_total",
		Help: "Total frames dropped because the decode queue was full.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "decode_queue_depth",
		Help: "Frames waiting in the decode queue at the last sample.",
	})
	HubDroppedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_batches_total",
		Help: "Total sample batches dropped by hub due to slow clients.",
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
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued batches among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued batches per client in last sample.",
	})
	StreamSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_samples_sent_total",
		Help: "Total samples written to stream clients.",
	})
	MQTTPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_published_total",
		Help: "Total MQTT messages published.",
	})
	DBCReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbc_reloads_total",
		Help: "Total successful DBC reloads.",
	})
	DBCMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbc_messages",
		Help: "Messages defined in the active DBC.",
	})
	SignalValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "can_signal_value",
		Help: "Last decoded physical value per signal.",
	}, []string{"message", "signal"})
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

// Source label values for RxFrames.
const (
	SourceSocketCAN  = "socketcan"
	SourceSerial     = "serial"
	SourceCannelloni = "cannelloni"
	SourceReplay     = "replay"
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialRead     = "serial_read"
	ErrSocketCANRead  = "socketcan_read"
	ErrCannelloniRead = "cannelloni_read"
	ErrReplayRead     = "replay_read"
	ErrQueueOverflow  = "queue_overflow"
	ErrDecode         = "decode"
	ErrDBCReload      = "dbc_reload"
	ErrMQTTConnect    = "mqtt_connect"
	ErrMQTTPublish    = "mqtt_publish"
)

// Handler returns the mux serving /metrics and /ready.
func Handler() http.Handler {
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
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for the periodic metrics log line.
var (
	localRx         uint64
	localDecoded    uint64
	localSignals    uint64
	localUnknown    uint64
	localDecodeErr  uint64
	localMalformed  uint64
	localQueueDrop  uint64
	localQueueDepth uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localFanout     uint64
	localQDMax      uint64
	localQDAvg      uint64
	localStream     uint64
	localMQTT       uint64
	localReloads    uint64
	localDBCMsgs    uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx             uint64
	DecodedFrames  uint64
	DecodedSignals uint64
	Unknown        uint64
	DecodeErrors   uint64
	Malformed      uint64
	QueueDrops     uint64
	QueueDepth     uint64
	HubDrops       uint64
	HubKicks       uint64
	HubRejects     uint64
	HubClients     uint64
	Fanout         uint64
	QueueDepthMax  uint64
	QueueDepthAvg  uint64
	StreamSamples  uint64
	MQTTPublished  uint64
	DBCReloads     uint64
	DBCMessages    uint64
	Errors         uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Rx:             atomic.LoadUint64(&localRx),
		DecodedFrames:  atomic.LoadUint64(&localDecoded),
		DecodedSignals: atomic.LoadUint64(&localSignals),
		Unknown:        atomic.LoadUint64(&localUnknown),
		DecodeErrors:   atomic.LoadUint64(&localDecodeErr),
		Malformed:      atomic.LoadUint64(&localMalformed),
		QueueDrops:     atomic.LoadUint64(&localQueueDrop),
		QueueDepth:     atomic.LoadUint64(&localQueueDepth),
		HubDrops:       atomic.LoadUint64(&localHubDrop),
		HubKicks:       atomic.LoadUint64(&localHubKick),
		HubRejects:     atomic.LoadUint64(&localHubReject),
		HubClients:     atomic.LoadUint64(&localHubClients),
		Fanout:         atomic.LoadUint64(&localFanout),
		QueueDepthMax:  atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:  atomic.LoadUint64(&localQDAvg),
		StreamSamples:  atomic.LoadUint64(&localStream),
		MQTTPublished:  atomic.LoadUint64(&localMQTT),
		DBCReloads:     atomic.LoadUint64(&localReloads),
		DBCMessages:    atomic.LoadUint64(&localDBCMsgs),
		Errors:         atomic.LoadUint64(&localErrors),
	}
}

// IncRx counts one frame received from source.
func IncRx(source string) {
	RxFrames.WithLabelValues(source).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncDecodedFrame() {
	DecodedFrames.Inc()
	atomic.AddUint64(&localDecoded, 1)
}

func AddDecodedSignals(n int) {
	DecodedSignals.Add(float64(n))
	atomic.AddUint64(&localSignals, uint64(n))
}

func IncUnknown() {
	UnknownFrames.Inc()
	atomic.AddUint64(&localUnknown, 1)
}

func AddDecodeErrors(n int) {
	DecodeErrors.Add(float64(n))
	atomic.AddUint64(&localDecodeErr, uint64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncQueueDrop() {
	QueueDrops.Inc()
	atomic.AddUint64(&localQueueDrop, 1)
}

func SetQueueLen(n int) {
	QueueDepth.Set(float64(n))
	atomic.StoreUint64(&localQueueDepth, uint64(n))
}

func IncHubDrop() {
	HubDroppedBatches.Inc()
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

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepth records a snapshot of max and avg hub client queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func AddStreamSamples(n int) {
	StreamSamples.Add(float64(n))
	atomic.AddUint64(&localStream, uint64(n))
}

func IncMQTTPublished() {
	MQTTPublished.Inc()
	atomic.AddUint64(&localMQTT, 1)
}

func IncDBCReload() {
	DBCReloads.Inc()
	atomic.AddUint64(&localReloads, 1)
}

func SetDBCMessages(n int) {
	DBCMessages.Set(float64(n))
	atomic.StoreUint64(&localDBCMsgs, uint64(n))
}

// SetSignalValue records the last physical value of message.signal.
func SetSignalValue(message, signal string, v float64) {
	SignalValue.WithLabelValues(message, signal).Set(v)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialRead, ErrSocketCANRead, ErrCannelloniRead, ErrReplayRead,
		ErrQueueOverflow, ErrDecode, ErrDBCReload,
		ErrMQTTConnect, ErrMQTTPublish,
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
	if fn == nil { // not set yet: report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
