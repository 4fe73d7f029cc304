package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used with RecordFrameDropped
const (
	DropBackpressure = "backpressure"  // no tick since the last write
	DropOversized    = "oversized"     // encoded frame larger than the buffer
	DropInvalid      = "invalid_frame" // normalization or packing failed
	DropNotConnected = "not_connected" // receiver not ready yet
	DropSubscriber   = "subscriber_full"
)

// Metrics holds all Prometheus metrics.
//
// All Record methods are no-ops on a nil *Metrics so components can run
// uninstrumented in tests.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Sender metrics
	FramesSubmitted prometheus.Counter
	FramesWritten   prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	FrameSize       prometheus.Histogram

	// Receiver metrics
	ReceiverTicks   prometheus.Counter
	FramesDelivered prometheus.Counter
	InvalidHeaders  prometheus.Counter
	DuplicateTicks  prometheus.Counter

	// Liveness metrics
	HeartbeatWrites  prometheus.Counter
	LivenessFailures prometheus.Counter

	// Hub metrics
	Subscribers prometheus.Gauge

	// Snapshot metrics
	SnapshotsCreated prometheus.Counter
	SnapshotSize     prometheus.Histogram
	SnapshotsStored  prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer in production, a fresh registry in tests)
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenrelay_active_sessions",
			Help: "Number of capture sessions currently receiving frames",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsStopped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenrelay_sessions_stopped_total",
				Help: "Total number of capture sessions stopped",
			},
			[]string{"reason"},
		),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenrelay_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),

		// Sender metrics
		FramesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_frames_submitted_total",
			Help: "Total number of frames offered to the sender",
		}),
		FramesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_frames_written_total",
			Help: "Total number of frames written to the shared buffer",
		}),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenrelay_frames_dropped_total",
				Help: "Total number of frames dropped",
			},
			[]string{"reason"},
		),
		FrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenrelay_frame_size_bytes",
			Help:    "Size of encoded frame records in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10), // 64KB to ~32MB
		}),

		// Receiver metrics
		ReceiverTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_receiver_ticks_total",
			Help: "Total number of receiver read ticks",
		}),
		FramesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_frames_delivered_total",
			Help: "Total number of decoded frames delivered to the media pipeline",
		}),
		InvalidHeaders: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_invalid_headers_total",
			Help: "Total number of ticks skipped because the frame header was invalid",
		}),
		DuplicateTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_duplicate_ticks_total",
			Help: "Total number of ticks that found an already delivered frame",
		}),

		// Liveness metrics
		HeartbeatWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_heartbeat_writes_total",
			Help: "Total number of host keep-alive writes",
		}),
		LivenessFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_liveness_failures_total",
			Help: "Total number of times the host was found stale or absent",
		}),

		// Hub metrics
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenrelay_frame_subscribers",
			Help: "Number of in-process frame subscribers",
		}),

		// Snapshot metrics
		SnapshotsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenrelay_snapshots_created_total",
			Help: "Total number of frame snapshots stored",
		}),
		SnapshotSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenrelay_snapshot_size_bytes",
			Help:    "Size of stored snapshots in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
		}),
		SnapshotsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenrelay_snapshots_stored",
			Help: "Number of snapshots currently stored",
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "screenrelay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	return m
}

// RecordSessionStart records a capture session starting
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsStarted.Inc()
}

// RecordSessionStop records a capture session stopping
func (m *Metrics) RecordSessionStop(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsStopped.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrameSubmitted records a frame offered to the sender
func (m *Metrics) RecordFrameSubmitted() {
	if m == nil {
		return
	}
	m.FramesSubmitted.Inc()
}

// RecordFrameWritten records a frame written to the shared buffer
func (m *Metrics) RecordFrameWritten(size int) {
	if m == nil {
		return
	}
	m.FramesWritten.Inc()
	m.FrameSize.Observe(float64(size))
}

// RecordFrameDropped records a dropped frame
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordReceiverTick records one receiver read
func (m *Metrics) RecordReceiverTick() {
	if m == nil {
		return
	}
	m.ReceiverTicks.Inc()
}

// RecordFrameDelivered records a frame handed to the sink
func (m *Metrics) RecordFrameDelivered() {
	if m == nil {
		return
	}
	m.FramesDelivered.Inc()
}

// RecordInvalidHeader records a tick skipped on a bad header
func (m *Metrics) RecordInvalidHeader() {
	if m == nil {
		return
	}
	m.InvalidHeaders.Inc()
}

// RecordDuplicateTick records a tick that found no new frame
func (m *Metrics) RecordDuplicateTick() {
	if m == nil {
		return
	}
	m.DuplicateTicks.Inc()
}

// RecordHeartbeat records a keep-alive write
func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatWrites.Inc()
}

// RecordLivenessFailure records a stale or missing host
func (m *Metrics) RecordLivenessFailure() {
	if m == nil {
		return
	}
	m.LivenessFailures.Inc()
}

// RecordSubscriberAdded records a hub subscription
func (m *Metrics) RecordSubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

// RecordSubscriberRemoved records a hub unsubscription
func (m *Metrics) RecordSubscriberRemoved() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

// RecordSnapshot records a snapshot stored
func (m *Metrics) RecordSnapshot(sizeBytes int64) {
	if m == nil {
		return
	}
	m.SnapshotsCreated.Inc()
	m.SnapshotSize.Observe(float64(sizeBytes))
	m.SnapshotsStored.Inc()
}

// RecordSnapshotDeleted records a snapshot evicted from the window
func (m *Metrics) RecordSnapshotDeleted() {
	if m == nil {
		return
	}
	m.SnapshotsStored.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusClass converts an HTTP status code to its class
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
