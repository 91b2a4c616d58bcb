package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the dictation service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionDuration prometheus.Histogram
	ControlErrors      *prometheus.CounterVec

	// Audio metrics
	FramesReceived prometheus.Counter
	FramesDropped  prometheus.Counter
	VADEdges       *prometheus.CounterVec

	// Turn metrics
	TurnsStarted   prometheus.Counter
	TurnsCompleted prometheus.Counter
	TurnsFailed    prometheus.Counter
	TurnDuration   prometheus.Histogram
	TurnAudioBytes prometheus.Histogram

	// Macro metrics
	MacroExpansions *prometheus.CounterVec

	// Refinement metrics
	RefineRequests *prometheus.CounterVec
	RefineDuration prometheus.Histogram

	// Recorder metrics
	RecordingsDropped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registerer.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dictation_active_connections",
			Help: "Current number of open dictation connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_connections_opened_total",
			Help: "Total number of dictation connections opened",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_connections_closed_total",
			Help: "Total number of dictation connections closed",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_connection_duration_seconds",
			Help:    "Lifetime of dictation connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		ControlErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_control_errors_total",
			Help: "Total number of rejected control messages",
		}, []string{"reason"}),

		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_audio_frames_received_total",
			Help: "Total number of audio frames processed while recording",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_audio_frames_dropped_total",
			Help: "Total number of audio frames received while not recording",
		}),
		VADEdges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_vad_edges_total",
			Help: "Total number of speech edges detected",
		}, []string{"edge"}),

		TurnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_turns_started_total",
			Help: "Total number of speech turns opened",
		}),
		TurnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_turns_completed_total",
			Help: "Total number of speech turns finalized with a transcription",
		}),
		TurnsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_turns_failed_total",
			Help: "Total number of speech turns whose transcription failed",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_turn_duration_seconds",
			Help:    "Duration from speech start to finalized transcript",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		TurnAudioBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_turn_audio_bytes",
			Help:    "Audio bytes streamed per turn",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12), // 4KB to ~8MB
		}),

		MacroExpansions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_macro_expansions_total",
			Help: "Total number of macro expansions by match stage",
		}, []string{"stage"}),

		RefineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_refine_requests_total",
			Help: "Total number of transcript refinement requests",
		}, []string{"result"}),
		RefineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_refine_duration_seconds",
			Help:    "Duration of transcript refinement requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),

		RecordingsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dictation_recordings_dropped_total",
			Help: "Total number of turn recordings dropped because the writer queue was full",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dictation_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened increments the connection counters
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed decrements active connections and records lifetime
func (m *Metrics) RecordConnectionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Inc()
	m.ActiveConnections.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordControlError counts a rejected control message
func (m *Metrics) RecordControlError(reason string) {
	if m == nil {
		return
	}
	m.ControlErrors.WithLabelValues(reason).Inc()
}

// RecordFrame counts an audio frame
func (m *Metrics) RecordFrame(recording bool) {
	if m == nil {
		return
	}
	if recording {
		m.FramesReceived.Inc()
	} else {
		m.FramesDropped.Inc()
	}
}

// RecordVADEdge counts a speech start or end
func (m *Metrics) RecordVADEdge(edge string) {
	if m == nil {
		return
	}
	m.VADEdges.WithLabelValues(edge).Inc()
}

// RecordTurnStarted increments the turns started counter
func (m *Metrics) RecordTurnStarted() {
	if m == nil {
		return
	}
	m.TurnsStarted.Inc()
}

// RecordTurnFinished records a finalized turn
func (m *Metrics) RecordTurnFinished(failed bool, durationSeconds float64, audioBytes int) {
	if m == nil {
		return
	}
	if failed {
		m.TurnsFailed.Inc()
	} else {
		m.TurnsCompleted.Inc()
	}
	m.TurnDuration.Observe(durationSeconds)
	m.TurnAudioBytes.Observe(float64(audioBytes))
}

// RecordMacroExpansion counts an expansion by matching stage
func (m *Metrics) RecordMacroExpansion(stage string) {
	if m == nil {
		return
	}
	m.MacroExpansions.WithLabelValues(stage).Inc()
}

// RecordRefine records a refinement request
func (m *Metrics) RecordRefine(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.RefineRequests.WithLabelValues(result).Inc()
	m.RefineDuration.Observe(durationSeconds)
}

// RecordRecordingDropped counts a turn recording that was not written
func (m *Metrics) RecordRecordingDropped() {
	if m == nil {
		return
	}
	m.RecordingsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
