package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concierge_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_sessions_total",
		Help: "Total number of voice sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "concierge_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // "outbound", "inbound"

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_frames_dropped_total",
		Help: "Audio frames dropped before transmission or playback",
	}, []string{"reason"}) // "muted", "capture_full", "outbound_full"

	// Conversation metrics
	turnsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_turns_total",
		Help: "Completed conversational turns",
	})

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_interruptions_total",
		Help: "Barge-in interruptions that flushed playback",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single voice session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordStart records the start of a session
func (m *SessionMetrics) RecordStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordEnd records the end of a session
func (m *SessionMetrics) RecordEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurn records one completed conversational turn
func (m *SessionMetrics) RecordTurn() {
	turnsCompleted.Inc()
}

// RecordInterruption records a barge-in playback flush
func (m *SessionMetrics) RecordInterruption() {
	interruptions.Inc()
}

// RecordAudioBytes records audio bytes moved in a direction
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordFrameDropped records a dropped audio frame by reason
func RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordError records an error by type and component
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
