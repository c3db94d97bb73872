package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recording metrics
	activeRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_tutor_active_recordings",
		Help: "Number of microphone sessions currently recording",
	})

	recordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_tutor_recordings_started_total",
		Help: "Total number of recordings started",
	})

	recordingsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_recordings_finished_total",
		Help: "Total number of recordings finished, by stop reason",
	}, []string{"reason"})

	recordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_tutor_recording_duration_seconds",
		Help:    "Duration of recordings in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	deviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_device_errors_total",
		Help: "Total number of failed microphone requests",
	}, []string{"kind"})

	// Tutor service metrics
	tutorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_tutor_requests_total",
		Help: "Total number of tutoring service requests",
	}, []string{"endpoint", "status"})

	tutorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_tutor_tutor_latency_seconds",
		Help:    "Tutoring service request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"endpoint"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_tutor_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Stream metrics
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_tutor_active_streams",
		Help: "Number of connected browser streams",
	})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// RecordRecordingStart records a recording entering the recording state
func RecordRecordingStart() {
	activeRecordings.Inc()
	recordingsStarted.Inc()
}

// RecordRecordingEnd records a recording leaving the recording state
func RecordRecordingEnd(reason string, duration time.Duration) {
	activeRecordings.Dec()
	recordingsFinished.WithLabelValues(reason).Inc()
	recordingDuration.Observe(duration.Seconds())
}

// RecordDeviceError records a failed microphone request
func RecordDeviceError(kind string) {
	deviceErrors.WithLabelValues(kind).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// StreamMetrics tracks metrics for a single browser stream
type StreamMetrics struct {
	streamID       string
	startTime      time.Time
	requestStarted map[string]time.Time
	mu             sync.Mutex
}

// NewStreamMetrics creates a new metrics tracker for a stream
func NewStreamMetrics(streamID string) *StreamMetrics {
	return &StreamMetrics{
		streamID:       streamID,
		startTime:      time.Now(),
		requestStarted: make(map[string]time.Time),
	}
}

// RecordStreamStart records a browser connecting
func (m *StreamMetrics) RecordStreamStart() {
	activeStreams.Inc()
}

// RecordStreamEnd records a browser disconnecting
func (m *StreamMetrics) RecordStreamEnd() {
	activeStreams.Dec()
}

// RecordTutorStart records the start of a tutoring service call
func (m *StreamMetrics) RecordTutorStart(endpoint string) {
	m.mu.Lock()
	m.requestStarted[endpoint] = time.Now()
	m.mu.Unlock()
}

// RecordTutorEnd records the end of a tutoring service call
func (m *StreamMetrics) RecordTutorEnd(endpoint string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if started, ok := m.requestStarted[endpoint]; ok {
		tutorLatency.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
		delete(m.requestStarted, endpoint)
	}

	status := "success"
	if !success {
		status = "error"
	}
	tutorRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordError records an error
func (m *StreamMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *StreamMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}
