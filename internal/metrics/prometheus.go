package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice capture service.
// Every recording method is safe to call on a nil *Metrics.
type Metrics struct {
	// Recording metrics
	RecordingsStarted prometheus.Counter
	RecordingsFailed  prometheus.Counter
	ActiveRecordings  prometheus.Gauge
	RecordingDuration prometheus.Histogram
	ChunksCaptured    prometheus.Counter
	CapturedBytes     prometheus.Counter

	// Conversion metrics
	ConversionJobs      *prometheus.CounterVec
	ConversionsInFlight prometheus.Gauge
	StageDuration       *prometheus.HistogramVec
	ArtifactSize        prometheus.Histogram

	// Upload metrics
	UploadAttempts *prometheus.CounterVec
	UploadDuration prometheus.Histogram

	// Inbox metrics
	InboxFiles *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Recording metrics
		RecordingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_recordings_started_total",
			Help: "Total number of recording sessions started",
		}),
		RecordingsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_recordings_failed_total",
			Help: "Total number of recording sessions that failed to acquire or ended in error",
		}),
		ActiveRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicecap_active_recordings",
			Help: "Current number of active recording sessions",
		}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecap_recording_duration_seconds",
			Help:    "Duration of finished recording sessions",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_chunks_captured_total",
			Help: "Total number of encoded chunks captured",
		}),
		CapturedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicecap_captured_bytes_total",
			Help: "Total number of encoded bytes captured",
		}),

		// Conversion metrics
		ConversionJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_conversion_jobs_total",
			Help: "Total number of conversion jobs by result",
		}, []string{"result"}),
		ConversionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicecap_conversions_in_flight",
			Help: "Current number of running conversion jobs",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecap_stage_duration_seconds",
			Help:    "Duration of conversion pipeline stages",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		ArtifactSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecap_artifact_size_bytes",
			Help:    "Size of encoded MP3 artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		// Upload metrics
		UploadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_upload_attempts_total",
			Help: "Total number of upload attempts by result",
		}, []string{"result"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecap_upload_duration_seconds",
			Help:    "Duration of uploads including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		// Inbox metrics
		InboxFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_inbox_files_total",
			Help: "Total number of inbox files processed by result",
		}, []string{"result"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecap_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecap_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordingStarted records a session entering Recording
func (m *Metrics) RecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
	m.ActiveRecordings.Inc()
}

// RecordingFailed records a session that could not start
func (m *Metrics) RecordingFailed() {
	if m == nil {
		return
	}
	m.RecordingsFailed.Inc()
}

// RecordingFinished records a session leaving Recording
func (m *Metrics) RecordingFinished(duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.ActiveRecordings.Dec()
	m.RecordingDuration.Observe(duration.Seconds())
	if failed {
		m.RecordingsFailed.Inc()
	}
}

// ChunkCaptured records one captured chunk of n bytes
func (m *Metrics) ChunkCaptured(n int) {
	if m == nil {
		return
	}
	m.ChunksCaptured.Inc()
	m.CapturedBytes.Add(float64(n))
}

// ConversionStarted records a job entering the pipeline
func (m *Metrics) ConversionStarted() {
	if m == nil {
		return
	}
	m.ConversionsInFlight.Inc()
}

// ConversionFinished records a job result and the artifact size on success
func (m *Metrics) ConversionFinished(result string, artifactBytes int) {
	if m == nil {
		return
	}
	m.ConversionsInFlight.Dec()
	m.ConversionJobs.WithLabelValues(result).Inc()
	if artifactBytes > 0 {
		m.ArtifactSize.Observe(float64(artifactBytes))
	}
}

// StageObserved records the duration of one pipeline stage
func (m *Metrics) StageObserved(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// UploadAttempted records one upload attempt
func (m *Metrics) UploadAttempted(result string) {
	if m == nil {
		return
	}
	m.UploadAttempts.WithLabelValues(result).Inc()
}

// UploadObserved records the total duration of an upload
func (m *Metrics) UploadObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.UploadDuration.Observe(d.Seconds())
}

// InboxFileProcessed records one inbox file by result
func (m *Metrics) InboxFileProcessed(result string) {
	if m == nil {
		return
	}
	m.InboxFiles.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
