package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/config"
	"github.com/skypro1111/voice-capture-service/internal/delivery"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/mp3"
	"github.com/skypro1111/voice-capture-service/internal/pipeline"
	"github.com/skypro1111/voice-capture-service/internal/recorder"
	"github.com/skypro1111/voice-capture-service/internal/upload"
)

const (
	serviceName    = "voice-capture-service"
	serviceVersion = "1.0.0"
)

// Dependencies are the components the HTTP API drives
type Dependencies struct {
	Config    *config.Config
	Recorder  *recorder.Recorder
	Converter *pipeline.Converter
	Processor *delivery.Processor
	Library   *mp3.Library
	Uploader  upload.Uploader
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

// HTTPServer provides the recording, conversion and monitoring endpoints
type HTTPServer struct {
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger
	config    *config.Config
	recorder  *recorder.Recorder
	converter *pipeline.Converter
	processor *delivery.Processor
	library   *mp3.Library
	uploader  upload.Uploader
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	// Server state
	startTime  time.Time
	lastReport *delivery.Report
	delivered  []string // most recent sessions handed to the processor, oldest first
	background sync.WaitGroup
	mu         sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(deps Dependencies, logger *slog.Logger) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    deps.Config,
		recorder:  deps.Recorder,
		converter: deps.Converter,
		processor: deps.Processor,
		library:   deps.Library,
		uploader:  deps.Uploader,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", h.config.HTTP.Address, h.config.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // stop and convert wait for the encoder
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.HandleFunc("/recording", h.withMetrics("/recording", h.handleRecording))
	mux.HandleFunc("/recording/start", h.withMetrics("/recording/start", h.handleRecordingStart))
	mux.HandleFunc("/recording/stop", h.withMetrics("/recording/stop", h.handleRecordingStop))
	mux.HandleFunc("/recording/reset", h.withMetrics("/recording/reset", h.handleRecordingReset))

	mux.HandleFunc("/convert", h.withMetrics("/convert", h.handleConvert))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server and the recorder event loop
func (h *HTTPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	if h.recorder != nil {
		h.background.Add(1)
		go func() {
			defer h.background.Done()
			h.watchRecorder(ctx)
		}()
	}

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server and waits for background deliveries
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	err := h.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		h.background.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}

// watchRecorder logs recorder events and delivers recordings that ended on
// their own, without a stop request
func (h *HTTPServer) watchRecorder(ctx context.Context) {
	for {
		var event recorder.Event
		select {
		case <-ctx.Done():
			return
		case event = <-h.recorder.Events():
		}

		attrs := []any{
			slog.String("type", string(event.Type)),
			slog.String("session_id", event.SessionID),
			slog.String("state", event.State.String()),
			slog.Int("elapsed_seconds", event.ElapsedSeconds),
		}

		switch event.Type {
		case recorder.EventWarning:
			h.logger.Warn("Recorder event", append(attrs, slog.Int("remaining_seconds", event.RemainingSeconds))...)
		case recorder.EventError:
			errText := ""
			if event.Err != nil {
				errText = event.Err.Error()
			}
			h.logger.Error("Recorder event", append(attrs, slog.String("error", errText))...)
		default:
			h.logger.Info("Recorder event", append(attrs, slog.Bool("short", event.Short))...)
		}

		if event.Type == recorder.EventMaxDuration && event.Blob != nil && h.claim(event.SessionID) {
			h.background.Add(1)
			go func(blob *recorder.Blob) {
				defer h.background.Done()
				h.deliverBlob(context.WithoutCancel(ctx), blob, "max_duration")
			}(event.Blob)
		}
	}
}

// claimHistory bounds the delivered list. The recorder only ever exposes its
// latest session, so a short history covers events still queued for older ones.
const claimHistory = 8

// claim marks a session as delivered and reports whether it was not already
func (h *HTTPServer) claim(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slices.Contains(h.delivered, sessionID) {
		return false
	}

	if len(h.delivered) == claimHistory {
		h.delivered = slices.Delete(h.delivered, 0, 1)
	}
	h.delivered = append(h.delivered, sessionID)
	return true
}

// deliverBlob converts and uploads a recorder blob and remembers the report
func (h *HTTPServer) deliverBlob(ctx context.Context, blob *recorder.Blob, source string) (*delivery.Report, error) {
	data, err := blob.Bytes()
	if err != nil {
		return nil, err
	}

	report, err := h.processor.Process(ctx, pipeline.Input{
		SessionID: blob.SessionID(),
		Data:      data,
		MimeType:  blob.MimeType(),
	}, source)

	h.mu.Lock()
	h.lastReport = report
	h.mu.Unlock()

	return report, err
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	encoder := map[string]interface{}{"status": "loading"}
	select {
	case <-h.library.Ready():
		if err := h.library.Err(); err != nil {
			encoder = map[string]interface{}{"status": "unavailable", "error": err.Error()}
		} else {
			encoder = map[string]interface{}{"status": "ready", "backend": h.library.BackendName()}
		}
	default:
	}

	status := "healthy"
	if encoder["status"] != "ready" {
		status = "degraded"
	}

	components := map[string]interface{}{
		"encoder": encoder,
	}
	if h.recorder != nil {
		components["recorder"] = map[string]interface{}{
			"status": h.recorder.State().String(),
		}
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint. The upload API key is never serialized.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.config)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	lastReport := h.lastReport
	h.mu.RUnlock()

	stats := map[string]interface{}{
		"uptime":      time.Since(h.startTime).String(),
		"timestamp":   time.Now().UTC(),
		"delivery":    h.processor.GetStats(),
		"last_report": lastReport,
	}

	if h.recorder != nil {
		stats["recording"] = h.recorder.Info()
	}

	if client, ok := h.uploader.(*upload.Client); ok {
		stats["upload"] = client.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRecording implements GET /recording
func (h *HTTPServer) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.requireRecorder(w) {
		return
	}

	writeJSON(w, http.StatusOK, h.recorder.Info())
}

// handleRecordingStart implements POST /recording/start
func (h *HTTPServer) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.requireRecorder(w) {
		return
	}

	sessionID, err := h.recorder.Start(r.Context())
	if err != nil {
		writeError(w, recorderStatus(err), err, nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":  sessionID,
		"state":       h.recorder.State(),
		"max_seconds": h.config.Recorder.MaxSeconds,
	})
}

// handleRecordingStop implements POST /recording/stop. The recording is
// converted and uploaded before the response is written.
func (h *HTTPServer) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.requireRecorder(w) {
		return
	}

	blob, stopErr := h.recorder.Stop()
	if errors.Is(stopErr, recorder.ErrNotRecording) {
		// A session that ended on its own is delivered by the next stop request
		if last := h.recorder.Blob(); last != nil && !last.Revoked() && h.claim(last.SessionID()) {
			blob, stopErr = last, nil
		}
	} else if blob != nil && !h.claim(blob.SessionID()) {
		blob = nil
		stopErr = recorder.ErrNotRecording
	}

	if blob == nil {
		writeError(w, recorderStatus(stopErr), stopErr, nil)
		return
	}

	report, err := h.deliverBlob(r.Context(), blob, "recording")

	response := map[string]interface{}{
		"session":  h.recorder.Info(),
		"delivery": report,
	}
	if stopErr != nil {
		response["capture_error"] = stopErr.Error()
	}

	switch {
	case err == nil:
		if result := report.Result; result != nil {
			response["mp3_bytes"] = result.Artifact.Len()
			response["wav_bytes"] = result.WAVBytes
			response["duration_seconds"] = result.Duration.Seconds()
			response["level"] = result.Level
		}
		writeJSON(w, http.StatusOK, response)
	case errors.Is(err, pipeline.ErrConversionFailed):
		response["error"] = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, response)
	case errors.Is(err, recorder.ErrBlobRevoked):
		writeError(w, http.StatusGone, err, nil)
	default:
		response["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, response)
	}
}

// handleRecordingReset implements POST /recording/reset
func (h *HTTPServer) handleRecordingReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.requireRecorder(w) {
		return
	}

	h.recorder.Reset()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": h.recorder.State(),
	})
}

// handleConvert implements POST /convert: the body is an encoded blob of the
// declared Content-Type and the response is the MP3 artifact
func (h *HTTPServer) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.HTTP.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err, nil)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err), nil)
		return
	}

	format := h.config.Audio.Format()
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		if format.SampleRate, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sample_rate %q", v), nil)
			return
		}
	}
	if v := r.URL.Query().Get("channels"); v != "" {
		if format.Channels, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid channels %q", v), nil)
			return
		}
	}

	in := pipeline.Input{
		SessionID: r.Header.Get("X-Session-ID"),
		Data:      data,
		MimeType:  r.Header.Get("Content-Type"),
	}

	result, err := h.converter.Convert(r.Context(), in, format)
	if err != nil {
		details := map[string]interface{}{
			"retryable": pipeline.Retryable(err),
		}
		var cerr *pipeline.ConversionError
		if errors.As(err, &cerr) {
			details["job_id"] = cerr.JobID
			details["stage"] = cerr.Stage
		}
		writeError(w, http.StatusUnprocessableEntity, err, details)
		return
	}

	w.Header().Set("Content-Type", result.Artifact.MimeType())
	w.Header().Set("Content-Length", strconv.Itoa(result.Artifact.Len()))
	w.Header().Set("X-Job-ID", result.Job.ID)
	w.Header().Set("X-Audio-Duration", strconv.FormatFloat(result.Duration.Seconds(), 'f', 3, 64))
	w.WriteHeader(http.StatusOK)

	if _, err := result.Artifact.WriteTo(w); err != nil {
		h.logger.Warn("Failed to write artifact",
			slog.String("job_id", result.Job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /config":           "Get service configuration",
			"GET /stats":            "Get service statistics",
			"GET /metrics":          "Prometheus metrics",
			"GET /recording":        "Current recording session",
			"POST /recording/start": "Acquire the microphone and start recording",
			"POST /recording/stop":  "Stop, convert and upload the recording",
			"POST /recording/reset": "Discard the recording and return to idle",
			"POST /convert":         "Convert the request body to MP3",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func (h *HTTPServer) requireRecorder(w http.ResponseWriter) bool {
	if h.recorder == nil {
		writeError(w, http.StatusNotImplemented, errors.New("recording is not available on this server"), nil)
		return false
	}
	return true
}

// recorderStatus maps recorder and capture errors to HTTP status codes
func recorderStatus(err error) int {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording), errors.Is(err, recorder.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error, details map[string]interface{}) {
	body := map[string]interface{}{
		"error":  err.Error(),
		"status": status,
	}
	for k, v := range details {
		body[k] = v
	}
	writeJSON(w, status, body)
}
