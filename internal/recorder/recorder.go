package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
)

// Config holds the recorder duration window and capture settings
type Config struct {
	MinSeconds           int
	MaxSeconds           int // zero disables the auto-stop
	WarnRemainingSeconds int // zero disables the warning
	TickInterval         time.Duration // wall time of one elapsed second
	Constraints          capture.Constraints
	EventBuffer          int
}

// DefaultConfig returns a 5 s to 30 min window with a warning one minute before the end
func DefaultConfig() Config {
	return Config{
		MinSeconds:           5,
		MaxSeconds:           1800,
		WarnRemainingSeconds: 60,
		TickInterval:         time.Second,
		Constraints:          capture.DefaultConstraints(),
		EventBuffer:          32,
	}
}

type stopReason int

const (
	reasonManual stopReason = iota
	reasonMaxDuration
	reasonSourceEnded
	reasonCaptureError
)

// Recorder owns the microphone for one session at a time. Transitions are
// serialized; the capture and tick loops run in their own goroutines.
type Recorder struct {
	mic     capture.Microphone
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	transition sync.Mutex // serializes Start, Stop and Reset

	mu      sync.Mutex // guards the fields below and session data
	state   State
	session *session
	blob    *Blob
	lastErr error

	events chan Event
}

// Option configures a Recorder
type Option func(*Recorder)

// WithMetrics records session metrics on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// New creates an idle recorder
func New(mic capture.Microphone, config Config, logger *slog.Logger, opts ...Option) *Recorder {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 32
	}

	r := &Recorder{
		mic:    mic,
		config: config,
		logger: logger,
		state:  StateIdle,
		events: make(chan Event, config.EventBuffer),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Events returns the notification channel
func (r *Recorder) Events() <-chan Event {
	return r.events
}

// State returns the current state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Blob returns the blob of the last finished session, or nil
func (r *Recorder) Blob() *Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blob
}

// Info returns a snapshot of the current session
func (r *Recorder) Info() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := SessionInfo{State: r.state}
	if r.lastErr != nil {
		info.Error = r.lastErr.Error()
	}

	s := r.session
	if s == nil {
		return info
	}

	info.ID = s.id
	info.StartTime = s.startTime
	info.Chunks = len(s.chunks)
	info.Bytes = s.bytes
	info.MimeType = s.stream.MimeType()
	info.ElapsedSeconds = s.elapsed
	if r.state == StateRecording {
		info.ElapsedSeconds = r.elapsedOf(s)
	}

	return info
}

// Start acquires the microphone and begins a new session
func (r *Recorder) Start(ctx context.Context) (string, error) {
	r.transition.Lock()
	defer r.transition.Unlock()

	if r.State() == StateRecording {
		return "", ErrAlreadyRecording
	}

	stream, err := r.mic.Acquire(ctx, r.config.Constraints)
	if err != nil {
		r.mu.Lock()
		r.state = StateError
		r.session = nil
		r.lastErr = err
		r.mu.Unlock()

		r.metrics.RecordingFailed()
		r.logger.Error("Failed to acquire microphone", slog.String("error", err.Error()))
		r.emit(Event{Type: EventError, State: StateError, Err: err})
		return "", err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.New().String(),
		startTime: time.Now(),
		stream:    stream,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.state = StateRecording
	r.session = s
	r.blob = nil
	r.lastErr = nil
	r.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		r.captureLoop(loopCtx, s)
	}()
	go func() {
		defer s.wg.Done()
		r.tickLoop(loopCtx, s)
	}()

	r.metrics.RecordingStarted()
	r.logger.Info("Recording started",
		slog.String("session_id", s.id),
		slog.String("mime_type", stream.MimeType()),
		slog.Int("max_seconds", r.config.MaxSeconds),
	)
	r.emit(Event{Type: EventStarted, SessionID: s.id, State: StateRecording})

	return s.id, nil
}

// Stop ends the current session and returns its blob. A session shorter than
// MinSeconds still yields a blob; the stopped event marks it as short.
func (r *Recorder) Stop() (*Blob, error) {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	s := r.session
	recording := r.state == StateRecording
	r.mu.Unlock()

	if !recording {
		return nil, ErrNotRecording
	}

	return r.finish(s, reasonManual, nil)
}

// Reset discards the session, revokes the last blob, cancels timers and returns to Idle
func (r *Recorder) Reset() {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	s := r.session
	wasRecording := r.state == StateRecording
	blob := r.blob
	r.mu.Unlock()

	if wasRecording {
		s.cancel()
		s.wg.Wait()
		if err := s.stream.Close(); err != nil {
			r.logger.Warn("Failed to release microphone", slog.String("error", err.Error()))
		}
		r.metrics.RecordingFinished(time.Since(s.startTime), false)
	}

	if blob != nil {
		blob.revoke()
	}

	r.mu.Lock()
	r.state = StateIdle
	r.session = nil
	r.blob = nil
	r.lastErr = nil
	r.mu.Unlock()

	sessionID := ""
	if s != nil {
		sessionID = s.id
	}

	r.logger.Info("Recorder reset", slog.String("session_id", sessionID))
	r.emit(Event{Type: EventReset, SessionID: sessionID, State: StateIdle})
}

// stopFrom ends s from a background goroutine. Stale requests for a session
// that already ended are ignored.
func (r *Recorder) stopFrom(s *session, reason stopReason, cause error) {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	current := r.session == s && r.state == StateRecording
	r.mu.Unlock()

	if !current {
		return
	}

	_, _ = r.finish(s, reason, cause)
}

// finish runs with the transition lock held. The stream is closed on every path.
func (r *Recorder) finish(s *session, reason stopReason, cause error) (blob *Blob, err error) {
	defer func() {
		if cerr := s.stream.Close(); cerr != nil {
			r.logger.Warn("Failed to release microphone",
				slog.String("session_id", s.id),
				slog.String("error", cerr.Error()),
			)
		}
	}()

	s.cancel()
	s.wg.Wait()

	tail, ferr := s.stream.Flush()
	elapsed := r.elapsedOf(s)

	r.mu.Lock()
	if len(tail) > 0 {
		s.chunks = append(s.chunks, tail)
		s.bytes += len(tail)
	}
	if ferr != nil && cause == nil {
		cause = fmt.Errorf("failed to flush capture stream: %w", ferr)
		reason = reasonCaptureError
	}
	s.elapsed = elapsed
	s.err = cause

	blob = newBlob(s.id, bytes.Join(s.chunks, nil), s.stream.MimeType())
	r.blob = blob
	if reason == reasonCaptureError {
		r.state = StateError
		r.lastErr = cause
	} else {
		r.state = StateStopped
	}
	state := r.state
	r.mu.Unlock()

	r.metrics.RecordingFinished(time.Since(s.startTime), reason == reasonCaptureError)

	short := r.config.MinSeconds > 0 && elapsed < r.config.MinSeconds
	event := Event{
		SessionID:      s.id,
		State:          state,
		ElapsedSeconds: elapsed,
		Short:          short,
		Blob:           blob,
		Err:            cause,
	}

	switch reason {
	case reasonMaxDuration:
		event.Type = EventMaxDuration
	case reasonCaptureError:
		event.Type = EventError
	default:
		event.Type = EventStopped
	}

	logAttrs := []any{
		slog.String("session_id", s.id),
		slog.Int("elapsed_seconds", elapsed),
		slog.Int("chunks", len(s.chunks)),
		slog.Int("bytes", blob.Len()),
		slog.Bool("short", short),
	}

	if cause != nil {
		r.logger.Error("Recording ended with error", append(logAttrs, slog.String("error", cause.Error()))...)
	} else {
		r.logger.Info("Recording stopped", append(logAttrs, slog.String("reason", string(event.Type)))...)
	}

	r.emit(event)

	if reason == reasonCaptureError {
		return blob, cause
	}
	return blob, nil
}

// captureLoop appends chunks until the loop context is cancelled or the stream ends
func (r *Recorder) captureLoop(ctx context.Context, s *session) {
	for {
		chunk, err := s.stream.Read(ctx)

		if len(chunk) > 0 {
			r.mu.Lock()
			s.chunks = append(s.chunks, chunk)
			s.bytes += len(chunk)
			r.mu.Unlock()
			r.metrics.ChunkCaptured(len(chunk))
		}

		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, io.EOF) {
			go r.stopFrom(s, reasonSourceEnded, nil)
		} else {
			go r.stopFrom(s, reasonCaptureError, err)
		}
		return
	}
}

// tickLoop updates the elapsed time and enforces the duration window
func (r *Recorder) tickLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsed := r.elapsedOf(s)

		r.mu.Lock()
		s.elapsed = elapsed
		warn := false
		if r.config.WarnRemainingSeconds > 0 && r.config.MaxSeconds > 0 && !s.warned &&
			r.config.MaxSeconds-elapsed <= r.config.WarnRemainingSeconds {
			s.warned = true
			warn = true
		}
		r.mu.Unlock()

		if r.config.MaxSeconds > 0 && elapsed >= r.config.MaxSeconds {
			go r.stopFrom(s, reasonMaxDuration, nil)
			return
		}

		if warn {
			remaining := r.config.MaxSeconds - elapsed
			r.logger.Warn("Recording approaching maximum duration",
				slog.String("session_id", s.id),
				slog.Int("remaining_seconds", remaining),
			)
			r.emit(Event{
				Type:             EventWarning,
				SessionID:        s.id,
				State:            StateRecording,
				ElapsedSeconds:   elapsed,
				RemainingSeconds: remaining,
			})
		}
	}
}

func (r *Recorder) elapsedOf(s *session) int {
	return int(time.Since(s.startTime) / r.config.TickInterval)
}
