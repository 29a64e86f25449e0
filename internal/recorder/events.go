package recorder

import (
	"log/slog"
	"time"
)

// EventType identifies a recorder notification
type EventType string

const (
	EventStarted     EventType = "started"
	EventWarning     EventType = "warning"
	EventMaxDuration EventType = "max_duration"
	EventStopped     EventType = "stopped"
	EventError       EventType = "error"
	EventReset       EventType = "reset"
)

// Event is emitted on every recorder transition and on the duration warning.
// Terminal events (max_duration, stopped, error) carry the blob.
type Event struct {
	Type             EventType
	SessionID        string
	State            State
	ElapsedSeconds   int
	RemainingSeconds int
	Short            bool // stopped before MinSeconds
	Blob             *Blob
	Err              error
	Time             time.Time
}

// emit delivers e without blocking; events are dropped when the buffer is full
func (r *Recorder) emit(e Event) {
	e.Time = time.Now()

	select {
	case r.events <- e:
	default:
		r.logger.Warn("Recorder event dropped, buffer full",
			slog.String("type", string(e.Type)),
			slog.String("session_id", e.SessionID),
		)
	}
}
