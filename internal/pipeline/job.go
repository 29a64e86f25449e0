package pipeline

import (
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
)

// State is the state of a conversion job
type State int

const (
	StatePending State = iota
	StateDecoding
	StateSerializing
	StateEncoding
	StateComplete
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDecoding:
		return "decoding"
	case StateSerializing:
		return "serializing"
	case StateEncoding:
		return "encoding"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Input is the raw blob of one conversion. The pipeline never modifies it.
type Input struct {
	SessionID string
	Data      []byte
	MimeType  string
}

// Job is the record of one conversion
type Job struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id,omitempty"`
	State       State        `json:"state"`
	Format      audio.Format `json:"format"`
	InputBytes  int          `json:"input_bytes"`
	InputMime   string       `json:"input_mime"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
	Error       string       `json:"error,omitempty"`
}

// JobEvent is sent to observers on every state transition
type JobEvent struct {
	JobID     string
	SessionID string
	State     State
	Previous  State
	Err       error
	Time      time.Time
}

// Observer receives job events synchronously; it must not block
type Observer func(JobEvent)
