package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/capture"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is recording
	ErrAlreadyRecording = errors.New("recorder: already recording")

	// ErrNotRecording is returned by Stop when no session is recording
	ErrNotRecording = errors.New("recorder: not recording")

	// ErrBlobRevoked is returned when reading a blob after Reset
	ErrBlobRevoked = errors.New("recorder: blob revoked")
)

// State is the recorder state
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
	StateError
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Blob is the raw captured recording: concatenated chunks plus the capture mime.
// The handle stops serving data once revoked by Reset.
type Blob struct {
	sessionID string
	data      []byte
	mimeType  string
	revoked   atomic.Bool
}

func newBlob(sessionID string, data []byte, mimeType string) *Blob {
	return &Blob{
		sessionID: sessionID,
		data:      data,
		mimeType:  mimeType,
	}
}

// NewBlob wraps externally sourced bytes, for example an uploaded file
func NewBlob(sessionID string, data []byte, mimeType string) *Blob {
	return newBlob(sessionID, data, mimeType)
}

// Bytes returns the blob contents. Callers must not modify them.
func (b *Blob) Bytes() ([]byte, error) {
	if b.revoked.Load() {
		return nil, ErrBlobRevoked
	}
	return b.data, nil
}

// MimeType returns the declared mime of the blob
func (b *Blob) MimeType() string {
	return b.mimeType
}

// SessionID returns the session that produced the blob
func (b *Blob) SessionID() string {
	return b.sessionID
}

// Len returns the blob size in bytes
func (b *Blob) Len() int {
	return len(b.data)
}

// Revoked reports whether the blob was revoked
func (b *Blob) Revoked() bool {
	return b.revoked.Load()
}

func (b *Blob) revoke() {
	b.revoked.Store(true)
}

// SessionInfo is a snapshot of the current session
type SessionInfo struct {
	ID             string    `json:"id,omitempty"`
	State          State     `json:"state"`
	StartTime      time.Time `json:"start_time,omitzero"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	Chunks         int       `json:"chunks"`
	Bytes          int       `json:"bytes"`
	MimeType       string    `json:"mime_type,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// session is one recording, from Start to Stop or Reset
type session struct {
	id        string
	startTime time.Time
	stream    capture.Stream

	chunks  [][]byte
	bytes   int
	elapsed int
	warned  bool
	err     error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}
