package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermissionDenied is returned when the process may not open the input device
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists or it is held elsewhere
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
)

// Constraints describe the requested capture
type Constraints struct {
	SampleRate int           `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	Channels   int           `yaml:"channels" toml:"channels" json:"channels"`
	Timeslice  time.Duration `yaml:"-" toml:"-" json:"timeslice"`
	AudioOnly  bool          `yaml:"-" toml:"-" json:"audio_only"`
}

// DefaultConstraints returns 48 kHz mono audio in one-second chunks
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate: OpusSampleRate,
		Channels:   1,
		Timeslice:  time.Second,
		AudioOnly:  true,
	}
}

// Validate checks constraints against what the Opus stream can produce
func (c Constraints) Validate() error {
	if !c.AudioOnly {
		return fmt.Errorf("%w: only audio capture is supported", ErrDeviceUnavailable)
	}

	if c.SampleRate != OpusSampleRate {
		return fmt.Errorf("%w: capture sample rate must be %d, got %d", ErrDeviceUnavailable, OpusSampleRate, c.SampleRate)
	}

	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: capture channels must be 1 or 2, got %d", ErrDeviceUnavailable, c.Channels)
	}

	if c.Timeslice < FrameDuration {
		return fmt.Errorf("%w: timeslice must be at least %s, got %s", ErrDeviceUnavailable, FrameDuration, c.Timeslice)
	}

	return nil
}

// Microphone grants exclusive access to an input device
type Microphone interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open capture. Read blocks until one timeslice of audio has been
// encoded and returns the chunk; it returns io.EOF together with the last bytes
// when the source ends. Flush returns the trailing chunk, and Close releases the
// device. Close is safe to call more than once.
type Stream interface {
	MimeType() string
	Read(ctx context.Context) ([]byte, error)
	Flush() ([]byte, error)
	Close() error
}

// PCMSource delivers interleaved PCM16 frames. ReadFrames fills buf, whose length
// is a multiple of the channel count, and returns the number of frames read.
type PCMSource interface {
	ReadFrames(buf []int16) (int, error)
	Close() error
}

// SourceOpener opens a PCMSource satisfying c
type SourceOpener func(ctx context.Context, c Constraints) (PCMSource, error)
