package capture

import (
	"context"
	"io"
	"math"
	"time"
)

// Signal describes a synthetic PCM source
type Signal struct {
	Frequency float64       // Hz; zero produces silence
	Amplitude float64       // 0..1 of full scale
	Duration  time.Duration // zero means endless
	Realtime  bool          // pace reads at the capture rate
}

// SignalSource generates a sine tone or silence. It stands in for a microphone
// in tests and on hosts without an input device.
type SignalSource struct {
	signal     Signal
	sampleRate int
	channels   int
	position   int
	limit      int
	started    time.Time
	closed     bool
}

// NewSignalSource creates a source producing signal with the layout of c
func NewSignalSource(signal Signal, c Constraints) *SignalSource {
	limit := -1
	if signal.Duration > 0 {
		limit = int(signal.Duration.Seconds() * float64(c.SampleRate))
	}

	return &SignalSource{
		signal:     signal,
		sampleRate: c.SampleRate,
		channels:   c.Channels,
		limit:      limit,
	}
}

// SignalOpener returns a SourceOpener producing fresh SignalSources
func SignalOpener(signal Signal) SourceOpener {
	return func(ctx context.Context, c Constraints) (PCMSource, error) {
		return NewSignalSource(signal, c), nil
	}
}

// ReadFrames fills buf with the next frames of the signal
func (s *SignalSource) ReadFrames(buf []int16) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}

	frames := len(buf) / s.channels
	if s.limit >= 0 {
		if s.position >= s.limit {
			return 0, io.EOF
		}
		frames = min(frames, s.limit-s.position)
	}

	if s.signal.Realtime {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		due := s.started.Add(time.Duration(s.position+frames) * time.Second / time.Duration(s.sampleRate))
		time.Sleep(time.Until(due))
	}

	amplitude := s.signal.Amplitude * math.MaxInt16
	for i := 0; i < frames; i++ {
		var v int16
		if s.signal.Frequency > 0 {
			phase := 2 * math.Pi * s.signal.Frequency * float64(s.position+i) / float64(s.sampleRate)
			v = int16(amplitude * math.Sin(phase))
		}
		for ch := 0; ch < s.channels; ch++ {
			buf[i*s.channels+ch] = v
		}
	}
	s.position += frames

	return frames, nil
}

// Close stops the source
func (s *SignalSource) Close() error {
	s.closed = true
	return nil
}
