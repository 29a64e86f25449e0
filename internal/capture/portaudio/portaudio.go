// Package portaudio opens the default input device through PortAudio.
package portaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/voice-capture-service/internal/capture"
)

// FramesPerBuffer is the PortAudio buffer size, one Opus frame
const FramesPerBuffer = capture.FrameSamples

// Source reads PCM16 from the default input device
type Source struct {
	mu       sync.Mutex
	stream   *portaudio.Stream
	buf      []int16
	offset   int // unread samples start here
	channels int
	closed   bool
}

// Open initializes PortAudio and starts the default input stream for c. It is a capture.SourceOpener.
func Open(ctx context.Context, c capture.Constraints) (capture.PCMSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init failed: %v", capture.ErrDeviceUnavailable, err)
	}

	buf := make([]int16, FramesPerBuffer*c.Channels)
	stream, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), FramesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream failed: %v", capture.ErrDeviceUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream failed: %v", capture.ErrDeviceUnavailable, err)
	}

	return &Source{
		stream:   stream,
		buf:      buf,
		offset:   len(buf),
		channels: c.Channels,
	}, nil
}

// ReadFrames copies buffered device samples into dst, reading from the device when empty
func (s *Source) ReadFrames(dst []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("portaudio source is closed")
	}

	if s.offset == len(s.buf) {
		if err := s.stream.Read(); err != nil {
			return 0, fmt.Errorf("stream read failed: %w", err)
		}
		s.offset = 0
	}

	n := copy(dst, s.buf[s.offset:])
	n -= n % s.channels
	s.offset += n

	return n / s.channels, nil
}

// Close stops the stream and terminates PortAudio
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	termErr := portaudio.Terminate()

	switch {
	case stopErr != nil:
		return fmt.Errorf("failed to stop stream: %w", stopErr)
	case closeErr != nil:
		return fmt.Errorf("failed to close stream: %w", closeErr)
	case termErr != nil:
		return fmt.Errorf("failed to terminate portaudio: %w", termErr)
	}
	return nil
}
