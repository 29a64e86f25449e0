package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/thesyncim/gopus"
	"github.com/thesyncim/gopus/container/ogg"
)

const (
	// OpusSampleRate is the capture rate of every Opus stream
	OpusSampleRate = 48000
	// FrameSamples is the number of samples per channel in one Opus frame
	FrameSamples = 960
	// FrameDuration is the duration of one Opus frame
	FrameDuration = 20 * time.Millisecond
	// MimeType is the declared mime of captured chunks
	MimeType = "audio/ogg; codecs=opus"
)

// OpusMicrophone encodes PCM from a source into Ogg/Opus chunk streams
type OpusMicrophone struct {
	open   SourceOpener
	logger *slog.Logger
}

// NewOpusMicrophone creates a microphone reading from sources produced by open
func NewOpusMicrophone(open SourceOpener, logger *slog.Logger) *OpusMicrophone {
	return &OpusMicrophone{
		open:   open,
		logger: logger,
	}
}

// Acquire opens the source and prepares the Opus encoder and Ogg writer
func (m *OpusMicrophone) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	source, err := m.open(ctx, c)
	if err != nil {
		return nil, err
	}

	s, err := newOpusStream(source, c)
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	m.logger.Debug("Capture stream acquired",
		slog.Int("sample_rate", c.SampleRate),
		slog.Int("channels", c.Channels),
		slog.Duration("timeslice", c.Timeslice),
	)

	return s, nil
}

type opusStream struct {
	mu sync.Mutex

	source   PCMSource
	encoder  *gopus.Encoder
	writer   *ogg.Writer
	out      bytes.Buffer
	channels int

	frame   []int16 // one Opus frame, interleaved
	pending int     // samples of frame already filled

	framesPerChunk int
	eof            bool
	flushed        bool
	closed         bool
}

func newOpusStream(source PCMSource, c Constraints) (*opusStream, error) {
	encoder, err := gopus.NewEncoder(OpusSampleRate, c.Channels, gopus.ApplicationVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus encoder: %w", err)
	}

	s := &opusStream{
		source:         source,
		encoder:        encoder,
		channels:       c.Channels,
		frame:          make([]int16, FrameSamples*c.Channels),
		framesPerChunk: max(1, int(c.Timeslice/FrameDuration)),
	}

	s.writer, err = ogg.NewWriter(&s.out, OpusSampleRate, uint8(c.Channels))
	if err != nil {
		return nil, fmt.Errorf("failed to create Ogg writer: %w", err)
	}

	return s, nil
}

// MimeType returns the Ogg/Opus mime
func (s *opusStream) MimeType() string {
	return MimeType
}

// Read encodes frames until a chunk is complete, the source ends or ctx is done.
// A partially filled frame is kept for the next Read or Flush.
func (s *opusStream) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("capture stream is closed")
	}

	if s.eof || s.flushed {
		return nil, io.EOF
	}

	for frames := 0; frames < s.framesPerChunk; {
		if err := ctx.Err(); err != nil {
			return s.takeOutput(), err
		}

		n, err := s.source.ReadFrames(s.frame[s.pending:])
		s.pending += n * s.channels

		if s.pending == len(s.frame) {
			if werr := s.encodeFrame(); werr != nil {
				return s.takeOutput(), werr
			}
			frames++
		}

		if errors.Is(err, io.EOF) {
			s.eof = true
			return s.takeOutput(), io.EOF
		}
		if err != nil {
			return s.takeOutput(), fmt.Errorf("capture read failed: %w", err)
		}
	}

	return s.takeOutput(), nil
}

// Flush zero-pads and encodes a pending partial frame, then terminates the Ogg stream
func (s *opusStream) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushed {
		return nil, nil
	}
	s.flushed = true

	if s.pending > 0 {
		clear(s.frame[s.pending:])
		s.pending = len(s.frame)
		if err := s.encodeFrame(); err != nil {
			return s.takeOutput(), err
		}
	}

	if err := s.writer.Close(); err != nil {
		return s.takeOutput(), fmt.Errorf("failed to close Ogg stream: %w", err)
	}

	return s.takeOutput(), nil
}

// Close releases the source
func (s *opusStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.source.Close()
}

func (s *opusStream) encodeFrame() error {
	packet, err := s.encoder.EncodeInt16Slice(s.frame)
	if err != nil {
		return fmt.Errorf("opus encode failed: %w", err)
	}
	s.pending = 0

	if err := s.writer.WritePacket(packet, FrameSamples); err != nil {
		return fmt.Errorf("failed to write Ogg page: %w", err)
	}
	return nil
}

func (s *opusStream) takeOutput() []byte {
	if s.out.Len() == 0 {
		return nil
	}
	chunk := bytes.Clone(s.out.Bytes())
	s.out.Reset()
	return chunk
}
