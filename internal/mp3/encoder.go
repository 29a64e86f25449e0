package mp3

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
)

// Encoder converts one WAV container into an Artifact. It is not safe for
// concurrent use and cannot be reused.
type Encoder struct {
	backend Backend
	format  audio.Format
	used    bool
	logger  *slog.Logger
}

// Format returns the output format of the encoder
func (e *Encoder) Format() audio.Format {
	return e.format
}

// Encode consumes the whole payload of c in BlockSamples blocks, then flushes
// the backend. No artifact is returned on failure.
func (e *Encoder) Encode(c *audio.WAVContainer) (artifact *Artifact, err error) {
	if e.used {
		return nil, fmt.Errorf("%w: encoder already used", ErrEncode)
	}
	e.used = true

	if err := e.validate(c); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			artifact = nil
			err = fmt.Errorf("%w: backend panic: %v", ErrEncode, r)
		}
	}()

	startTime := time.Now()
	samples := c.Samples()
	blockLen := BlockSamples * c.NumChannels

	var frames [][]byte
	blocks := 0
	for offset := 0; offset < len(samples); offset += blockLen {
		end := min(offset+blockLen, len(samples))

		frame, err := e.backend.EncodeBlock(samples[offset:end])
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrEncode, blocks, err)
		}
		if len(frame) > 0 {
			frames = append(frames, frame)
		}
		blocks++
	}

	trailer, err := e.backend.Flush()
	if err != nil {
		return nil, fmt.Errorf("%w: flush: %v", ErrEncode, err)
	}
	if len(trailer) > 0 {
		frames = append(frames, trailer)
	}

	artifact = newArtifact(frames)

	e.logger.Debug("MP3 encoded",
		slog.Int("sample_rate", c.SampleRate),
		slog.Int("channels", c.NumChannels),
		slog.Int("bit_rate_kbps", e.format.BitRateKbps),
		slog.Int("blocks", blocks),
		slog.Int("output_bytes", artifact.Len()),
		slog.Duration("elapsed", time.Since(startTime)),
	)

	return artifact, nil
}

func (e *Encoder) validate(c *audio.WAVContainer) error {
	if c == nil {
		return fmt.Errorf("%w: nil WAV container", ErrEncode)
	}

	if c.NumChannels != e.format.Channels {
		return fmt.Errorf("%w: container has %d channels, encoder expects %d", ErrEncode, c.NumChannels, e.format.Channels)
	}

	if c.SampleRate != e.format.SampleRate {
		return fmt.Errorf("%w: container is %d Hz, encoder expects %d Hz", ErrEncode, c.SampleRate, e.format.SampleRate)
	}

	if c.BitsPerSample != audio.BitsPerSample {
		return fmt.Errorf("%w: %d bits per sample", ErrEncode, c.BitsPerSample)
	}

	if c.DataLength != len(c.Data) {
		return fmt.Errorf("%w: header declares %d bytes, payload has %d", ErrEncode, c.DataLength, len(c.Data))
	}

	if c.DataLength%(c.NumChannels*2) != 0 {
		return fmt.Errorf("%w: payload of %d bytes is not a whole number of frames", ErrEncode, c.DataLength)
	}

	return nil
}

// Artifact is an immutable MP3 byte stream built from frames in emission order
type Artifact struct {
	frames [][]byte
	data   []byte
}

func newArtifact(frames [][]byte) *Artifact {
	return &Artifact{
		frames: frames,
		data:   bytes.Join(frames, nil),
	}
}

// Frames returns the frame buffers in emission order
func (a *Artifact) Frames() [][]byte {
	return a.frames
}

// Bytes returns the concatenated artifact. Callers must not modify it.
func (a *Artifact) Bytes() []byte {
	return a.data
}

// MimeType returns audio/mp3
func (a *Artifact) MimeType() string {
	return MimeType
}

// Len returns the artifact size in bytes
func (a *Artifact) Len() int {
	return len(a.data)
}

// WriteTo writes the artifact to w
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(a.data)
	return int64(n), err
}
