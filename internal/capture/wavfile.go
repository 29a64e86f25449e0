package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVFileSource replays a 16-bit PCM WAV file as a line-in source
type WAVFileSource struct {
	file     *os.File
	decoder  *wav.Decoder
	buf      *goaudio.IntBuffer
	channels int
}

// OpenWAVFile opens path and checks that it matches c
func OpenWAVFile(path string, c Constraints) (*WAVFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a valid WAV file", ErrDeviceUnavailable, path)
	}

	if d.BitDepth != 16 || int(d.SampleRate) != c.SampleRate || int(d.NumChans) != c.Channels {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d Hz %d channels %d bit, need %d Hz %d channels 16 bit",
			ErrDeviceUnavailable, path, d.SampleRate, d.NumChans, d.BitDepth, c.SampleRate, c.Channels)
	}

	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: failed to seek to PCM data: %v", ErrDeviceUnavailable, err)
	}

	return &WAVFileSource{
		file:     f,
		decoder:  d,
		channels: c.Channels,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: c.Channels, SampleRate: c.SampleRate},
		},
	}, nil
}

// WAVFileOpener returns a SourceOpener replaying path
func WAVFileOpener(path string) SourceOpener {
	return func(ctx context.Context, c Constraints) (PCMSource, error) {
		return OpenWAVFile(path, c)
	}
}

// ReadFrames reads the next frames from the file; io.EOF marks the end of the data chunk
func (s *WAVFileSource) ReadFrames(buf []int16) (int, error) {
	if cap(s.buf.Data) < len(buf) {
		s.buf.Data = make([]int, len(buf))
	}
	s.buf.Data = s.buf.Data[:len(buf)]

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("failed to read WAV samples: %w", err)
	}

	for i := 0; i < n; i++ {
		buf[i] = int16(s.buf.Data[i])
	}

	frames := n / s.channels
	if n == 0 || errors.Is(err, io.EOF) {
		return frames, io.EOF
	}
	return frames, nil
}

// Close closes the file
func (s *WAVFileSource) Close() error {
	return s.file.Close()
}
