package audio

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the output sample rate used when none is configured
	DefaultSampleRate = 44100
	// DefaultChannels is the output channel count used when none is configured
	DefaultChannels = 1
	// DefaultBitRateKbps is the MP3 bitrate used when none is configured
	DefaultBitRateKbps = 128
)

var (
	// ErrEmptyInput is returned when a decode is requested for zero bytes
	ErrEmptyInput = errors.New("audio: empty input")

	// ErrUnsupportedFormat is returned when bytes cannot be parsed as a known container or codec
	ErrUnsupportedFormat = errors.New("audio: unsupported format")

	// ErrSampleRateMismatch is returned by Serialize when the decoded rate differs from the target rate
	ErrSampleRateMismatch = errors.New("audio: sample rate mismatch")
)

// Format describes the target PCM layout of a conversion job
type Format struct {
	SampleRate  int `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	Channels    int `yaml:"channels" toml:"channels" json:"channels"`
	BitRateKbps int `yaml:"bit_rate_kbps" toml:"bit_rate_kbps" json:"bit_rate_kbps"`
}

// DefaultFormat returns the 44.1 kHz mono 128 kbps output format
func DefaultFormat() Format {
	return Format{
		SampleRate:  DefaultSampleRate,
		Channels:    DefaultChannels,
		BitRateKbps: DefaultBitRateKbps,
	}
}

// Validate checks the format for values every stage can accept
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}

	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}

	if f.BitRateKbps <= 0 {
		return fmt.Errorf("bit rate must be positive, got %d", f.BitRateKbps)
	}

	return nil
}

// DecodedAudio is planar float PCM produced by a decode. It is not modified after creation.
type DecodedAudio struct {
	Channels   [][]float32 // One sample slice per channel, values in [-1, 1]
	SampleRate int
	FrameCount int
}

// NewDecodedAudio builds a DecodedAudio after checking that every channel has the same length
func NewDecodedAudio(channels [][]float32, sampleRate int) (*DecodedAudio, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("decoded audio needs at least one channel")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	frames := len(channels[0])
	for i, ch := range channels {
		if len(ch) != frames {
			return nil, fmt.Errorf("channel %d has %d frames, expected %d", i, len(ch), frames)
		}
	}

	return &DecodedAudio{
		Channels:   channels,
		SampleRate: sampleRate,
		FrameCount: frames,
	}, nil
}

// NumChannels returns the number of channels in the decoded audio
func (d *DecodedAudio) NumChannels() int {
	return len(d.Channels)
}

// Duration returns the playback duration of the decoded audio
func (d *DecodedAudio) Duration() time.Duration {
	if d.SampleRate == 0 {
		return 0
	}
	return time.Duration(d.FrameCount) * time.Second / time.Duration(d.SampleRate)
}
