package mp3

import (
	"errors"
	"fmt"
	"slices"

	"github.com/skypro1111/voice-capture-service/internal/audio"
)

const (
	// GranuleSamples is the Layer III granule size per channel
	GranuleSamples = 576
	// BlockSamples is the number of frames per channel fed to the backend at once
	BlockSamples = 2 * GranuleSamples
	// MimeType tags every encoded artifact
	MimeType = "audio/mp3"
)

var (
	// ErrEncoderUnavailable is returned while the backend library has not finished initializing
	ErrEncoderUnavailable = errors.New("mp3: encoder unavailable")

	// ErrEncode is returned for invalid parameters or any backend fault
	ErrEncode = errors.New("mp3: encode error")
)

// Backend is a stateful block encoder for one stream. EncodeBlock receives
// interleaved PCM16 of at most BlockSamples frames and returns the bytes of any
// frames it completed. Flush drains trailing state and must succeed on an
// encoder that saw no blocks.
type Backend interface {
	EncodeBlock(pcm []int16) ([]byte, error)
	Flush() ([]byte, error)
}

// BackendFactory creates one Backend per encode
type BackendFactory interface {
	Name() string
	NewBackend(sampleRate, channels, bitRateKbps int) (Backend, error)
}

var (
	mpeg1Rates    = []int{32000, 44100, 48000}
	mpeg2Rates    = []int{16000, 22050, 24000}
	mpeg25Rates   = []int{8000, 11025, 12000}
	mpeg1Bitrates = []int{32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320}
	lsfBitrates   = []int{8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160}
)

// ValidateFormat checks channels, sample rate and bitrate against the MPEG tables
func ValidateFormat(f audio.Format) error {
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: invalid channel count %d", ErrEncode, f.Channels)
	}

	var bitrates []int
	switch {
	case slices.Contains(mpeg1Rates, f.SampleRate):
		bitrates = mpeg1Bitrates
	case slices.Contains(mpeg2Rates, f.SampleRate), slices.Contains(mpeg25Rates, f.SampleRate):
		bitrates = lsfBitrates
	default:
		return fmt.Errorf("%w: unsupported sample rate %d", ErrEncode, f.SampleRate)
	}

	if !slices.Contains(bitrates, f.BitRateKbps) {
		return fmt.Errorf("%w: bitrate %d kbps is not valid at %d Hz", ErrEncode, f.BitRateKbps, f.SampleRate)
	}

	return nil
}
