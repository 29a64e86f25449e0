package mp3

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
)

// ShineBitRateKbps is the only bitrate the shine encoder produces
const ShineBitRateKbps = 128

// maxGranuleBits is the largest part2_3_length a Layer III granule can declare
const maxGranuleBits = 4095

// ShineFactory creates pure-Go shine encoders
type ShineFactory struct{}

// LoadShine is a Loader for the shine backend
func LoadShine(ctx context.Context) (BackendFactory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ShineFactory{}, nil
}

// Name returns the backend name
func (ShineFactory) Name() string {
	return "shine"
}

// NewBackend creates a shine encoder for one stream. shine has no MPEG-2.5
// tables, and a format whose per-granule budget exceeds maxGranuleBits would
// overrun its frames.
func (ShineFactory) NewBackend(sampleRate, channels, bitRateKbps int) (Backend, error) {
	if bitRateKbps != ShineBitRateKbps {
		return nil, fmt.Errorf("shine only encodes at %d kbps, got %d", ShineBitRateKbps, bitRateKbps)
	}

	var granules int
	switch {
	case slices.Contains(mpeg1Rates, sampleRate):
		granules = 2
	case slices.Contains(mpeg2Rates, sampleRate):
		granules = 1
	default:
		return nil, fmt.Errorf("shine cannot encode at %d Hz", sampleRate)
	}

	if bits := granuleBits(sampleRate, channels, bitRateKbps, granules); bits > maxGranuleBits {
		return nil, fmt.Errorf("shine cannot encode %d channel(s) at %d Hz and %d kbps: %d bits per granule exceeds %d",
			channels, sampleRate, bitRateKbps, bits, maxGranuleBits)
	}

	return &shineBackend{
		enc:          shine.NewEncoder(sampleRate, channels),
		channels:     channels,
		frameSamples: granules * GranuleSamples * channels,
	}, nil
}

// granuleBits is the mean main data budget of one granule of one channel
func granuleBits(sampleRate, channels, bitRateKbps, granules int) int {
	frameBits := granules * GranuleSamples * bitRateKbps * 1000 / sampleRate
	sideInfo := 4 + 17
	switch {
	case granules == 2 && channels == 2:
		sideInfo = 4 + 32
	case granules == 1 && channels == 1:
		sideInfo = 4 + 9
	}
	return (frameBits - sideInfo*8) / granules / channels
}

type shineBackend struct {
	enc          *shine.Encoder
	channels     int
	frameSamples int // interleaved samples in one MPEG frame
	buf          bytes.Buffer
}

// EncodeBlock pads a short final block with silence so shine always sees whole
// frames. shine's Write strides as if every stream were stereo, so it is fed
// exactly one frame per call.
func (b *shineBackend) EncodeBlock(pcm []int16) ([]byte, error) {
	full := BlockSamples * b.channels
	if len(pcm) < full {
		padded := make([]int16, full)
		copy(padded, pcm)
		pcm = padded
	}

	b.buf.Reset()
	for start := 0; start < len(pcm); start += b.frameSamples {
		if err := b.enc.Write(&b.buf, pcm[start:start+b.frameSamples]); err != nil {
			return nil, err
		}
	}

	return bytes.Clone(b.buf.Bytes()), nil
}

// Flush is a no-op: shine writes every frame as soon as it is complete
func (b *shineBackend) Flush() ([]byte, error) {
	return nil, nil
}
