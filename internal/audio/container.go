package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"
)

// Container identifies a supported audio container
type Container string

const (
	ContainerUnknown Container = ""
	ContainerOgg     Container = "ogg"
	ContainerWAV     Container = "wav"
	ContainerPCM     Container = "pcm"
)

// MimeTypePCM declares raw little-endian PCM16; rate and channels are media type parameters
const MimeTypePCM = "audio/pcm"

var containerByMime = map[string]Container{
	"audio/ogg":       ContainerOgg,
	"audio/opus":      ContainerOgg,
	"application/ogg": ContainerOgg,
	"audio/wav":       ContainerWAV,
	"audio/x-wav":     ContainerWAV,
	"audio/wave":      ContainerWAV,
	"audio/vnd.wave":  ContainerWAV,
	MimeTypePCM:       ContainerPCM,
	"audio/l16":       ContainerPCM,
}

// ResolveContainer picks the container for data. A recognised declared mime wins;
// an empty, generic or unknown one falls back to content sniffing.
func ResolveContainer(data []byte, declaredMime string) (Container, map[string]string) {
	if declaredMime != "" {
		mediaType, params, err := mime.ParseMediaType(declaredMime)
		if err == nil {
			if c, ok := containerByMime[strings.ToLower(mediaType)]; ok {
				if params == nil {
					params = map[string]string{}
				}
				params["media_type"] = strings.ToLower(mediaType)
				return c, params
			}
		}
	}

	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if c, ok := containerByMime[m.String()]; ok && c != ContainerPCM {
			return c, map[string]string{"media_type": m.String()}
		}
	}

	return ContainerUnknown, nil
}

// NativeContextFactory creates pure-Go decoding contexts for Ogg/Opus, WAV and raw PCM
type NativeContextFactory struct{}

// NewContext returns a fresh native decoding context
func (NativeContextFactory) NewContext(ctx context.Context) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &nativeContext{}, nil
}

// nativeContext decodes a single blob. It owns no OS resources but still refuses
// use after Close so leaks show up as errors.
type nativeContext struct {
	mu     sync.Mutex
	closed bool
}

// Decode dispatches to the container decoder, recovering decoder panics
func (c *nativeContext) Decode(data []byte, mimeType string) (decoded *DecodedAudio, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("decoding context is closed")
	}

	defer func() {
		if r := recover(); r != nil {
			decoded = nil
			err = fmt.Errorf("%w: decoder panic: %v", ErrUnsupportedFormat, r)
		}
	}()

	container, params := ResolveContainer(data, mimeType)
	switch container {
	case ContainerOgg:
		return decodeOggOpus(data)
	case ContainerWAV:
		return decodeWAV(data)
	case ContainerPCM:
		return decodePCM(data, params)
	default:
		return nil, fmt.Errorf("%w: cannot identify container (declared %q)", ErrUnsupportedFormat, mimeType)
	}
}

// Close releases the context
func (c *nativeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("decoding context already closed")
	}
	c.closed = true
	return nil
}

// decodeWAV decodes an integer PCM WAV file of any common bit depth
func decodeWAV(data []byte) (*DecodedAudio, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid WAV file", ErrUnsupportedFormat)
	}

	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: WAV audio format %d (only integer PCM is supported)",
			ErrUnsupportedFormat, d.WavAudioFormat)
	}

	channels := int(d.NumChans)
	bitDepth := int(d.BitDepth)
	if channels < 1 || bitDepth < 8 || bitDepth > 32 || bitDepth%8 != 0 {
		return nil, fmt.Errorf("%w: WAV with %d channels at %d bits", ErrUnsupportedFormat, channels, bitDepth)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read WAV samples: %v", ErrUnsupportedFormat, err)
	}

	frames := len(buf.Data) / channels
	planar := makePlanar(channels, frames)

	scale := float32(int64(1) << (bitDepth - 1))
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			v := buf.Data[i*channels+ch]
			if bitDepth == 8 {
				v -= 128 // 8-bit WAV is unsigned
			}
			planar[ch][i] = float32(v) / scale
		}
	}

	return NewDecodedAudio(planar, int(d.SampleRate))
}

// decodePCM decodes raw PCM16 described by media type parameters
func decodePCM(data []byte, params map[string]string) (*DecodedAudio, error) {
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("%w: raw PCM needs a positive rate parameter", ErrUnsupportedFormat)
	}

	channels := 1
	if v, ok := params["channels"]; ok {
		channels, err = strconv.Atoi(v)
		if err != nil || channels < 1 {
			return nil, fmt.Errorf("%w: invalid channels parameter %q", ErrUnsupportedFormat, v)
		}
	}

	frameSize := channels * 2
	if len(data)%frameSize != 0 {
		return nil, fmt.Errorf("%w: raw PCM length %d is not a multiple of %d", ErrUnsupportedFormat, len(data), frameSize)
	}

	// audio/L16 is big-endian per RFC 2586
	var order binary.ByteOrder = binary.LittleEndian
	if params["media_type"] == "audio/l16" {
		order = binary.BigEndian
	}

	frames := len(data) / frameSize
	planar := makePlanar(channels, frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			v := int16(order.Uint16(data[(i*channels+ch)*2:]))
			planar[ch][i] = float32(v) / 32768
		}
	}

	return NewDecodedAudio(planar, rate)
}

func makePlanar(channels, frames int) [][]float32 {
	planar := make([][]float32, channels)
	for ch := range planar {
		planar[ch] = make([]float32, frames)
	}
	return planar
}
