package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE header
	WAVHeaderSize = 44
	// BitsPerSample is the only sample depth written by Serialize
	BitsPerSample = 16
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data length
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVContainer is an uncompressed PCM16 payload plus the fields of its canonical header
type WAVContainer struct {
	NumChannels   int
	SampleRate    int
	BitsPerSample int
	DataLength    int    // Payload size in bytes
	Data          []byte // Interleaved little-endian PCM16
}

// QuantizeSample converts a float sample to PCM16. The value is clamped to [-1, 1]
// before scaling so boundary samples cannot overflow int16.
func QuantizeSample(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	} else if v != v { // NaN
		v = 0
	}

	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// Serialize quantizes decoded PCM into a WAV container laid out for the target format.
//
// Channel mapping: a mono target averages every source channel, a stereo target takes
// the first two source channels, and a mono source feeding a stereo target is copied
// to both. No resampling happens here; the decoded rate must equal f.SampleRate.
func Serialize(decoded *DecodedAudio, f Format) (*WAVContainer, error) {
	if decoded == nil {
		return nil, fmt.Errorf("cannot serialize nil audio")
	}

	if f.Channels != 1 && f.Channels != 2 {
		return nil, fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}

	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}

	if decoded.NumChannels() == 0 {
		return nil, fmt.Errorf("decoded audio has no channels")
	}

	if decoded.SampleRate != f.SampleRate {
		return nil, fmt.Errorf("%w: decoded %d Hz, target %d Hz",
			ErrSampleRateMismatch, decoded.SampleRate, f.SampleRate)
	}

	frames := decoded.FrameCount
	dataLength := frames * f.Channels * 2
	data := make([]byte, dataLength)

	pos := 0
	for i := 0; i < frames; i++ {
		for ch := 0; ch < f.Channels; ch++ {
			sample := QuantizeSample(mapChannel(decoded.Channels, f.Channels, ch, i))
			binary.LittleEndian.PutUint16(data[pos:], uint16(sample))
			pos += 2
		}
	}

	return &WAVContainer{
		NumChannels:   f.Channels,
		SampleRate:    f.SampleRate,
		BitsPerSample: BitsPerSample,
		DataLength:    dataLength,
		Data:          data,
	}, nil
}

// mapChannel returns the float sample for output channel ch at frame i
func mapChannel(src [][]float32, outChannels, ch, i int) float32 {
	switch {
	case outChannels == 1 && len(src) > 1:
		var sum float32
		for _, c := range src {
			sum += c[i]
		}
		return sum / float32(len(src))
	case ch < len(src):
		return src[ch][i]
	default:
		return src[0][i]
	}
}

// Header returns the canonical 44-byte header that describes this container
func (c *WAVContainer) Header() WAVHeader {
	blockAlign := uint16(c.NumChannels * c.BitsPerSample / 8)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + c.DataLength),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(c.NumChannels),
		SampleRate:    uint32(c.SampleRate),
		ByteRate:      uint32(c.SampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: uint16(c.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(c.DataLength),
	}
}

// WriteTo writes the header followed by the payload
func (c *WAVContainer) WriteTo(w io.Writer) (int64, error) {
	header := c.Header()
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return 0, fmt.Errorf("failed to write WAV header: %w", err)
	}

	n, err := w.Write(c.Data)
	if err != nil {
		return int64(WAVHeaderSize + n), fmt.Errorf("failed to write audio data: %w", err)
	}

	return int64(WAVHeaderSize + n), nil
}

// Bytes returns the complete WAV file
func (c *WAVContainer) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(c.Data)))
	_, _ = c.WriteTo(buf)
	return buf.Bytes()
}

// FrameCount returns the number of multi-channel frames in the payload
func (c *WAVContainer) FrameCount() int {
	if c.NumChannels == 0 {
		return 0
	}
	return c.DataLength / (c.NumChannels * 2)
}

// Samples decodes the payload into interleaved int16 samples
func (c *WAVContainer) Samples() []int16 {
	samples := make([]int16, len(c.Data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(c.Data[i*2:]))
	}
	return samples
}

// DecodeWAVHeader reads and validates the canonical 44-byte header at the start of data
func DecodeWAVHeader(data []byte) (*WAVHeader, error) {
	if len(data) < WAVHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(header.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(header.Subchunk1ID[:]) != "fmt " {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(header.Subchunk2ID[:]) != "data" {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return &header, nil
}

// WAVInfo summarizes a canonical WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// GetWAVInfo extracts metadata from a canonical WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := DecodeWAVHeader(data)
	if err != nil {
		return nil, err
	}

	if header.BlockAlign == 0 || header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid WAV header: block align %d, sample rate %d",
			header.BlockAlign, header.SampleRate)
	}

	numFrames := header.Subchunk2Size / uint32(header.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numFrames) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumFrames:     numFrames,
	}, nil
}
