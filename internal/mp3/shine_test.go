package mp3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
)

func TestShineStereoSilence(t *testing.T) {
	lib := Load(context.Background(), LoadShine, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lib.Wait(ctx); err != nil {
		t.Fatalf("Shine failed to load: %v", err)
	}

	c := silentContainer(t, 44100, 2, 44100)
	if len(c.Bytes()) != 176444 {
		t.Fatalf("Expected 176444-byte WAV, got %d", len(c.Bytes()))
	}

	enc, err := lib.NewEncoder(audio.Format{SampleRate: 44100, Channels: 2, BitRateKbps: 128})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	artifact, err := enc.Encode(c)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	data := artifact.Bytes()
	if len(data) == 0 {
		t.Fatal("Expected non-empty MP3")
	}

	if data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		t.Errorf("Expected MPEG frame sync, got %#x %#x", data[0], data[1])
	}

	if artifact.MimeType() != "audio/mp3" {
		t.Errorf("Expected mime audio/mp3, got %s", artifact.MimeType())
	}
}

func TestShineDeterministic(t *testing.T) {
	lib := NewReadyLibrary(ShineFactory{}, testLogger())
	f := audio.Format{SampleRate: 22050, Channels: 1, BitRateKbps: 128}

	planar := [][]float32{make([]float32, 22050)}
	for i := range planar[0] {
		planar[0][i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/22050))
	}
	decoded, err := audio.NewDecodedAudio(planar, 22050)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}
	c, err := audio.Serialize(decoded, f)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	encode := func() []byte {
		enc, err := lib.NewEncoder(f)
		if err != nil {
			t.Fatalf("NewEncoder failed: %v", err)
		}
		artifact, err := enc.Encode(c)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return artifact.Bytes()
	}

	first := encode()
	second := encode()

	if len(first) == 0 {
		t.Fatal("Expected non-empty MP3")
	}

	if !bytes.Equal(first, second) {
		t.Errorf("Expected identical output, got %d and %d bytes", len(first), len(second))
	}
}

func TestShineRejectsBitrate(t *testing.T) {
	lib := NewReadyLibrary(ShineFactory{}, testLogger())

	_, err := lib.NewEncoder(audio.Format{SampleRate: 44100, Channels: 1, BitRateKbps: 192})
	if !errors.Is(err, ErrEncode) {
		t.Errorf("Expected ErrEncode for unsupported shine bitrate, got %v", err)
	}
}

// mpegFrame is the part of a Layer III frame header needed to walk a stream
type mpegFrame struct {
	version    int // 3 MPEG-1, 2 MPEG-2
	sampleRate int
	samples    int
	length     int
}

var (
	headerRates = map[int][]int{
		3: {44100, 48000, 32000},
		2: {22050, 24000, 16000},
	}
	headerBitrates = map[int][]int{
		3: {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
		2: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	}
)

// parseFrames walks every frame header of data and fails on the first invalid one
func parseFrames(t *testing.T, data []byte) []mpegFrame {
	t.Helper()

	var frames []mpegFrame
	for offset := 0; offset < len(data); {
		if len(data)-offset < 4 {
			t.Fatalf("Truncated header at byte %d", offset)
		}
		h := data[offset : offset+4]

		if h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
			t.Fatalf("No frame sync at byte %d: %#x %#x", offset, h[0], h[1])
		}

		version := int(h[1]>>3) & 3
		if (h[1]>>1)&3 != 1 {
			t.Fatalf("Frame at byte %d is not Layer III: %#x", offset, h[1])
		}

		rates, ok := headerRates[version]
		if !ok {
			t.Fatalf("Unexpected MPEG version bits %d at byte %d", version, offset)
		}

		bitrateIndex := int(h[2] >> 4)
		rateIndex := int(h[2]>>2) & 3
		if bitrateIndex == 0 || bitrateIndex == 15 || rateIndex == 3 {
			t.Fatalf("Invalid bitrate or rate index at byte %d: %#x", offset, h[2])
		}
		padding := int(h[2]>>1) & 1

		f := mpegFrame{version: version, sampleRate: rates[rateIndex], samples: 1152}
		coefficient := 144
		if version != 3 {
			f.samples = 576
			coefficient = 72
		}
		f.length = coefficient*headerBitrates[version][bitrateIndex]*1000/f.sampleRate + padding

		frames = append(frames, f)
		offset += f.length
	}

	return frames
}

func toneContainer(t *testing.T, frames, channels, sampleRate int) *audio.WAVContainer {
	t.Helper()

	planar := make([][]float32, channels)
	for ch := range planar {
		planar[ch] = make([]float32, frames)
		for i := range planar[ch] {
			planar[ch][i] = float32(0.4 * math.Sin(2*math.Pi*330*float64(ch+1)*float64(i)/float64(sampleRate)))
		}
	}

	decoded, err := audio.NewDecodedAudio(planar, sampleRate)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	c, err := audio.Serialize(decoded, audio.Format{SampleRate: sampleRate, Channels: channels, BitRateKbps: ShineBitRateKbps})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return c
}

func TestShineCoversInput(t *testing.T) {
	tests := []struct {
		sampleRate int
		channels   int
		version    int
	}{
		{32000, 1, 3}, {32000, 2, 3},
		{44100, 1, 3}, {44100, 2, 3},
		{48000, 1, 3}, {48000, 2, 3},
		{16000, 2, 2},
		{22050, 1, 2}, {22050, 2, 2},
		{24000, 1, 2}, {24000, 2, 2},
	}

	lib := NewReadyLibrary(ShineFactory{}, testLogger())

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%dch", tt.sampleRate, tt.channels), func(t *testing.T) {
			inputFrames := 2*tt.sampleRate + 300 // ends in a partial block
			c := toneContainer(t, inputFrames, tt.channels, tt.sampleRate)

			enc, err := lib.NewEncoder(audio.Format{SampleRate: tt.sampleRate, Channels: tt.channels, BitRateKbps: ShineBitRateKbps})
			if err != nil {
				t.Fatalf("NewEncoder failed: %v", err)
			}

			artifact, err := enc.Encode(c)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			frames := parseFrames(t, artifact.Bytes())
			encoded := 0
			for i, f := range frames {
				if f.version != tt.version || f.sampleRate != tt.sampleRate {
					t.Fatalf("Frame %d: expected version %d at %d Hz, got version %d at %d Hz",
						i, tt.version, tt.sampleRate, f.version, f.sampleRate)
				}
				encoded += f.samples
			}

			if encoded < inputFrames {
				t.Errorf("Expected at least %d encoded samples per channel, got %d (%d frames)", inputFrames, encoded, len(frames))
			}

			// At most one padded block beyond the input
			if encoded > inputFrames+BlockSamples {
				t.Errorf("Expected at most %d encoded samples per channel, got %d", inputFrames+BlockSamples, encoded)
			}
		})
	}
}

func TestShineRejectsUnsupportedFormats(t *testing.T) {
	lib := NewReadyLibrary(ShineFactory{}, testLogger())

	tests := []audio.Format{
		{SampleRate: 8000, Channels: 2, BitRateKbps: 128},
		{SampleRate: 11025, Channels: 1, BitRateKbps: 128},
		{SampleRate: 12000, Channels: 2, BitRateKbps: 128},
		{SampleRate: 16000, Channels: 1, BitRateKbps: 128},
	}

	for _, f := range tests {
		if err := ValidateFormat(f); err != nil {
			t.Fatalf("%+v should pass the MPEG tables: %v", f, err)
		}

		if _, err := lib.NewEncoder(f); !errors.Is(err, ErrEncode) {
			t.Errorf("%+v: expected ErrEncode, got %v", f, err)
		}
	}
}
