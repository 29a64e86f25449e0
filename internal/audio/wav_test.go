package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestQuantizeSample(t *testing.T) {
	tests := []struct {
		name  string
		input float32
		want  int16
	}{
		{"zero", 0, 0},
		{"positive full scale", 1, 32767},
		{"negative full scale", -1, -32768},
		{"above range clamps", 1.5, 32767},
		{"below range clamps", -3, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"NaN", float32(math.NaN()), 0},
		{"positive infinity", float32(math.Inf(1)), 32767},
		{"negative infinity", float32(math.Inf(-1)), -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuantizeSample(tt.input); got != tt.want {
				t.Errorf("QuantizeSample(%v) = %d, expected %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestSerializeStereoSilence(t *testing.T) {
	left := make([]float32, 44100)
	right := make([]float32, 44100)

	decoded, err := NewDecodedAudio([][]float32{left, right}, 44100)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	container, err := Serialize(decoded, Format{SampleRate: 44100, Channels: 2, BitRateKbps: 128})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	wavData := container.Bytes()
	if len(wavData) != 176444 {
		t.Errorf("Expected WAV size 176444, got %d", len(wavData))
	}

	if container.DataLength != 44100*2*2 {
		t.Errorf("Expected data length %d, got %d", 44100*2*2, container.DataLength)
	}

	for i, b := range wavData[WAVHeaderSize:] {
		if b != 0 {
			t.Fatalf("Expected all-zero payload, byte %d is %d", i, b)
		}
	}
}

func TestSerializeHeaderRoundTrip(t *testing.T) {
	samples := []float32{0.1, -0.2, 0.3, -0.4, 0.5, 1, -1}

	tests := []struct {
		name       string
		channels   int
		sampleRate int
	}{
		{"mono 8kHz", 1, 8000},
		{"mono 44.1kHz", 1, 44100},
		{"stereo 48kHz", 2, 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := NewDecodedAudio([][]float32{samples}, tt.sampleRate)
			if err != nil {
				t.Fatalf("NewDecodedAudio failed: %v", err)
			}

			container, err := Serialize(decoded, Format{SampleRate: tt.sampleRate, Channels: tt.channels, BitRateKbps: 128})
			if err != nil {
				t.Fatalf("Serialize failed: %v", err)
			}

			header, err := DecodeWAVHeader(container.Bytes())
			if err != nil {
				t.Fatalf("DecodeWAVHeader failed: %v", err)
			}

			if int(header.NumChannels) != tt.channels {
				t.Errorf("Expected %d channels, got %d", tt.channels, header.NumChannels)
			}

			if int(header.SampleRate) != tt.sampleRate {
				t.Errorf("Expected sample rate %d, got %d", tt.sampleRate, header.SampleRate)
			}

			expectedLength := len(samples) * tt.channels * 2
			if int(header.Subchunk2Size) != expectedLength {
				t.Errorf("Expected data length %d, got %d", expectedLength, header.Subchunk2Size)
			}

			if header.ChunkSize != uint32(36+expectedLength) {
				t.Errorf("Expected chunk size %d, got %d", 36+expectedLength, header.ChunkSize)
			}

			if header.ByteRate != uint32(tt.sampleRate*tt.channels*2) {
				t.Errorf("Expected byte rate %d, got %d", tt.sampleRate*tt.channels*2, header.ByteRate)
			}

			if header.BlockAlign != uint16(tt.channels*2) {
				t.Errorf("Expected block align %d, got %d", tt.channels*2, header.BlockAlign)
			}

			if header.BitsPerSample != 16 {
				t.Errorf("Expected 16 bits per sample, got %d", header.BitsPerSample)
			}
		})
	}
}

func TestSerializeKnownSamples(t *testing.T) {
	// Serialized values must survive the header and come back unchanged
	want := []int16{100, -200, 300, -400, 500}
	samples := make([]float32, len(want))
	for i, v := range want {
		if v < 0 {
			samples[i] = float32(v) / 0x8000
		} else {
			samples[i] = float32(v) / 0x7FFF
		}
	}

	decoded, err := NewDecodedAudio([][]float32{samples}, 8000)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	container, err := Serialize(decoded, Format{SampleRate: 8000, Channels: 1, BitRateKbps: 128})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	got := container.Samples()
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}

	for i := range want {
		if diff := int(got[i]) - int(want[i]); diff < -1 || diff > 1 {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestSerializeChannelMapping(t *testing.T) {
	left := []float32{0.5, 1}
	right := []float32{-0.5, 0}

	stereo, err := NewDecodedAudio([][]float32{left, right}, 16000)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	t.Run("stereo to mono averages", func(t *testing.T) {
		container, err := Serialize(stereo, Format{SampleRate: 16000, Channels: 1, BitRateKbps: 128})
		if err != nil {
			t.Fatalf("Serialize failed: %v", err)
		}

		got := container.Samples()
		want := []int16{0, QuantizeSample(0.5)}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
			}
		}
	})

	t.Run("stereo keeps channel order", func(t *testing.T) {
		container, err := Serialize(stereo, Format{SampleRate: 16000, Channels: 2, BitRateKbps: 128})
		if err != nil {
			t.Fatalf("Serialize failed: %v", err)
		}

		got := container.Samples()
		want := []int16{QuantizeSample(0.5), QuantizeSample(-0.5), 32767, 0}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
			}
		}
	})

	t.Run("mono to stereo duplicates", func(t *testing.T) {
		mono, err := NewDecodedAudio([][]float32{{0.25, -0.25}}, 16000)
		if err != nil {
			t.Fatalf("NewDecodedAudio failed: %v", err)
		}

		container, err := Serialize(mono, Format{SampleRate: 16000, Channels: 2, BitRateKbps: 128})
		if err != nil {
			t.Fatalf("Serialize failed: %v", err)
		}

		got := container.Samples()
		if got[0] != got[1] || got[2] != got[3] {
			t.Errorf("Expected duplicated channels, got %v", got)
		}
	})
}

func TestSerializeRejectsInvalidInput(t *testing.T) {
	decoded, err := NewDecodedAudio([][]float32{{0, 0}}, 48000)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	if _, err := Serialize(decoded, Format{SampleRate: 44100, Channels: 1, BitRateKbps: 128}); !errors.Is(err, ErrSampleRateMismatch) {
		t.Errorf("Expected ErrSampleRateMismatch, got %v", err)
	}

	if _, err := Serialize(decoded, Format{SampleRate: 48000, Channels: 3, BitRateKbps: 128}); err == nil {
		t.Error("Expected error for 3 channels")
	}

	if _, err := Serialize(nil, DefaultFormat()); err == nil {
		t.Error("Expected error for nil audio")
	}
}

func TestSerializeEmptyAudio(t *testing.T) {
	decoded, err := NewDecodedAudio([][]float32{{}}, 44100)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	container, err := Serialize(decoded, DefaultFormat())
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	if container.DataLength != 0 {
		t.Errorf("Expected empty payload, got %d bytes", container.DataLength)
	}

	if len(container.Bytes()) != WAVHeaderSize {
		t.Errorf("Expected header-only WAV of %d bytes, got %d", WAVHeaderSize, len(container.Bytes()))
	}
}

func TestDecodeWAVHeaderInvalid(t *testing.T) {
	if _, err := DecodeWAVHeader([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for short data")
	}

	invalid := make([]byte, WAVHeaderSize)
	copy(invalid, "JUNK")
	if _, err := DecodeWAVHeader(invalid); err == nil {
		t.Error("Expected error for missing RIFF header")
	}
}

func TestGetWAVInfo(t *testing.T) {
	decoded, err := NewDecodedAudio([][]float32{make([]float32, 8000), make([]float32, 8000)}, 8000)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	container, err := Serialize(decoded, Format{SampleRate: 8000, Channels: 2, BitRateKbps: 128})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	info, err := GetWAVInfo(container.Bytes())
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}

	if info.NumFrames != 8000 {
		t.Errorf("Expected 8000 frames, got %d", info.NumFrames)
	}

	if math.Abs(info.Duration-1.0) > 0.001 {
		t.Errorf("Expected duration 1.0, got %.3f", info.Duration)
	}
}

func TestWriteTo(t *testing.T) {
	decoded, err := NewDecodedAudio([][]float32{{0.1, 0.2, 0.3}}, 8000)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	container, err := Serialize(decoded, Format{SampleRate: 8000, Channels: 1, BitRateKbps: 128})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	var buf bytes.Buffer
	n, err := container.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	if n != int64(WAVHeaderSize+6) || buf.Len() != WAVHeaderSize+6 {
		t.Errorf("Expected %d bytes written, got n=%d len=%d", WAVHeaderSize+6, n, buf.Len())
	}
}
