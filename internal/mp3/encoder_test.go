package mp3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend records block sizes and emits one byte per block holding the block index
type fakeBackend struct {
	blocks   []int
	flushed  bool
	failAt   int
	panicAt  int
	trailer  []byte
	consumed int
}

func (b *fakeBackend) EncodeBlock(pcm []int16) ([]byte, error) {
	idx := len(b.blocks)
	if b.failAt > 0 && idx+1 == b.failAt {
		return nil, errors.New("boom")
	}
	if b.panicAt > 0 && idx+1 == b.panicAt {
		panic("backend exploded")
	}
	b.blocks = append(b.blocks, len(pcm))
	b.consumed += len(pcm)
	return []byte{byte(idx)}, nil
}

func (b *fakeBackend) Flush() ([]byte, error) {
	b.flushed = true
	return b.trailer, nil
}

type fakeFactory struct {
	backend *fakeBackend
	err     error
}

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) NewBackend(sampleRate, channels, bitRateKbps int) (Backend, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.backend == nil {
		return &fakeBackend{}, nil
	}
	return f.backend, nil
}

func silentContainer(t *testing.T, frames, channels, sampleRate int) *audio.WAVContainer {
	t.Helper()

	planar := make([][]float32, channels)
	for ch := range planar {
		planar[ch] = make([]float32, frames)
	}

	decoded, err := audio.NewDecodedAudio(planar, sampleRate)
	if err != nil {
		t.Fatalf("NewDecodedAudio failed: %v", err)
	}

	c, err := audio.Serialize(decoded, audio.Format{SampleRate: sampleRate, Channels: channels, BitRateKbps: 128})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	return c
}

func TestEncodeBlocks(t *testing.T) {
	backend := &fakeBackend{trailer: []byte{0xAA}}
	lib := NewReadyLibrary(&fakeFactory{backend: backend}, testLogger())

	f := audio.Format{SampleRate: 44100, Channels: 2, BitRateKbps: 128}
	enc, err := lib.NewEncoder(f)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	// Two full blocks and a partial one
	c := silentContainer(t, 2*BlockSamples+100, 2, 44100)
	artifact, err := enc.Encode(c)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	expectedBlocks := []int{BlockSamples * 2, BlockSamples * 2, 200}
	if len(backend.blocks) != len(expectedBlocks) {
		t.Fatalf("Expected %d blocks, got %d", len(expectedBlocks), len(backend.blocks))
	}
	for i, n := range expectedBlocks {
		if backend.blocks[i] != n {
			t.Errorf("Block %d: expected %d samples, got %d", i, n, backend.blocks[i])
		}
	}

	if backend.consumed*2 != c.DataLength {
		t.Errorf("Expected %d bytes consumed, got %d", c.DataLength, backend.consumed*2)
	}

	if !backend.flushed {
		t.Error("Expected backend to be flushed")
	}

	if !bytes.Equal(artifact.Bytes(), []byte{0, 1, 2, 0xAA}) {
		t.Errorf("Expected frames in emission order, got %v", artifact.Bytes())
	}

	if len(artifact.Frames()) != 4 {
		t.Errorf("Expected 4 frame buffers, got %d", len(artifact.Frames()))
	}

	if artifact.MimeType() != "audio/mp3" {
		t.Errorf("Expected mime audio/mp3, got %s", artifact.MimeType())
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	backend := &fakeBackend{}
	lib := NewReadyLibrary(&fakeFactory{backend: backend}, testLogger())

	enc, err := lib.NewEncoder(audio.DefaultFormat())
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	artifact, err := enc.Encode(silentContainer(t, 0, 1, 44100))
	if err != nil {
		t.Fatalf("Encode of empty payload failed: %v", err)
	}

	if len(backend.blocks) != 0 {
		t.Errorf("Expected no blocks, got %d", len(backend.blocks))
	}

	if !backend.flushed {
		t.Error("Expected flush on empty encoder")
	}

	if artifact == nil || artifact.Len() != 0 {
		t.Errorf("Expected empty artifact, got %v", artifact)
	}
}

func TestEncodeBackendFailure(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{"error", &fakeBackend{failAt: 2}},
		{"panic", &fakeBackend{panicAt: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := NewReadyLibrary(&fakeFactory{backend: tt.backend}, testLogger())
			enc, err := lib.NewEncoder(audio.DefaultFormat())
			if err != nil {
				t.Fatalf("NewEncoder failed: %v", err)
			}

			artifact, err := enc.Encode(silentContainer(t, 3*BlockSamples, 1, 44100))
			if !errors.Is(err, ErrEncode) {
				t.Errorf("Expected ErrEncode, got %v", err)
			}
			if artifact != nil {
				t.Error("Expected no artifact on failure")
			}
		})
	}
}

func TestEncodeValidation(t *testing.T) {
	lib := NewReadyLibrary(&fakeFactory{}, testLogger())

	t.Run("channel mismatch", func(t *testing.T) {
		enc, err := lib.NewEncoder(audio.DefaultFormat())
		if err != nil {
			t.Fatalf("NewEncoder failed: %v", err)
		}
		if _, err := enc.Encode(silentContainer(t, 10, 2, 44100)); !errors.Is(err, ErrEncode) {
			t.Errorf("Expected ErrEncode, got %v", err)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		enc, err := lib.NewEncoder(audio.DefaultFormat())
		if err != nil {
			t.Fatalf("NewEncoder failed: %v", err)
		}
		c := silentContainer(t, 10, 1, 44100)
		c.DataLength = 40
		if _, err := enc.Encode(c); !errors.Is(err, ErrEncode) {
			t.Errorf("Expected ErrEncode, got %v", err)
		}
	})

	t.Run("single use", func(t *testing.T) {
		enc, err := lib.NewEncoder(audio.DefaultFormat())
		if err != nil {
			t.Fatalf("NewEncoder failed: %v", err)
		}
		if _, err := enc.Encode(silentContainer(t, 10, 1, 44100)); err != nil {
			t.Fatalf("First Encode failed: %v", err)
		}
		if _, err := enc.Encode(silentContainer(t, 10, 1, 44100)); !errors.Is(err, ErrEncode) {
			t.Errorf("Expected ErrEncode on reuse, got %v", err)
		}
	})
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		name    string
		format  audio.Format
		wantErr bool
	}{
		{"default", audio.DefaultFormat(), false},
		{"stereo 48k 320", audio.Format{SampleRate: 48000, Channels: 2, BitRateKbps: 320}, false},
		{"mpeg2 22050 64", audio.Format{SampleRate: 22050, Channels: 1, BitRateKbps: 64}, false},
		{"mpeg2.5 8000 8", audio.Format{SampleRate: 8000, Channels: 1, BitRateKbps: 8}, false},
		{"three channels", audio.Format{SampleRate: 44100, Channels: 3, BitRateKbps: 128}, true},
		{"odd sample rate", audio.Format{SampleRate: 44000, Channels: 1, BitRateKbps: 128}, true},
		{"mpeg2 320", audio.Format{SampleRate: 16000, Channels: 1, BitRateKbps: 320}, true},
		{"mpeg1 8", audio.Format{SampleRate: 44100, Channels: 1, BitRateKbps: 8}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFormat(tt.format)
			if tt.wantErr && !errors.Is(err, ErrEncode) {
				t.Errorf("Expected ErrEncode, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestEncodeBeforeReady(t *testing.T) {
	release := make(chan struct{})
	loader := func(ctx context.Context) (BackendFactory, error) {
		<-release
		return &fakeFactory{}, nil
	}

	lib := Load(context.Background(), loader, testLogger())

	enc, err := lib.NewEncoder(audio.DefaultFormat())
	if !errors.Is(err, ErrEncoderUnavailable) {
		t.Fatalf("Expected ErrEncoderUnavailable, got %v", err)
	}
	if enc != nil {
		t.Fatal("Expected no encoder before the gate opens")
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lib.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if _, err := lib.NewEncoder(audio.DefaultFormat()); err != nil {
		t.Errorf("NewEncoder after ready failed: %v", err)
	}

	if lib.BackendName() != "fake" {
		t.Errorf("Expected backend name fake, got %q", lib.BackendName())
	}
}

func TestLoadFailure(t *testing.T) {
	loader := func(ctx context.Context) (BackendFactory, error) {
		return &fakeFactory{err: errors.New("no codec")}, nil
	}

	lib := Load(context.Background(), loader, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := lib.Wait(ctx); !errors.Is(err, ErrEncoderUnavailable) {
		t.Fatalf("Expected ErrEncoderUnavailable from failed self-test, got %v", err)
	}

	if _, err := lib.NewEncoder(audio.DefaultFormat()); !errors.Is(err, ErrEncoderUnavailable) {
		t.Errorf("Expected ErrEncoderUnavailable, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	loader := func(ctx context.Context) (BackendFactory, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	loadCtx, stop := context.WithCancel(context.Background())
	defer stop()
	lib := Load(loadCtx, loader, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := lib.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
}
