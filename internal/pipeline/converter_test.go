package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/mp3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stateRecorder collects job states seen by an observer
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(e JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e.State)
}

func (r *stateRecorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

func newTestConverter(lib *mp3.Library, rec *stateRecorder) *Converter {
	opts := []Option{}
	if rec != nil {
		opts = append(opts, WithObserver(rec.observe))
	}
	return NewConverter(audio.NewDecoder(testLogger()), lib, testLogger(), opts...)
}

func stereoSilence() Input {
	return Input{
		SessionID: "session-1",
		Data:      make([]byte, 44100*2*2),
		MimeType:  "audio/pcm; rate=44100; channels=2",
	}
}

func TestConvertEmptyInput(t *testing.T) {
	rec := &stateRecorder{}
	c := newTestConverter(mp3.NewReadyLibrary(mp3.ShineFactory{}, testLogger()), rec)

	result, err := c.Convert(context.Background(), Input{MimeType: "audio/ogg"}, audio.DefaultFormat())
	if result != nil {
		t.Error("Expected no result for empty input")
	}

	if !errors.Is(err, audio.ErrEmptyInput) || !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("Expected ErrEmptyInput wrapped in ErrConversionFailed, got %v", err)
	}

	var cerr *ConversionError
	if !errors.As(err, &cerr) || cerr.Stage != StateDecoding {
		t.Errorf("Expected failure at decoding, got %v", err)
	}

	if rec.seen(StateSerializing) || rec.seen(StateEncoding) {
		t.Errorf("Pipeline went past decoding: %v", rec.states)
	}

	if !rec.seen(StateFailed) {
		t.Error("Expected failed state to be observed")
	}

	if Retryable(err) {
		t.Error("Empty input must not be retryable")
	}
}

func TestConvertStereoSilence(t *testing.T) {
	rec := &stateRecorder{}
	c := newTestConverter(mp3.NewReadyLibrary(mp3.ShineFactory{}, testLogger()), rec)

	in := stereoSilence()
	f := audio.Format{SampleRate: 44100, Channels: 2, BitRateKbps: 128}

	result, err := c.Convert(context.Background(), in, f)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if result.WAVBytes != 176444 {
		t.Errorf("Expected 176444-byte WAV, got %d", result.WAVBytes)
	}

	if result.Artifact.Len() == 0 {
		t.Fatal("Expected non-empty MP3")
	}

	if result.Artifact.MimeType() != "audio/mp3" {
		t.Errorf("Expected audio/mp3, got %s", result.Artifact.MimeType())
	}

	if result.Duration != time.Second {
		t.Errorf("Expected 1s of audio, got %s", result.Duration)
	}

	if result.Job.State != StateComplete {
		t.Errorf("Expected complete job, got %s", result.Job.State)
	}

	if result.Level == nil || result.Level.VoiceWindows != 0 {
		t.Errorf("Expected a silent level summary, got %+v", result.Level)
	}

	want := []State{StateDecoding, StateSerializing, StateEncoding, StateComplete}
	if len(rec.states) != len(want) {
		t.Fatalf("Expected states %v, got %v", want, rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Errorf("State %d: expected %s, got %s", i, want[i], rec.states[i])
		}
	}
}

func TestConvertUnsupportedFormat(t *testing.T) {
	c := newTestConverter(mp3.NewReadyLibrary(mp3.ShineFactory{}, testLogger()), nil)

	original := []byte("this is not audio at all")
	in := Input{Data: bytes.Clone(original), MimeType: "video/mp4"}

	result, err := c.Convert(context.Background(), in, audio.DefaultFormat())
	if result != nil {
		t.Error("Expected no result")
	}

	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}

	if !bytes.Equal(in.Data, original) {
		t.Error("Input blob was modified")
	}
}

func TestConvertEncoderUnavailable(t *testing.T) {
	loader := func(ctx context.Context) (mp3.BackendFactory, error) {
		return nil, errors.New("library missing")
	}
	lib := mp3.Load(context.Background(), loader, testLogger())

	rec := &stateRecorder{}
	c := newTestConverter(lib, rec)

	result, err := c.Convert(context.Background(), stereoSilence(), audio.Format{SampleRate: 44100, Channels: 2, BitRateKbps: 128})
	if result != nil {
		t.Error("Expected no partial artifact")
	}

	if !errors.Is(err, mp3.ErrEncoderUnavailable) {
		t.Fatalf("Expected ErrEncoderUnavailable, got %v", err)
	}

	if !Retryable(err) {
		t.Error("Expected encoder unavailability to be retryable")
	}

	var cerr *ConversionError
	if !errors.As(err, &cerr) || cerr.Stage != StateEncoding {
		t.Errorf("Expected failure at encoding, got %v", err)
	}
}

func TestConvertAwaitsReadyGate(t *testing.T) {
	release := make(chan struct{})
	loader := func(ctx context.Context) (mp3.BackendFactory, error) {
		<-release
		return mp3.ShineFactory{}, nil
	}
	lib := mp3.Load(context.Background(), loader, testLogger())
	c := newTestConverter(lib, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Convert(context.Background(), stereoSilence(), audio.Format{SampleRate: 44100, Channels: 2, BitRateKbps: 128})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Convert finished before the gate opened: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Convert failed after the gate opened: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Convert did not finish after the gate opened")
	}
}

func TestConvertRejectsFormat(t *testing.T) {
	c := newTestConverter(mp3.NewReadyLibrary(mp3.ShineFactory{}, testLogger()), nil)

	_, err := c.Convert(context.Background(), stereoSilence(), audio.Format{SampleRate: 44100, Channels: 5, BitRateKbps: 128})
	if !errors.Is(err, ErrConversionFailed) {
		t.Errorf("Expected ErrConversionFailed, got %v", err)
	}
}

func TestConvertAll(t *testing.T) {
	c := newTestConverter(mp3.NewReadyLibrary(mp3.ShineFactory{}, testLogger()), nil)

	inputs := []Input{
		stereoSilence(),
		{MimeType: "audio/ogg"},
		{Data: make([]byte, 22050*2), MimeType: "audio/pcm; rate=22050"},
	}

	outcomes := c.ConvertAll(context.Background(), inputs, audio.DefaultFormat(), 2)
	if len(outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(outcomes))
	}

	if outcomes[0].Err != nil || outcomes[0].Result.Artifact.Len() == 0 {
		t.Errorf("Expected first job to succeed, got %v", outcomes[0].Err)
	}

	if !errors.Is(outcomes[1].Err, audio.ErrEmptyInput) {
		t.Errorf("Expected second job to fail with ErrEmptyInput, got %v", outcomes[1].Err)
	}

	// 22.05 kHz input is resampled to the 44.1 kHz output rate
	if outcomes[2].Err != nil {
		t.Errorf("Expected third job to succeed, got %v", outcomes[2].Err)
	}

	if outcomes[0].Result != nil && outcomes[2].Result != nil && outcomes[0].Result.Job.ID == outcomes[2].Result.Job.ID {
		t.Error("Expected distinct job IDs")
	}
}
