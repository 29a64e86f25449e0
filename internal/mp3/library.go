package mp3

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
)

// Loader initializes a backend library. It may block.
type Loader func(ctx context.Context) (BackendFactory, error)

// Library is the ready-gate in front of a backend. NewEncoder never blocks: it
// fails with ErrEncoderUnavailable until initialization has resolved successfully.
type Library struct {
	ready   chan struct{}
	factory BackendFactory
	err     error
	logger  *slog.Logger
}

// Load starts initializing the backend in the background and returns immediately.
// The loaded factory is self-tested with one silent block before the gate opens.
func Load(ctx context.Context, loader Loader, logger *slog.Logger) *Library {
	l := &Library{
		ready:  make(chan struct{}),
		logger: logger,
	}

	go func() {
		startTime := time.Now()
		factory, err := loader(ctx)
		if err == nil {
			err = selfTest(factory)
		}

		if err != nil {
			l.err = fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
			logger.Error("MP3 encoder initialization failed", slog.String("error", err.Error()))
		} else {
			l.factory = factory
			logger.Info("MP3 encoder ready",
				slog.String("backend", factory.Name()),
				slog.Duration("elapsed", time.Since(startTime)),
			)
		}

		close(l.ready)
	}()

	return l
}

// NewReadyLibrary returns a library whose gate is already open
func NewReadyLibrary(factory BackendFactory, logger *slog.Logger) *Library {
	l := &Library{
		ready:   make(chan struct{}),
		factory: factory,
		logger:  logger,
	}
	close(l.ready)
	return l
}

// Ready is closed once initialization has finished, successfully or not
func (l *Library) Ready() <-chan struct{} {
	return l.ready
}

// Wait blocks until the gate resolves or ctx is done. It returns the
// initialization error, if any.
func (l *Library) Wait(ctx context.Context) error {
	select {
	case <-l.ready:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the initialization error once the gate has resolved
func (l *Library) Err() error {
	select {
	case <-l.ready:
		return l.err
	default:
		return ErrEncoderUnavailable
	}
}

// BackendName returns the loaded backend name, or an empty string before the gate opens
func (l *Library) BackendName() string {
	if l.Err() != nil {
		return ""
	}
	return l.factory.Name()
}

// NewEncoder creates a single-use encoder for f
func (l *Library) NewEncoder(f audio.Format) (*Encoder, error) {
	if err := l.Err(); err != nil {
		return nil, err
	}

	if err := ValidateFormat(f); err != nil {
		return nil, err
	}

	backend, err := l.factory.NewBackend(f.SampleRate, f.Channels, f.BitRateKbps)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create %s backend: %v", ErrEncode, l.factory.Name(), err)
	}

	return &Encoder{
		backend: backend,
		format:  f,
		logger:  l.logger,
	}, nil
}

func selfTest(factory BackendFactory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend self-test panicked: %v", r)
		}
	}()

	backend, err := factory.NewBackend(audio.DefaultSampleRate, 1, audio.DefaultBitRateKbps)
	if err != nil {
		return fmt.Errorf("backend self-test: %w", err)
	}

	if _, err := backend.EncodeBlock(make([]int16, BlockSamples)); err != nil {
		return fmt.Errorf("backend self-test: %w", err)
	}

	if _, err := backend.Flush(); err != nil {
		return fmt.Errorf("backend self-test: %w", err)
	}

	return nil
}
