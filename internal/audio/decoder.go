package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Context is a scoped decoding context. It is acquired for exactly one decode
// and must be closed afterwards.
type Context interface {
	Decode(data []byte, mimeType string) (*DecodedAudio, error)
	Close() error
}

// ContextFactory creates decoding contexts. Implementations may wrap hardware
// decoders or external libraries; NativeContextFactory is the pure-Go default.
type ContextFactory interface {
	NewContext(ctx context.Context) (Context, error)
}

// Decoder turns encoded audio blobs into planar float PCM
type Decoder struct {
	factory ContextFactory
	logger  *slog.Logger
}

// DecoderOption configures a Decoder
type DecoderOption func(*Decoder)

// WithContextFactory replaces the decoding context factory
func WithContextFactory(f ContextFactory) DecoderOption {
	return func(d *Decoder) {
		d.factory = f
	}
}

// NewDecoder creates a decoder backed by NativeContextFactory unless overridden
func NewDecoder(logger *slog.Logger, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		factory: NativeContextFactory{},
		logger:  logger,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Decode decodes data at its native sample rate
func (d *Decoder) Decode(ctx context.Context, data []byte, declaredMime string) (*DecodedAudio, error) {
	return d.DecodeTo(ctx, data, declaredMime, 0)
}

// DecodeTo decodes data and resamples it to targetRate when targetRate is non-zero
// and differs from the native rate. The decoding context is released on every path.
func (d *Decoder) DecodeTo(ctx context.Context, data []byte, declaredMime string, targetRate int) (decoded *DecodedAudio, err error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startTime := time.Now()

	dc, err := d.factory.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire decoding context: %w", err)
	}
	defer func() {
		if cerr := dc.Close(); cerr != nil {
			d.logger.Warn("Failed to release decoding context", slog.String("error", cerr.Error()))
		}
	}()

	decoded, err = dc.Decode(data, declaredMime)
	if err != nil {
		return nil, err
	}

	nativeRate := decoded.SampleRate
	if targetRate > 0 && targetRate != nativeRate {
		decoded, err = Resample(decoded, targetRate)
		if err != nil {
			return nil, fmt.Errorf("failed to resample %d Hz to %d Hz: %w", nativeRate, targetRate, err)
		}
	}

	d.logger.Debug("Audio decoded",
		slog.String("declared_mime", declaredMime),
		slog.Int("input_bytes", len(data)),
		slog.Int("channels", decoded.NumChannels()),
		slog.Int("native_rate", nativeRate),
		slog.Int("sample_rate", decoded.SampleRate),
		slog.Int("frames", decoded.FrameCount),
		slog.Duration("elapsed", time.Since(startTime)),
	)

	return decoded, nil
}
