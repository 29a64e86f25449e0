package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/level"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/mp3"
)

// Result is the outcome of a successful conversion
type Result struct {
	Job      Job
	Artifact *mp3.Artifact
	WAVBytes int
	Level    *level.Summary
	Duration time.Duration // playback duration of the converted audio
}

// Converter sequences Decoder, Serializer and Encoder for each job
type Converter struct {
	decoder   *audio.Decoder
	library   *mp3.Library
	meter     level.Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	observers []Observer
}

// Option configures a Converter
type Option func(*Converter)

// WithMetrics records job metrics on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Converter) {
		c.metrics = m
	}
}

// WithObserver adds a job event observer
func WithObserver(o Observer) Option {
	return func(c *Converter) {
		c.observers = append(c.observers, o)
	}
}

// WithLevelConfig sets the level meter used for the result summary
func WithLevelConfig(cfg level.Config) Option {
	return func(c *Converter) {
		c.meter = cfg
	}
}

// NewConverter creates a converter using decoder and the encoders of library
func NewConverter(decoder *audio.Decoder, library *mp3.Library, logger *slog.Logger, opts ...Option) *Converter {
	c := &Converter{
		decoder: decoder,
		library: library,
		meter:   level.DefaultConfig(),
		logger:  logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// job tracks one running conversion
type job struct {
	Job
	converter *Converter
}

func (j *job) transition(to State, err error) {
	from := j.State
	j.State = to
	if err != nil {
		j.Error = err.Error()
	}
	if to == StateComplete || to == StateFailed {
		j.CompletedAt = time.Now()
	}

	event := JobEvent{
		JobID:     j.ID,
		SessionID: j.SessionID,
		State:     to,
		Previous:  from,
		Err:       err,
		Time:      time.Now(),
	}
	for _, o := range j.converter.observers {
		o(event)
	}
}

func (j *job) fail(stage State, err error) error {
	cerr := &ConversionError{JobID: j.ID, Stage: stage, Err: err}
	j.transition(StateFailed, cerr)
	return cerr
}

// Convert runs one job to completion. ctx is consulted before the job starts
// and while waiting for the encoder gate; a started stage is never interrupted.
// On failure no artifact is returned and in is left untouched.
func (c *Converter) Convert(ctx context.Context, in Input, f audio.Format) (*Result, error) {
	j := &job{
		Job: Job{
			ID:         uuid.New().String(),
			SessionID:  in.SessionID,
			State:      StatePending,
			Format:     f,
			InputBytes: len(in.Data),
			InputMime:  in.MimeType,
			CreatedAt:  time.Now(),
		},
		converter: c,
	}

	if err := ctx.Err(); err != nil {
		return nil, j.fail(StatePending, err)
	}

	if err := f.Validate(); err != nil {
		return nil, j.fail(StatePending, err)
	}

	c.metrics.ConversionStarted()
	startTime := time.Now()

	result, err := c.run(ctx, j, in, f)
	if err != nil {
		c.metrics.ConversionFinished(StateFailed.String(), 0)
		c.logger.Error("Conversion failed",
			slog.String("job_id", j.ID),
			slog.String("session_id", j.SessionID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(startTime)),
		)
		return nil, err
	}

	c.metrics.ConversionFinished(StateComplete.String(), result.Artifact.Len())
	c.logger.Info("Conversion complete",
		slog.String("job_id", j.ID),
		slog.String("session_id", j.SessionID),
		slog.Int("input_bytes", len(in.Data)),
		slog.Int("wav_bytes", result.WAVBytes),
		slog.Int("mp3_bytes", result.Artifact.Len()),
		slog.Duration("audio_duration", result.Duration),
		slog.Duration("elapsed", time.Since(startTime)),
	)

	return result, nil
}

func (c *Converter) run(ctx context.Context, j *job, in Input, f audio.Format) (*Result, error) {
	// Decoding
	j.transition(StateDecoding, nil)
	stageStart := time.Now()
	decoded, err := c.decoder.DecodeTo(context.WithoutCancel(ctx), in.Data, in.MimeType, f.SampleRate)
	c.metrics.StageObserved(StateDecoding.String(), time.Since(stageStart))
	if err != nil {
		return nil, j.fail(StateDecoding, err)
	}

	// Serializing
	j.transition(StateSerializing, nil)
	stageStart = time.Now()
	container, err := audio.Serialize(decoded, f)
	c.metrics.StageObserved(StateSerializing.String(), time.Since(stageStart))
	if err != nil {
		return nil, j.fail(StateSerializing, err)
	}

	summary := c.summarize(j, container)

	// Encoding
	j.transition(StateEncoding, nil)
	if err := c.library.Wait(ctx); err != nil {
		return nil, j.fail(StateEncoding, fmt.Errorf("%w: %v", mp3.ErrEncoderUnavailable, err))
	}

	stageStart = time.Now()
	encoder, err := c.library.NewEncoder(f)
	if err != nil {
		return nil, j.fail(StateEncoding, err)
	}

	artifact, err := encoder.Encode(container)
	c.metrics.StageObserved(StateEncoding.String(), time.Since(stageStart))
	if err != nil {
		return nil, j.fail(StateEncoding, err)
	}

	j.transition(StateComplete, nil)

	return &Result{
		Job:      j.Job,
		Artifact: artifact,
		WAVBytes: audio.WAVHeaderSize + container.DataLength,
		Level:    summary,
		Duration: decoded.Duration(),
	}, nil
}

// summarize measures the serialized PCM; a meter failure only costs the summary
func (c *Converter) summarize(j *job, container *audio.WAVContainer) *level.Summary {
	meter, err := level.NewMeter(c.meter, container.SampleRate)
	if err == nil {
		var summary *level.Summary
		summary, err = meter.Analyze(container.Samples(), container.NumChannels)
		if err == nil {
			return summary
		}
	}

	c.logger.Warn("Level analysis skipped",
		slog.String("job_id", j.ID),
		slog.String("error", err.Error()),
	)
	return nil
}

// Outcome pairs the result or error of one job in ConvertAll
type Outcome struct {
	Result *Result
	Err    error
}

// ConvertAll runs independent jobs concurrently, at most maxConcurrent at a time.
// Outcomes are returned in input order.
func (c *Converter) ConvertAll(ctx context.Context, inputs []Input, f audio.Format, maxConcurrent int) []Outcome {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	outcomes := make([]Outcome, len(inputs))
	semaphore := make(chan struct{}, maxConcurrent)

	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			result, err := c.Convert(ctx, in, f)
			outcomes[i] = Outcome{Result: result, Err: err}
		}()
	}
	wg.Wait()

	return outcomes
}
