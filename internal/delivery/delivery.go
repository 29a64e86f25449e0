package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/pipeline"
	"github.com/skypro1111/voice-capture-service/internal/upload"
)

// ErrUpload wraps failures of the upload step
var ErrUpload = errors.New("delivery: upload failed")

// Config controls a Processor
type Config struct {
	Format        audio.Format
	FallbackRaw   bool
	UploadTimeout time.Duration
}

// Report is the outcome of one delivery
type Report struct {
	SessionID string           `json:"session_id,omitempty"`
	Source    string           `json:"source,omitempty"`
	Job       *pipeline.Job    `json:"job,omitempty"`
	Result    *pipeline.Result `json:"-"`
	Receipt   *upload.Receipt  `json:"receipt,omitempty"`
	Fallback  bool             `json:"fallback"`
	Error     string           `json:"error,omitempty"`
	Retryable bool             `json:"retryable"`
	ElapsedMs int64            `json:"elapsed_ms"`
}

// Stats counts deliveries
type Stats struct {
	Total            uint64 `json:"total"`
	Converted        uint64 `json:"converted"`
	ConversionFailed uint64 `json:"conversion_failed"`
	FallbackUploads  uint64 `json:"fallback_uploads"`
	Uploaded         uint64 `json:"uploaded"`
	UploadFailed     uint64 `json:"upload_failed"`
}

// Processor converts inputs and uploads the results
type Processor struct {
	converter *pipeline.Converter
	uploader  upload.Uploader
	config    Config
	logger    *slog.Logger

	stats Stats
	mu    sync.Mutex
}

// NewProcessor creates a processor
func NewProcessor(converter *pipeline.Converter, uploader upload.Uploader, config Config, logger *slog.Logger) *Processor {
	if uploader == nil {
		uploader = upload.Discard{}
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 2 * time.Minute
	}

	return &Processor{
		converter: converter,
		uploader:  uploader,
		config:    config,
		logger:    logger,
	}
}

// Format returns the output format used for conversions
func (p *Processor) Format() audio.Format {
	return p.config.Format
}

// Process converts in and uploads the MP3. When conversion fails the raw
// input is uploaded instead if the fallback is enabled; the conversion error
// is still returned. The report is always non-nil.
func (p *Processor) Process(ctx context.Context, in pipeline.Input, source string) (*Report, error) {
	startTime := time.Now()
	report := &Report{SessionID: in.SessionID, Source: source}
	defer func() {
		report.ElapsedMs = time.Since(startTime).Milliseconds()
	}()

	p.count(func(s *Stats) { s.Total++ })

	result, convErr := p.converter.Convert(ctx, in, p.config.Format)
	if convErr != nil {
		p.count(func(s *Stats) { s.ConversionFailed++ })
		report.Error = convErr.Error()
		report.Retryable = pipeline.Retryable(convErr)

		var cerr *pipeline.ConversionError
		if errors.As(convErr, &cerr) {
			report.Job = &pipeline.Job{ID: cerr.JobID, SessionID: in.SessionID, State: pipeline.StateFailed, Error: convErr.Error()}
		}

		if !p.config.FallbackRaw || len(in.Data) == 0 {
			return report, convErr
		}

		item := upload.NewItem(in.Data, in.MimeType)
		item.SessionID = in.SessionID
		item.Fallback = true
		item.Source = source
		if report.Job != nil {
			item.JobID = report.Job.ID
		}

		receipt, err := p.upload(ctx, item)
		if err != nil {
			return report, errors.Join(convErr, err)
		}

		p.count(func(s *Stats) { s.FallbackUploads++ })
		report.Receipt = receipt
		report.Fallback = true

		p.logger.Warn("Uploaded unconverted recording",
			slog.String("session_id", in.SessionID),
			slog.String("location", receipt.Location),
			slog.String("error", convErr.Error()),
		)
		return report, convErr
	}

	p.count(func(s *Stats) { s.Converted++ })
	report.Result = result
	job := result.Job
	report.Job = &job

	item := upload.NewItem(result.Artifact.Bytes(), result.Artifact.MimeType())
	item.SessionID = in.SessionID
	item.JobID = job.ID
	item.Duration = result.Duration
	item.Source = source

	receipt, err := p.upload(ctx, item)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	report.Receipt = receipt

	return report, nil
}

func (p *Processor) upload(ctx context.Context, item upload.Item) (*upload.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.UploadTimeout)
	defer cancel()

	receipt, err := p.uploader.Upload(ctx, item)
	if err != nil {
		p.count(func(s *Stats) { s.UploadFailed++ })
		p.logger.Error("Upload failed",
			slog.String("id", item.ID),
			slog.String("session_id", item.SessionID),
			slog.Bool("fallback", item.Fallback),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	p.count(func(s *Stats) { s.Uploaded++ })
	p.logger.Info("Artifact uploaded",
		slog.String("id", receipt.ID),
		slog.String("session_id", item.SessionID),
		slog.String("location", receipt.Location),
		slog.Int("bytes", receipt.Bytes),
		slog.Int("attempts", receipt.Attempts),
	)
	return receipt, nil
}

func (p *Processor) count(f func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.stats)
}

// GetStats returns the delivery counters
func (p *Processor) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
