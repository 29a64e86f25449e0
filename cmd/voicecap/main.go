package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/capture/portaudio"
	"github.com/skypro1111/voice-capture-service/internal/config"
	"github.com/skypro1111/voice-capture-service/internal/delivery"
	"github.com/skypro1111/voice-capture-service/internal/logging"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/mp3"
	"github.com/skypro1111/voice-capture-service/internal/pipeline"
	"github.com/skypro1111/voice-capture-service/internal/recorder"
	"github.com/skypro1111/voice-capture-service/internal/upload"
)

const (
	serviceName    = "voice-capture-service"
	serviceVersion = "1.0.0"
)

// Globals are the flags shared by every command
type Globals struct {
	Config   string `short:"c" help:"Path to a YAML or TOML configuration file. Defaults are used when empty." type:"path"`
	LogLevel string `help:"Override the configured log level (debug, info, warn, error)."`
}

// CLI is the command tree
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the HTTP recording and conversion API."`
	Record  RecordCmd  `cmd:"" help:"Record one session from the configured capture source and deliver it."`
	Convert ConvertCmd `cmd:"" help:"Convert audio files to MP3."`
	Watch   WatchCmd   `cmd:"" help:"Convert and deliver every audio file dropped into the inbox."`
	Version VersionCmd `cmd:"" help:"Print the version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("voicecap"),
		kong.Description("Records speech, converts it to MP3 and delivers it to storage."),
		kong.UsageOnError(),
	)

	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

// app holds the components every command builds on
type app struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	logCloser  io.Closer
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	library    *mp3.Library
	converter  *pipeline.Converter
	uploader   upload.Uploader
	client     *upload.Client // set in http upload mode
	processor  *delivery.Processor
}

// open loads configuration and wires the conversion and delivery stack.
// The encoder starts loading in the background under ctx.
func (g *Globals) open(ctx context.Context) (*app, error) {
	cfg, err := config.LoadOrDefault(g.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a := &app{
		config:     cfg,
		configPath: g.Config,
		logger:     logger,
		logCloser:  closer,
	}

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", g.Config),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Int("bitrate_kbps", cfg.Audio.BitRateKbps),
		slog.String("capture_source", cfg.Capture.Source),
		slog.Int("min_seconds", cfg.Recorder.MinSeconds),
		slog.Int("max_seconds", cfg.Recorder.MaxSeconds),
		slog.String("upload_mode", cfg.Upload.Mode),
		slog.Bool("fallback_raw", cfg.Upload.FallbackRaw),
		slog.String("log_level", cfg.Logging.Level),
	)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.registry)

	a.library = mp3.Load(ctx, mp3.LoadShine, logger)

	a.converter = pipeline.NewConverter(
		audio.NewDecoder(logger),
		a.library,
		logger,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLevelConfig(cfg.Level.Meter()),
	)

	if err := a.openUploader(); err != nil {
		a.close()
		return nil, err
	}

	a.processor = delivery.NewProcessor(a.converter, a.uploader, delivery.Config{
		Format:        cfg.Audio.Format(),
		FallbackRaw:   cfg.Upload.FallbackRaw,
		UploadTimeout: cfg.Upload.GetTimeoutDuration(),
	}, logger)

	return a, nil
}

func (a *app) openUploader() error {
	cfg := a.config.Upload

	switch cfg.Mode {
	case config.UploadNone:
		a.uploader = upload.Discard{}
	case config.UploadDir:
		dir, err := upload.NewDir(cfg.Dir, a.logger, a.metrics)
		if err != nil {
			return fmt.Errorf("failed to create upload directory: %w", err)
		}
		a.uploader = dir
	case config.UploadHTTP:
		client, err := upload.NewClient(upload.ClientConfig{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: cfg.MaxConcurrent,
			UserAgent:     serviceName + "/" + serviceVersion,
		}, a.logger, a.metrics)
		if err != nil {
			return fmt.Errorf("failed to create upload client: %w", err)
		}
		a.client = client
		a.uploader = client
	default:
		return fmt.Errorf("unknown upload mode %q", cfg.Mode)
	}

	a.logger.Info("Uploader initialized", slog.String("mode", cfg.Mode))
	return nil
}

// newRecorder builds a recorder on the configured capture source
func (a *app) newRecorder() (*recorder.Recorder, error) {
	var open capture.SourceOpener

	switch a.config.Capture.Source {
	case config.SourcePortAudio:
		open = portaudio.Open
	case config.SourceSignal:
		open = capture.SignalOpener(a.config.Capture.Signal())
	case config.SourceWAV:
		open = capture.WAVFileOpener(a.config.Capture.WAVPath)
	default:
		return nil, fmt.Errorf("unknown capture source %q", a.config.Capture.Source)
	}

	mic := capture.NewExclusive(capture.NewOpusMicrophone(open, a.logger))
	rec := recorder.New(mic, a.config.RecorderSettings(), a.logger, recorder.WithMetrics(a.metrics))

	a.logger.Info("Recorder initialized",
		slog.String("source", a.config.Capture.Source),
		slog.Duration("timeslice", a.config.Capture.GetTimesliceDuration()),
	)

	return rec, nil
}

// awaitEncoder waits up to the configured load timeout for the MP3 gate.
// A failure is only logged; conversions then report the encoder as unavailable.
func (a *app) awaitEncoder(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, a.config.Conversion.GetEncoderLoadTimeoutDuration())
	defer cancel()

	if err := a.library.Wait(waitCtx); err != nil {
		a.logger.Warn("MP3 encoder not ready", slog.String("error", err.Error()))
	}
}

func (a *app) logStats() {
	stats := a.processor.GetStats()
	a.logger.Info("Final delivery statistics",
		slog.Uint64("total", stats.Total),
		slog.Uint64("converted", stats.Converted),
		slog.Uint64("conversion_failed", stats.ConversionFailed),
		slog.Uint64("fallback_uploads", stats.FallbackUploads),
		slog.Uint64("uploaded", stats.Uploaded),
		slog.Uint64("upload_failed", stats.UploadFailed),
	)

	if a.client != nil {
		cs := a.client.GetStats()
		a.logger.Info("Final upload client statistics",
			slog.Uint64("total_requests", cs.TotalRequests),
			slog.Uint64("success_requests", cs.SuccessRequests),
			slog.Uint64("failed_requests", cs.FailedRequests),
			slog.Uint64("total_retries", cs.TotalRetries),
			slog.Float64("success_rate", cs.SuccessRate),
		)
	}
}

func (a *app) close() {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("Failed to close upload client", slog.String("error", err.Error()))
		}
	}
	_ = a.logCloser.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
