package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/skypro1111/voice-capture-service/internal/pipeline"
	"github.com/skypro1111/voice-capture-service/internal/recorder"
	"github.com/skypro1111/voice-capture-service/internal/server"
	"github.com/skypro1111/voice-capture-service/internal/upload"
	"github.com/skypro1111/voice-capture-service/internal/watch"
)

// ServeCmd runs the HTTP API, optionally with the inbox watcher alongside
type ServeCmd struct {
	Watch bool `help:"Also watch the configured inbox directory."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.newRecorder()
	if err != nil {
		return err
	}

	httpServer := server.NewHTTPServer(server.Dependencies{
		Config:    a.config,
		Recorder:  rec,
		Converter: a.converter,
		Processor: a.processor,
		Library:   a.library,
		Uploader:  a.uploader,
		Metrics:   a.metrics,
		Gatherer:  a.registry,
	}, a.logger)

	var inbox *watch.Inbox
	if c.Watch {
		if inbox, err = a.newInbox(); err != nil {
			return err
		}
	}

	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	inboxDone := make(chan error, 1)
	if inbox != nil {
		go func() { inboxDone <- inbox.Run(ctx) }()
	} else {
		close(inboxDone)
	}

	a.logger.Info("Service started successfully",
		slog.String("http_address", httpServer.Addr()),
		slog.Bool("watching_inbox", c.Watch),
	)

	<-ctx.Done()
	a.logger.Info("Received shutdown signal")

	// Abandon an active session so the microphone is released
	if rec.State() == recorder.StateRecording {
		rec.Reset()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.HTTP.GetShutdownTimeoutDuration())
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		a.logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := <-inboxDone; err != nil {
		a.logger.Error("Inbox watcher failed", slog.String("error", err.Error()))
	}

	a.logStats()
	a.logger.Info("Service stopped")
	return nil
}

// RecordCmd records one session and delivers it
type RecordCmd struct {
	Duration time.Duration `short:"d" help:"Stop after this long. Zero records until interrupted or the maximum duration is reached."`
	Output   string        `short:"o" help:"Write the MP3 to this file instead of uploading it." type:"path"`
}

func (c *RecordCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.newRecorder()
	if err != nil {
		return err
	}

	sessionID, err := rec.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	blob, err := c.await(ctx, rec, sessionID, a.logger)
	if err != nil {
		return err
	}

	// Deliver what was captured even after an interrupt
	deliverCtx := context.WithoutCancel(ctx)
	a.awaitEncoder(deliverCtx)

	data, err := blob.Bytes()
	if err != nil {
		return err
	}
	in := pipeline.Input{SessionID: blob.SessionID(), Data: data, MimeType: blob.MimeType()}

	if c.Output != "" {
		return a.writeRecording(deliverCtx, in, c.Output)
	}

	report, err := a.processor.Process(deliverCtx, in, "recording")
	if err != nil {
		return err
	}

	location := ""
	if report.Receipt != nil {
		location = report.Receipt.Location
	}
	a.logger.Info("Recording delivered",
		slog.String("session_id", report.SessionID),
		slog.String("location", location),
		slog.Int64("elapsed_ms", report.ElapsedMs),
	)
	a.logStats()
	return nil
}

// await blocks until the session ends on its own, the duration elapses or
// ctx is cancelled, and returns the session blob
func (c *RecordCmd) await(ctx context.Context, rec *recorder.Recorder, sessionID string, logger *slog.Logger) (*recorder.Blob, error) {
	var timeout <-chan time.Time
	if c.Duration > 0 {
		timer := time.NewTimer(c.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted, stopping recording")
			return stopRecording(rec)

		case <-timeout:
			return stopRecording(rec)

		case event := <-rec.Events():
			if event.SessionID != sessionID {
				continue
			}

			switch event.Type {
			case recorder.EventWarning:
				logger.Warn("Recording approaching maximum duration",
					slog.Int("remaining_seconds", event.RemainingSeconds),
				)
			case recorder.EventMaxDuration, recorder.EventStopped:
				if event.Blob != nil {
					return event.Blob, nil
				}
				return stopRecording(rec)
			case recorder.EventError:
				if event.Blob != nil {
					logger.Warn("Capture failed, delivering partial recording", slog.Any("error", event.Err))
					return event.Blob, nil
				}
				return nil, fmt.Errorf("recording failed: %w", event.Err)
			}
		}
	}
}

// stopRecording stops the session, falling back to the blob of a session
// that had already ended
func stopRecording(rec *recorder.Recorder) (*recorder.Blob, error) {
	blob, err := rec.Stop()
	if errors.Is(err, recorder.ErrNotRecording) {
		if blob = rec.Blob(); blob != nil {
			return blob, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}
	return blob, nil
}

// ConvertCmd converts files in one batch
type ConvertCmd struct {
	Files  []string `arg:"" type:"existingfile" help:"Audio files to convert."`
	Mime   string   `help:"Declared MIME type for every input. Sniffed from content when empty."`
	OutDir string   `help:"Write MP3 files here instead of uploading them." type:"path"`
}

func (c *ConvertCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.awaitEncoder(ctx)

	inputs := make([]pipeline.Input, 0, len(c.Files))
	for _, path := range c.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		mimeType := c.Mime
		if mimeType == "" {
			mimeType = mimetype.Detect(data).String()
		}

		inputs = append(inputs, pipeline.Input{
			SessionID: sessionName(path),
			Data:      data,
			MimeType:  mimeType,
		})
	}

	failed := 0

	if c.OutDir != "" {
		if err := os.MkdirAll(c.OutDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		outcomes := a.converter.ConvertAll(ctx, inputs, a.config.Audio.Format(), a.config.Conversion.MaxConcurrent)
		for i, outcome := range outcomes {
			if outcome.Err != nil {
				failed++
				continue
			}
			out := filepath.Join(c.OutDir, sessionName(c.Files[i])+".mp3")
			if err := writeArtifact(out, outcome.Result); err != nil {
				a.logger.Error("Failed to write MP3", slog.String("path", out), slog.String("error", err.Error()))
				failed++
				continue
			}
			a.logger.Info("Converted", slog.String("input", c.Files[i]), slog.String("output", out))
		}
	} else {
		for i, in := range inputs {
			if _, err := a.processor.Process(ctx, in, "file"); err != nil {
				a.logger.Error("Delivery failed", slog.String("input", c.Files[i]), slog.String("error", err.Error()))
				failed++
			}
		}
		a.logStats()
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(c.Files))
	}
	return nil
}

// WatchCmd runs the inbox watcher
type WatchCmd struct {
	Inbox string `help:"Override the configured inbox directory." type:"path"`
}

func (c *WatchCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if c.Inbox != "" {
		a.config.Watch.Inbox = c.Inbox
	}

	inbox, err := a.newInbox()
	if err != nil {
		return err
	}

	err = inbox.Run(ctx)
	a.logStats()
	return err
}

// VersionCmd prints the version
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("%s %s\n", serviceName, serviceVersion)
	return nil
}

func (a *app) newInbox() (*watch.Inbox, error) {
	cfg := a.config
	inbox, err := watch.NewInbox(watch.Config{
		Dir:           cfg.Watch.Inbox,
		DoneDir:       cfg.Watch.DoneDir,
		Debounce:      cfg.Watch.GetDebounceDuration(),
		Extensions:    cfg.Watch.Extensions,
		MaxConcurrent: cfg.Conversion.MaxConcurrent,
		ScanExisting:  cfg.Watch.ScanExisting,
		PCMMimeType:   fmt.Sprintf("audio/pcm; rate=%d; channels=%d", cfg.Capture.SampleRate, cfg.Capture.Channels),
	}, a.processor, a.logger, watch.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	return inbox, nil
}

// writeRecording converts in and writes the MP3 to output. When conversion
// fails the captured bytes are written next to output, with an extension
// matching their type, and the conversion error is returned.
func (a *app) writeRecording(ctx context.Context, in pipeline.Input, output string) error {
	result, err := a.converter.Convert(ctx, in, a.config.Audio.Format())
	if err != nil {
		rawPath := rawOutputPath(output, in)
		if werr := os.WriteFile(rawPath, in.Data, 0644); werr != nil {
			return errors.Join(err, fmt.Errorf("failed to keep raw recording: %w", werr))
		}
		a.logger.Warn("Conversion failed, raw recording kept",
			slog.String("path", rawPath),
			slog.String("mime_type", in.MimeType),
			slog.Int("bytes", len(in.Data)),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := writeArtifact(output, result); err != nil {
		return err
	}

	a.logger.Info("Recording written",
		slog.String("path", output),
		slog.Int("mp3_bytes", result.Artifact.Len()),
		slog.Duration("duration", result.Duration),
	)
	return nil
}

// rawOutputPath replaces the extension of output with one for the raw input type
func rawOutputPath(output string, in pipeline.Input) string {
	ext := upload.Extension(upload.Item{Data: in.Data, MimeType: in.MimeType})
	base := strings.TrimSuffix(output, filepath.Ext(output))
	if base+ext == output {
		return output + ".raw"
	}
	return base + ext
}

// writeArtifact writes the MP3 of result to path
func writeArtifact(path string, result *pipeline.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := result.Artifact.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func sessionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
