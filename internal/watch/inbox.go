package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skypro1111/voice-capture-service/internal/delivery"
	"github.com/skypro1111/voice-capture-service/internal/metrics"
	"github.com/skypro1111/voice-capture-service/internal/pipeline"
)

// Config controls an Inbox
type Config struct {
	Dir           string
	DoneDir       string // successful files are moved here; removed when empty
	Debounce      time.Duration
	Extensions    []string
	MaxConcurrent int
	ScanExisting  bool
	PCMMimeType   string // declared type for .pcm and .raw files
}

// Result is reported for every processed file
type Result struct {
	Path   string
	Report *delivery.Report
	Err    error
}

// Inbox watches a directory and delivers every new audio file
type Inbox struct {
	config    Config
	watcher   *fsnotify.Watcher
	processor *delivery.Processor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onResult  func(Result)

	semaphore chan struct{}
	jobs      sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]*time.Timer
	inflight map[string]bool
	dirty    map[string]bool // changed while in flight
	closed   bool
}

// Option configures an Inbox
type Option func(*Inbox)

// WithMetrics records inbox metrics on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Inbox) {
		in.metrics = m
	}
}

// WithResultHook calls f after each file has been processed
func WithResultHook(f func(Result)) Option {
	return func(in *Inbox) {
		in.onResult = f
	}
}

// NewInbox creates the inbox directory if needed and starts watching it
func NewInbox(config Config, processor *delivery.Processor, logger *slog.Logger, opts ...Option) (*Inbox, error) {
	if config.Dir == "" {
		return nil, errors.New("inbox directory cannot be empty")
	}

	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}

	if config.PCMMimeType == "" {
		config.PCMMimeType = "audio/pcm; rate=48000; channels=1"
	}

	for _, dir := range []string{config.Dir, config.DoneDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := fsWatcher.Add(config.Dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", config.Dir, err)
	}

	in := &Inbox{
		config:    config,
		watcher:   fsWatcher,
		processor: processor,
		logger:    logger,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		pending:   make(map[string]*time.Timer),
		dirty:     make(map[string]bool),
		inflight:  make(map[string]bool),
	}

	for _, opt := range opts {
		opt(in)
	}

	return in, nil
}

// Run processes inbox events until ctx is cancelled, then waits for running jobs
func (in *Inbox) Run(ctx context.Context) error {
	in.logger.Info("Watching inbox",
		slog.String("dir", in.config.Dir),
		slog.String("done_dir", in.config.DoneDir),
		slog.Duration("debounce", in.config.Debounce),
		slog.Int("max_concurrent", in.config.MaxConcurrent),
	)

	if in.config.ScanExisting {
		if err := in.scan(ctx); err != nil {
			in.logger.Warn("Inbox scan failed", slog.String("error", err.Error()))
		}
	}

	defer in.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			in.handleEvent(ctx, event)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("Inbox watcher error", slog.String("error", err.Error()))
		}
	}
}

// scan schedules files already present in the inbox
func (in *Inbox) scan(ctx context.Context) error {
	entries, err := os.ReadDir(in.config.Dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(in.config.Dir, entry.Name())
		if in.accepts(path) {
			in.schedule(ctx, path)
		}
	}

	return nil
}

// handleEvent processes a file system event
func (in *Inbox) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !in.accepts(event.Name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		in.logger.Debug("Inbox file changed",
			slog.String("path", event.Name),
			slog.String("op", event.Op.String()),
		)
		in.schedule(ctx, event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		in.cancel(event.Name)
	}
}

// accepts reports whether path has a watched extension and is not hidden
func (in *Inbox) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}

	if len(in.config.Extensions) == 0 {
		return true
	}

	return slices.Contains(in.config.Extensions, strings.ToLower(filepath.Ext(base)))
}

// schedule processes path once it has not changed for the debounce interval
func (in *Inbox) schedule(ctx context.Context, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return
	}

	if timer := in.pending[path]; timer != nil {
		timer.Stop()
	}

	in.pending[path] = time.AfterFunc(in.config.Debounce, func() {
		in.mu.Lock()
		delete(in.pending, path)
		if in.closed {
			in.mu.Unlock()
			return
		}
		if in.inflight[path] {
			in.dirty[path] = true
			in.mu.Unlock()
			return
		}
		in.inflight[path] = true
		in.jobs.Add(1)
		in.mu.Unlock()

		go in.process(ctx, path)
	})
}

func (in *Inbox) cancel(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if timer := in.pending[path]; timer != nil {
		timer.Stop()
		delete(in.pending, path)
	}
}

// process delivers one file. Failed files stay in the inbox. A file that
// changed while it was being processed is kept and scheduled again.
func (in *Inbox) process(ctx context.Context, path string) {
	defer in.jobs.Done()
	defer func() {
		in.mu.Lock()
		delete(in.inflight, path)
		changed := in.dirty[path]
		delete(in.dirty, path)
		in.mu.Unlock()

		if changed {
			in.logger.Debug("Inbox file changed during processing", slog.String("path", path))
			in.schedule(ctx, path)
		}
	}()

	select {
	case in.semaphore <- struct{}{}:
		defer func() { <-in.semaphore }()
	case <-ctx.Done():
		return
	}

	result := Result{Path: path}
	defer func() {
		if in.onResult != nil {
			in.onResult(result)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			in.logger.Error("Failed to read inbox file", slog.String("path", path), slog.String("error", err.Error()))
		}
		result.Err = err
		in.metrics.InboxFileProcessed("failed")
		return
	}

	report, err := in.processor.Process(ctx, pipeline.Input{
		SessionID: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Data:      data,
		MimeType:  in.mimeTypeOf(path),
	}, "inbox")
	result.Report = report
	result.Err = err

	if err != nil {
		outcome := "failed"
		if report != nil && report.Fallback {
			outcome = "fallback"
		}
		in.metrics.InboxFileProcessed(outcome)
		in.logger.Error("Inbox file not converted",
			slog.String("path", path),
			slog.String("result", outcome),
			slog.String("error", err.Error()),
		)
		return
	}

	in.metrics.InboxFileProcessed("converted")

	// A pending timer means a write arrived after the file was read
	in.mu.Lock()
	changed := in.dirty[path] || in.pending[path] != nil
	in.mu.Unlock()
	if changed {
		return
	}

	if err := in.retire(path); err != nil {
		in.logger.Warn("Failed to retire inbox file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	in.logger.Info("Inbox file delivered",
		slog.String("path", path),
		slog.String("location", report.Receipt.Location),
	)
}

// retire moves a delivered file to the done directory, or removes it
func (in *Inbox) retire(path string) error {
	if in.config.DoneDir == "" {
		return os.Remove(path)
	}
	return os.Rename(path, filepath.Join(in.config.DoneDir, filepath.Base(path)))
}

// mimeTypeOf returns the declared type for path; unknown extensions are sniffed by the decoder
func (in *Inbox) mimeTypeOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".opus", ".oga":
		return "audio/ogg; codecs=opus"
	case ".wav":
		return "audio/wav"
	case ".pcm", ".raw":
		return in.config.PCMMimeType
	default:
		return ""
	}
}

func (in *Inbox) shutdown() {
	in.mu.Lock()
	in.closed = true
	for path, timer := range in.pending {
		timer.Stop()
		delete(in.pending, path)
	}
	in.mu.Unlock()

	in.jobs.Wait()

	if err := in.watcher.Close(); err != nil {
		in.logger.Warn("Failed to close inbox watcher", slog.String("error", err.Error()))
	}
}
