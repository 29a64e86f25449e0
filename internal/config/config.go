package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/voice-capture-service/internal/audio"
	"github.com/skypro1111/voice-capture-service/internal/capture"
	"github.com/skypro1111/voice-capture-service/internal/level"
	"github.com/skypro1111/voice-capture-service/internal/mp3"
	"github.com/skypro1111/voice-capture-service/internal/recorder"
)

// Capture sources
const (
	SourcePortAudio = "portaudio"
	SourceSignal    = "signal"
	SourceWAV       = "wav"
)

// Upload modes
const (
	UploadNone = "none"
	UploadDir  = "dir"
	UploadHTTP = "http"
)

// Config represents the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http" toml:"http" json:"http"`
	Audio      AudioConfig      `yaml:"audio" toml:"audio" json:"audio"`
	Recorder   RecorderConfig   `yaml:"recorder" toml:"recorder" json:"recorder"`
	Capture    CaptureConfig    `yaml:"capture" toml:"capture" json:"capture"`
	Conversion ConversionConfig `yaml:"conversion" toml:"conversion" json:"conversion"`
	Upload     UploadConfig     `yaml:"upload" toml:"upload" json:"upload"`
	Watch      WatchConfig      `yaml:"watch" toml:"watch" json:"watch"`
	Level      LevelConfig      `yaml:"level" toml:"level" json:"level"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging" json:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port            int    `yaml:"port" toml:"port" json:"port"`
	Address         string `yaml:"address" toml:"address" json:"address"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
	MaxBodyBytes    int64  `yaml:"max_body_bytes" toml:"max_body_bytes" json:"max_body_bytes"`
}

// AudioConfig is the output format of conversion jobs
type AudioConfig struct {
	SampleRate  int `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	Channels    int `yaml:"channels" toml:"channels" json:"channels"`
	BitRateKbps int `yaml:"bit_rate_kbps" toml:"bit_rate_kbps" json:"bit_rate_kbps"`
}

// RecorderConfig contains the session duration window
type RecorderConfig struct {
	MinSeconds           int `yaml:"min_seconds" toml:"min_seconds" json:"min_seconds"`
	MaxSeconds           int `yaml:"max_seconds" toml:"max_seconds" json:"max_seconds"`
	WarnRemainingSeconds int `yaml:"warn_remaining_seconds" toml:"warn_remaining_seconds" json:"warn_remaining_seconds"`
	EventBuffer          int `yaml:"event_buffer" toml:"event_buffer" json:"event_buffer"`
}

// CaptureConfig selects and parameterizes the input source
type CaptureConfig struct {
	Source          string  `yaml:"source" toml:"source" json:"source"`
	SampleRate      int     `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	Channels        int     `yaml:"channels" toml:"channels" json:"channels"`
	TimesliceMs     int     `yaml:"timeslice_ms" toml:"timeslice_ms" json:"timeslice_ms"`
	WAVPath         string  `yaml:"wav_path" toml:"wav_path" json:"wav_path"`
	SignalFrequency float64 `yaml:"signal_frequency" toml:"signal_frequency" json:"signal_frequency"`
	SignalAmplitude float64 `yaml:"signal_amplitude" toml:"signal_amplitude" json:"signal_amplitude"`
}

// ConversionConfig contains orchestrator limits
type ConversionConfig struct {
	MaxConcurrent      int `yaml:"max_concurrent" toml:"max_concurrent" json:"max_concurrent"`
	EncoderLoadTimeout int `yaml:"encoder_load_timeout" toml:"encoder_load_timeout" json:"encoder_load_timeout"` // seconds
}

// UploadConfig contains the upload boundary configuration
type UploadConfig struct {
	Mode          string `yaml:"mode" toml:"mode" json:"mode"`
	Dir           string `yaml:"dir" toml:"dir" json:"dir"`
	Endpoint      string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	APIKey        string `yaml:"api_key" toml:"api_key" json:"-"`
	Timeout       int    `yaml:"timeout" toml:"timeout" json:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent" toml:"max_concurrent" json:"max_concurrent"`
	FallbackRaw   bool   `yaml:"fallback_raw" toml:"fallback_raw" json:"fallback_raw"`
}

// WatchConfig contains the inbox watcher configuration
type WatchConfig struct {
	Inbox        string   `yaml:"inbox" toml:"inbox" json:"inbox"`
	DoneDir      string   `yaml:"done_dir" toml:"done_dir" json:"done_dir"`
	DebounceMs   int      `yaml:"debounce_ms" toml:"debounce_ms" json:"debounce_ms"`
	Extensions   []string `yaml:"extensions" toml:"extensions" json:"extensions"`
	ScanExisting bool     `yaml:"scan_existing" toml:"scan_existing" json:"scan_existing"`
}

// LevelConfig contains level meter parameters
type LevelConfig struct {
	Threshold float32 `yaml:"threshold" toml:"threshold" json:"threshold"`
	WindowMs  int     `yaml:"window_ms" toml:"window_ms" json:"window_ms"`
	Smoothing float32 `yaml:"smoothing" toml:"smoothing" json:"smoothing"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
	Output string `yaml:"output" toml:"output" json:"output"`
}

// Default returns the configuration used for every value a file leaves unset
func Default() Config {
	rec := recorder.DefaultConfig()
	lvl := level.DefaultConfig()
	format := audio.DefaultFormat()

	return Config{
		HTTP: HTTPConfig{
			Port:            8080,
			Address:         "127.0.0.1",
			ShutdownTimeout: 10,
			MaxBodyBytes:    64 << 20,
		},
		Audio: AudioConfig{
			SampleRate:  format.SampleRate,
			Channels:    format.Channels,
			BitRateKbps: format.BitRateKbps,
		},
		Recorder: RecorderConfig{
			MinSeconds:           rec.MinSeconds,
			MaxSeconds:           rec.MaxSeconds,
			WarnRemainingSeconds: rec.WarnRemainingSeconds,
			EventBuffer:          rec.EventBuffer,
		},
		Capture: CaptureConfig{
			Source:          SourcePortAudio,
			SampleRate:      capture.OpusSampleRate,
			Channels:        1,
			TimesliceMs:     1000,
			SignalFrequency: 440,
			SignalAmplitude: 0.25,
		},
		Conversion: ConversionConfig{
			MaxConcurrent:      4,
			EncoderLoadTimeout: 30,
		},
		Upload: UploadConfig{
			Mode:          UploadDir,
			Dir:           "./recordings",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Watch: WatchConfig{
			Inbox:      "./inbox",
			DebounceMs: 500,
			Extensions: []string{".ogg", ".opus", ".wav", ".pcm", ".raw"},
		},
		Level: LevelConfig{
			Threshold: lvl.Threshold,
			WindowMs:  int(lvl.Window / time.Millisecond),
			Smoothing: lvl.Smoothing,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML. Unset values take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &config)
	} else {
		err = yaml.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.applyDefaults(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path, or returns the validated defaults when path is empty
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		config := Default()
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		return &config, nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() error {
	if err := mergo.Merge(c, Default()); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Conversion.Validate(); err != nil {
		return fmt.Errorf("conversion config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.Watch.Validate(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	if err := c.Level.Validate(); err != nil {
		return fmt.Errorf("level config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	if h.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", h.ShutdownTimeout)
	}

	if h.MaxBodyBytes < 1024 {
		return fmt.Errorf("max_body_bytes must be at least 1024, got %d", h.MaxBodyBytes)
	}

	return nil
}

// Validate validates the output format against what the MP3 encoder accepts
func (a *AudioConfig) Validate() error {
	return mp3.ValidateFormat(a.Format())
}

// Format returns the conversion output format
func (a *AudioConfig) Format() audio.Format {
	return audio.Format{
		SampleRate:  a.SampleRate,
		Channels:    a.Channels,
		BitRateKbps: a.BitRateKbps,
	}
}

// Validate validates the recorder duration window
func (r *RecorderConfig) Validate() error {
	if r.MinSeconds < 0 {
		return fmt.Errorf("min_seconds cannot be negative, got %d", r.MinSeconds)
	}

	if r.MaxSeconds <= r.MinSeconds {
		return fmt.Errorf("max_seconds (%d) must be greater than min_seconds (%d)", r.MaxSeconds, r.MinSeconds)
	}

	if r.WarnRemainingSeconds < 0 || r.WarnRemainingSeconds >= r.MaxSeconds {
		return fmt.Errorf("warn_remaining_seconds must be between 0 and max_seconds, got %d", r.WarnRemainingSeconds)
	}

	if r.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1, got %d", r.EventBuffer)
	}

	return nil
}

// RecorderSettings builds the recorder configuration including capture constraints
func (c *Config) RecorderSettings() recorder.Config {
	rc := recorder.DefaultConfig()
	rc.MinSeconds = c.Recorder.MinSeconds
	rc.MaxSeconds = c.Recorder.MaxSeconds
	rc.WarnRemainingSeconds = c.Recorder.WarnRemainingSeconds
	rc.EventBuffer = c.Recorder.EventBuffer
	rc.Constraints = c.Capture.Constraints()
	return rc
}

// Validate validates the capture source
func (c *CaptureConfig) Validate() error {
	switch c.Source {
	case SourcePortAudio, SourceSignal:
	case SourceWAV:
		if c.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty for the wav source")
		}
	default:
		return fmt.Errorf("source must be one of [portaudio, signal, wav], got '%s'", c.Source)
	}

	if c.SignalAmplitude < 0 || c.SignalAmplitude > 1 {
		return fmt.Errorf("signal_amplitude must be between 0 and 1, got %f", c.SignalAmplitude)
	}

	if c.SignalFrequency < 0 {
		return fmt.Errorf("signal_frequency cannot be negative, got %f", c.SignalFrequency)
	}

	return c.Constraints().Validate()
}

// Constraints returns the capture constraints for the recorder
func (c *CaptureConfig) Constraints() capture.Constraints {
	return capture.Constraints{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Timeslice:  c.GetTimesliceDuration(),
		AudioOnly:  true,
	}
}

// Signal returns the synthetic source parameters
func (c *CaptureConfig) Signal() capture.Signal {
	return capture.Signal{
		Frequency: c.SignalFrequency,
		Amplitude: c.SignalAmplitude,
		Realtime:  true,
	}
}

// Validate validates conversion limits
func (c *ConversionConfig) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}

	if c.EncoderLoadTimeout < 1 {
		return fmt.Errorf("encoder_load_timeout must be at least 1 second, got %d", c.EncoderLoadTimeout)
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	switch u.Mode {
	case UploadNone:
		return nil
	case UploadDir:
		if u.Dir == "" {
			return fmt.Errorf("dir cannot be empty for the dir upload mode")
		}
		return nil
	case UploadHTTP:
	default:
		return fmt.Errorf("mode must be one of [none, dir, http], got '%s'", u.Mode)
	}

	if u.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if u.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", u.Timeout)
	}

	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", u.MaxRetries)
	}

	if u.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", u.MaxConcurrent)
	}

	return nil
}

// Validate validates the inbox watcher configuration
func (w *WatchConfig) Validate() error {
	if w.Inbox == "" {
		return fmt.Errorf("inbox cannot be empty")
	}

	if w.DoneDir != "" && filepath.Clean(w.DoneDir) == filepath.Clean(w.Inbox) {
		return fmt.Errorf("done_dir must differ from inbox")
	}

	if w.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms cannot be negative, got %d", w.DebounceMs)
	}

	for _, ext := range w.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension %q must start with a dot", ext)
		}
	}

	return nil
}

// Validate validates level meter configuration
func (l *LevelConfig) Validate() error {
	_, err := level.NewMeter(l.Meter(), capture.OpusSampleRate)
	return err
}

// Meter returns the level meter configuration
func (l *LevelConfig) Meter() level.Config {
	return level.Config{
		Threshold: l.Threshold,
		Window:    time.Duration(l.WindowMs) * time.Millisecond,
		Smoothing: l.Smoothing,
	}
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// stdout, stderr or a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetShutdownTimeoutDuration returns the HTTP shutdown timeout as a time.Duration
func (h *HTTPConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(h.ShutdownTimeout) * time.Second
}

// GetTimesliceDuration returns the capture chunk length as a time.Duration
func (c *CaptureConfig) GetTimesliceDuration() time.Duration {
	return time.Duration(c.TimesliceMs) * time.Millisecond
}

// GetEncoderLoadTimeoutDuration returns the encoder load timeout as a time.Duration
func (c *ConversionConfig) GetEncoderLoadTimeoutDuration() time.Duration {
	return time.Duration(c.EncoderLoadTimeout) * time.Second
}

// GetTimeoutDuration returns the upload timeout as a time.Duration
func (u *UploadConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}

// GetDebounceDuration returns the watcher debounce as a time.Duration
func (w *WatchConfig) GetDebounceDuration() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}
