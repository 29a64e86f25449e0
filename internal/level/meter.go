package level

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// silenceDBFS is reported for digital silence
const silenceDBFS = -96.0

// Config holds meter parameters
type Config struct {
	Threshold float32       `yaml:"threshold" toml:"threshold" json:"threshold"` // normalized energy 0..1
	Window    time.Duration `yaml:"-" toml:"-" json:"window"`
	Smoothing float32       `yaml:"smoothing" toml:"smoothing" json:"smoothing"`
}

// DefaultConfig returns a 30 ms window, 0.02 threshold and light smoothing
func DefaultConfig() Config {
	return Config{
		Threshold: 0.02,
		Window:    30 * time.Millisecond,
		Smoothing: 0.3,
	}
}

// Meter is an energy-based voice activity meter
type Meter struct {
	threshold  float32
	smoothing  float32
	windowSize int // samples per window
	sampleRate int

	lastLevel    float32
	totalWindows uint64
	voiceWindows uint64

	mu sync.Mutex
}

// Result is the outcome of one analysis window
type Result struct {
	Level       float32 `json:"level"` // smoothed normalized RMS, 0..1
	HasVoice    bool    `json:"has_voice"`
	WindowIndex int     `json:"window_index"`
}

// Segment is a continuous run of voiced windows
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Summary describes a whole recording
type Summary struct {
	Windows         int       `json:"windows"`
	VoiceWindows    int       `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	PeakDBFS        float64   `json:"peak_dbfs"`
	RMSDBFS         float64   `json:"rms_dbfs"`
	Segments        []Segment `json:"segments,omitempty"`
}

// Stats are cumulative meter statistics
type Stats struct {
	TotalWindows    uint64  `json:"total_windows"`
	VoiceWindows    uint64  `json:"voice_windows"`
	VoicePercentage float64 `json:"voice_percentage"`
	Threshold       float32 `json:"threshold"`
}

// NewMeter creates a meter for mono audio at sampleRate
func NewMeter(config Config, sampleRate int) (*Meter, error) {
	if config.Threshold < 0 || config.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", config.Threshold)
	}

	if config.Smoothing < 0 || config.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be between 0 and 1, got %f", config.Smoothing)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	windowSize := int(config.Window.Seconds() * float64(sampleRate))
	if windowSize <= 0 {
		return nil, fmt.Errorf("window must cover at least one sample, got %s", config.Window)
	}

	return &Meter{
		threshold:  config.Threshold,
		smoothing:  config.Smoothing,
		windowSize: windowSize,
		sampleRate: sampleRate,
	}, nil
}

// WindowSize returns the window size in samples
func (m *Meter) WindowSize() int {
	return m.windowSize
}

// Process measures one window of exactly WindowSize samples
func (m *Meter) Process(samples []int16) (*Result, error) {
	if len(samples) != m.windowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", m.windowSize, len(samples))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	level := float32(rms(samples) / math.MaxInt16)
	if level > 1 {
		level = 1
	}

	// Exponential smoothing against the previous window
	if m.totalWindows > 0 {
		level = (1-m.smoothing)*level + m.smoothing*m.lastLevel
	}
	m.lastLevel = level

	hasVoice := level >= m.threshold

	m.totalWindows++
	if hasVoice {
		m.voiceWindows++
	}

	return &Result{
		Level:       level,
		HasVoice:    hasVoice,
		WindowIndex: int(m.totalWindows - 1),
	}, nil
}

// Analyze measures every whole window of interleaved samples, downmixed to mono.
// A trailing partial window only contributes to the peak and RMS levels.
func (m *Meter) Analyze(samples []int16, channels int) (*Summary, error) {
	if channels < 1 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}

	mono := downmix(samples, channels)
	summary := &Summary{
		PeakDBFS: toDBFS(peak(mono)),
		RMSDBFS:  toDBFS(rms(mono)),
	}

	windowDuration := time.Duration(m.windowSize) * time.Second / time.Duration(m.sampleRate)
	var current *Segment

	for i := 0; i+m.windowSize <= len(mono); i += m.windowSize {
		result, err := m.Process(mono[i : i+m.windowSize])
		if err != nil {
			return nil, fmt.Errorf("failed to process window %d: %w", summary.Windows, err)
		}

		offset := time.Duration(summary.Windows) * windowDuration
		summary.Windows++

		if result.HasVoice {
			summary.VoiceWindows++
			if current == nil {
				current = &Segment{Start: offset}
			}
			current.End = offset + windowDuration
		} else if current != nil {
			summary.Segments = append(summary.Segments, *current)
			current = nil
		}
	}

	if current != nil {
		summary.Segments = append(summary.Segments, *current)
	}

	if summary.Windows > 0 {
		summary.VoicePercentage = float64(summary.VoiceWindows) / float64(summary.Windows) * 100
	}

	return summary, nil
}

// Stats returns cumulative statistics
func (m *Meter) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	voicePercentage := float64(0)
	if m.totalWindows > 0 {
		voicePercentage = float64(m.voiceWindows) / float64(m.totalWindows) * 100
	}

	return Stats{
		TotalWindows:    m.totalWindows,
		VoiceWindows:    m.voiceWindows,
		VoicePercentage: voicePercentage,
		Threshold:       m.threshold,
	}
}

// Reset clears the smoothing state and statistics
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalWindows = 0
	m.voiceWindows = 0
	m.lastLevel = 0
}

func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return samples
	}

	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

func peak(samples []int16) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(float64(s)))
	}
	return p
}

func toDBFS(v float64) float64 {
	if v <= 0 {
		return silenceDBFS
	}
	return math.Max(20*math.Log10(v/math.MaxInt16), silenceDBFS)
}
