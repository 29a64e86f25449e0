// Package level measures signal level and voice activity of PCM16 audio.
// It uses fixed analysis windows with an energy threshold and light smoothing,
// and summarizes a recording as voice percentage, peak and RMS level, plus
// the voiced segments.
package level
