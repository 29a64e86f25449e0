package audio

import (
	"fmt"

	"github.com/zeozeozeo/gomplerate"
)

// Resample converts every channel of decoded to targetRate. Channels are resampled
// independently through PCM16, which is the precision the serializer keeps anyway.
func Resample(decoded *DecodedAudio, targetRate int) (*DecodedAudio, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("target sample rate must be positive, got %d", targetRate)
	}

	if decoded.SampleRate == targetRate {
		return decoded, nil
	}

	out := make([][]float32, decoded.NumChannels())
	frames := -1

	for ch, samples := range decoded.Channels {
		resampler, err := gomplerate.NewResampler(1, decoded.SampleRate, targetRate)
		if err != nil {
			return nil, fmt.Errorf("failed to create resampler: %w", err)
		}

		pcm := make([]int16, len(samples))
		for i, v := range samples {
			pcm[i] = QuantizeSample(v)
		}

		resampled := resampler.ResampleInt16(pcm)
		converted := make([]float32, len(resampled))
		for i, v := range resampled {
			converted[i] = float32(v) / 32768
		}
		out[ch] = converted

		if frames < 0 || len(converted) < frames {
			frames = len(converted)
		}
	}

	// Resampler output lengths can differ by a sample at the tail; keep channels aligned
	for ch := range out {
		out[ch] = out[ch][:frames]
	}

	return NewDecodedAudio(out, targetRate)
}
