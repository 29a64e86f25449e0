package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/thesyncim/gopus"
	"github.com/thesyncim/gopus/container/ogg"
)

const (
	// OpusSampleRate is the rate Opus always decodes at
	OpusSampleRate = 48000
	// maxOpusPacketFrames is the largest packet duration (120 ms at 48 kHz)
	maxOpusPacketFrames = 5760
)

// decodeOggOpus decodes a mono or stereo Ogg Opus stream at 48 kHz and drops the pre-skip
func decodeOggOpus(data []byte) (*DecodedAudio, error) {
	reader, err := ogg.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse Ogg Opus headers: %v", ErrUnsupportedFormat, err)
	}

	channels := int(reader.Channels())
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: Ogg Opus with %d channels", ErrUnsupportedFormat, channels)
	}

	decoder, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Opus decoder: %v", ErrUnsupportedFormat, err)
	}

	pcm := make([]float32, maxOpusPacketFrames*channels)
	planar := makePlanar(channels, 0)

	for {
		packet, _, err := reader.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read Ogg page: %v", ErrUnsupportedFormat, err)
		}

		if len(packet) == 0 {
			continue
		}

		n, err := decoder.Decode(packet, pcm)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode Opus packet: %v", ErrUnsupportedFormat, err)
		}

		for i := 0; i < n; i++ {
			for ch := 0; ch < channels; ch++ {
				planar[ch] = append(planar[ch], pcm[i*channels+ch])
			}
		}
	}

	skip := int(reader.PreSkip())
	for ch := range planar {
		if skip >= len(planar[ch]) {
			planar[ch] = planar[ch][:0]
		} else {
			planar[ch] = planar[ch][skip:]
		}
	}

	return NewDecodedAudio(planar, OpusSampleRate)
}
