// Package audio handles decoding, PCM handling and WAV serialization.
// It turns captured container bytes (Ogg/Opus, WAV, raw PCM) into planar float PCM
// through a scoped decoding context, and quantizes PCM into the canonical
// 16-bit WAV container consumed by the MP3 encoder.
package audio
