// Package capture abstracts microphone access. A Microphone hands out one
// Stream per acquisition; the stream yields encoded Ogg/Opus chunks, one per
// configured timeslice, that concatenate into a single valid Ogg stream.
package capture
