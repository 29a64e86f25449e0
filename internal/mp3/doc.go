// Package mp3 encodes 16-bit WAV PCM into MPEG Layer III frames.
// PCM is fed to a backend in fixed 1152-sample blocks and the resulting frames
// are collected in order into an immutable Artifact. Backends become available
// through a Library whose Ready channel resolves once initialization finishes.
package mp3
