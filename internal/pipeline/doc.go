// Package pipeline runs conversion jobs: decode, WAV serialization and MP3
// encoding, strictly in that order. Each job owns its encoder; independent jobs
// may run concurrently.
package pipeline
