// Package recorder implements the recording state machine.
// A Recorder moves between Idle, Recording, Stopped and Error, holds the
// microphone only while Recording, accumulates one encoded chunk per timeslice
// and enforces a minimum and maximum session duration. Transitions are
// reported on an event channel.
package recorder
