// Package watch turns a directory into an inbox: audio files dropped into it
// are converted and uploaded as independent jobs.
package watch
