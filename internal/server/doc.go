// Package server implements the HTTP API: recording control, one-shot
// conversion of uploaded audio, health and configuration reporting, and the
// Prometheus metrics endpoint. It delivers recordings that hit the duration
// cap without waiting for a stop request.
package server
