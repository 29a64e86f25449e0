// Package logging builds the service's root slog.Logger. Text output is
// rendered by charmbracelet/log; JSON output uses the standard slog handler.
package logging
