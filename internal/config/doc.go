// Package config loads and validates the voice capture service configuration.
// Files are YAML, or TOML when the name ends in .toml; values a file leaves
// unset are taken from Default.
package config
