// Package upload delivers conversion artifacts past the service boundary.
// Dir stores them on disk next to a JSON sidecar; Client posts them as
// multipart form data with retry and bounded concurrency.
package upload
