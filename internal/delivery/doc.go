// Package delivery runs a captured or submitted blob through conversion and
// hands the outcome to an uploader, falling back to the raw blob when
// conversion fails and the fallback is enabled.
package delivery
