package pipeline

import (
	"errors"
	"fmt"

	"github.com/skypro1111/voice-capture-service/internal/mp3"
)

// ErrConversionFailed matches every *ConversionError
var ErrConversionFailed = errors.New("pipeline: conversion failed")

// ConversionError reports the stage that failed and its cause
type ConversionError struct {
	JobID string
	Stage State
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed at %s: %v", e.Stage, e.Err)
}

// Unwrap exposes both ErrConversionFailed and the cause to errors.Is
func (e *ConversionError) Unwrap() []error {
	return []error{ErrConversionFailed, e.Err}
}

// Retryable reports whether err is locally recoverable. Only an encoder that
// was not ready yet qualifies; the caller may retry once the gate resolves.
func Retryable(err error) bool {
	return errors.Is(err, mp3.ErrEncoderUnavailable)
}
