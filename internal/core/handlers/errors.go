package handlers

import (
	"fmt"

	core "github.com/rob634/rmhgeoapi/internal/domain/core"
)

// invalidInputError lets a handler classify a malformed-parameters failure
// as INVALID_INPUT (never retryable) instead of the PERMANENT default
// core.Classify would otherwise assign a plain error.
type invalidInputError struct{ msg string }

func newInvalidInput(format string, args ...any) error {
	return &invalidInputError{msg: fmt.Sprintf(format, args...)}
}

func (e *invalidInputError) Error() string { return e.msg }

func (e *invalidInputError) ErrorKind() core.ErrorKind { return core.KindInvalidInput }

var _ core.HandlerError = (*invalidInputError)(nil)

// transientError marks a failure the CoreMachine should retry (e.g. a
// downstream storage call that timed out).
type transientError struct{ msg string }

func newTransient(format string, args ...any) error {
	return &transientError{msg: fmt.Sprintf(format, args...)}
}

func (e *transientError) Error() string { return e.msg }

func (e *transientError) ErrorKind() core.ErrorKind { return core.KindTransient }

var _ core.HandlerError = (*transientError)(nil)
