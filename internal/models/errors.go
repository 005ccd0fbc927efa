package models

import (
	"errors"
	"fmt"
)

// ValidationError reports invalid arguments passed to a public operation.
// It is the only error kind the engine returns across its boundary.
type ValidationError struct {
	message string
}

// NewValidationError creates a new validation error
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		message: fmt.Sprintf(format, args...),
	}
}

func (e *ValidationError) Error() string {
	return e.message
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrorKind classifies failures inside the engine.
type ErrorKind string

const (
	// KindNotFound: referenced job run, stream or context is absent.
	KindNotFound ErrorKind = "not_found"
	// KindAmbiguous: scoring produced a near-tie.
	KindAmbiguous ErrorKind = "ambiguous"
	// KindIncompatible: lineage fragments come from incompatible contexts.
	KindIncompatible ErrorKind = "incompatible"
	// KindMalformed: a raw lineage event could not be interpreted.
	KindMalformed ErrorKind = "malformed"
	// KindUnavailable: a collaborator failed or timed out.
	KindUnavailable ErrorKind = "unavailable"
)

// Sentinels for errors.Is checks against EngineError.
var (
	ErrNotFound     = &EngineError{Kind: KindNotFound}
	ErrAmbiguous    = &EngineError{Kind: KindAmbiguous}
	ErrIncompatible = &EngineError{Kind: KindIncompatible}
	ErrMalformed    = &EngineError{Kind: KindMalformed}
	ErrUnavailable  = &EngineError{Kind: KindUnavailable}
)

// EngineError is a classified internal failure. Public operations convert
// these into tagged results; they do not escape to callers.
type EngineError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewEngineError builds an EngineError for op.
func NewEngineError(kind ErrorKind, op string, err error, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func (e *EngineError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on Kind so wrapped errors compare equal to the sentinels.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the ErrorKind carried by err, or "" when err is not an EngineError.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
