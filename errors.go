package reckon

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("reckon: no store configured")
	ErrStoreClosed     = errors.New("reckon: store closed")
	ErrVersionConflict = errors.New("reckon: version conflict")

	// Not found errors.
	ErrJobNotFound            = errors.New("reckon: job not found")
	ErrReconciliationNotFound = errors.New("reckon: reconciliation not found")

	// Conflict errors.
	ErrJobAlreadyExists            = errors.New("reckon: job already exists")
	ErrReconciliationAlreadyExists = errors.New("reckon: reconciliation already exists")

	// Submission errors.
	ErrValidation = errors.New("reckon: validation failed")

	// State errors.
	ErrInvalidState    = errors.New("reckon: invalid state transition")
	ErrInvalidProgress = errors.New("reckon: invalid progress update")
	ErrLeaseLost       = errors.New("reckon: lease lost")
	ErrLeaseExpired    = errors.New("reckon: lease expired")
	ErrCancelled       = errors.New("reckon: job cancelled")
	ErrNoHandler       = errors.New("reckon: no handler registered")

	// Matching engine errors.
	ErrInvalidPeriod = errors.New("reckon: invalid period")
)

// ValidationError describes a rejected submission. It matches ErrValidation
// with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError returns a ValidationError for the given field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "reckon: validation failed: " + e.Message
	}
	return fmt.Sprintf("reckon: validation failed: %s: %s", e.Field, e.Message)
}

// Is reports ErrValidation as a match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Class is the retry classification of a handler error.
type Class int

const (
	// ClassFatal errors fail the job permanently.
	ClassFatal Class = iota
	// ClassTransient errors are retried with backoff until attempts run out.
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

type classifiedError struct {
	class Class
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable (network or store hiccups).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// Fatal marks err as permanent (handler logic errors, invalid input).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassFatal, err: err}
}

// Classify returns the retry class of err. Unmarked errors are fatal.
func Classify(err error) Class {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return ClassFatal
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool { return err != nil && Classify(err) == ClassTransient }

// IsFatal reports whether err is non-nil and not marked transient.
func IsFatal(err error) bool { return err != nil && Classify(err) == ClassFatal }

// Classified reports whether err carries an explicit Transient or Fatal
// mark.
func Classified(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce)
}
