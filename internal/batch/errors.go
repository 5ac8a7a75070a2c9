package batch

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrBatchNotFound  = errors.New("batch not found")
	ErrBatchActive    = errors.New("batch is still active")
	ErrInvalidAction  = errors.New("invalid action")
	ErrManagerStopped = errors.New("batch manager stopped")
)

// ValidationError rejects an Init request; the batch is never created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

func newValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing batch.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "batch not found: " + e.ID }

func (e *NotFoundError) Unwrap() error { return ErrBatchNotFound }

func notFound(id string) error { return &NotFoundError{ID: id} }
