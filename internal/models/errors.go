package models

import (
	"errors"
	"fmt"
)

// Error kinds, matchable with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission denied")
	ErrTransient  = errors.New("temporarily unavailable")
	ErrConflict   = errors.New("conflict")
)

// ValidationError is reported inline and never sent to the server.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PermissionError covers both an expired session and an action the caller may not take.
type PermissionError struct {
	Message string
	Err     error
}

func NewPermissionError(msg string, err error) error {
	return &PermissionError{Message: msg, Err: err}
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PermissionError) Unwrap() error { return e.Err }

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// TransientError marks a failed fetch or save that may succeed later.
type TransientError struct {
	Op  string
	Err error
}

func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// ConflictError is raised when the sheet state forbids the action, e.g. a
// re-publish while published marks are locked.
type ConflictError struct {
	Message string
}

func NewConflictError(format string, args ...interface{}) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

var ErrSessionExpired = NewPermissionError("session expired", nil)
