// Package domain defines core types, interfaces, and errors for the ingestion service.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Permanent marks the error as non-retryable.
func (e *ValidationError) Permanent() bool { return true }

// ConfigurationError indicates an invalid template set, an unsupported
// object format, or invalid settings. Retrying cannot fix it.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// Permanent marks the error as non-retryable.
func (e *ConfigurationError) Permanent() bool { return true }

// StructuralError indicates malformed data in the object itself, such as a
// column-count mismatch in strict mode.
type StructuralError struct {
	Line    int64
	Message string
}

func (e *StructuralError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Permanent marks the error as non-retryable.
func (e *StructuralError) Permanent() bool { return true }

// ResolutionError indicates an object key that matched a template but cannot
// be turned into safe storage keys.
type ResolutionError struct {
	Key     string
	Message string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Key, e.Message)
}

// Permanent marks the error as non-retryable.
func (e *ResolutionError) Permanent() bool { return true }

// ThrottledError indicates the backend rejected a call under load.
type ThrottledError struct {
	Message string
	Err     error
}

func (e *ThrottledError) Error() string { return e.Message }
func (e *ThrottledError) Unwrap() error { return e.Err }

// WriteError indicates a batched write failed as a whole. The batch has
// already been handed to the failure sink when this is returned.
type WriteError struct {
	Rows int
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("batch write of %d rows failed: %v", e.Rows, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConfiguration creates a ConfigurationError with a formatted message.
func ErrConfiguration(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ErrStructural creates a StructuralError for the given line.
func ErrStructural(line int64, format string, args ...interface{}) *StructuralError {
	return &StructuralError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// ErrThrottled wraps a backend error as a ThrottledError.
func ErrThrottled(err error, format string, args ...interface{}) *ThrottledError {
	return &ThrottledError{Message: fmt.Sprintf(format, args...), Err: err}
}

// IsPermanent reports whether err, or any error it wraps, is marked
// non-retryable.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
