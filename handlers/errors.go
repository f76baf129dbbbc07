package handlers

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransientProviderError is an error that is explicitly marked as recoverable. Deliveries that
// fail with one are retried until the retry limit is reached.
type TransientProviderError struct {
	message string
}

// Error returns the error message for a TransientProviderError.
func (e TransientProviderError) Error() string {
	return e.message
}

// NewTransientProviderError returns a new error that is marked as being recoverable.
func NewTransientProviderError(formatString string, a ...interface{}) TransientProviderError {
	return TransientProviderError{message: fmt.Sprintf(formatString, a...)}
}

// PoisonMessageError is a message that exhausted its retries.
type PoisonMessageError struct {
	message string
}

// Error returns the error message for a PoisonMessageError.
func (e PoisonMessageError) Error() string {
	return e.message
}

// NewPoisonMessageError returns a new error that marks a message as poisoned.
func NewPoisonMessageError(formatString string, a ...interface{}) PoisonMessageError {
	return PoisonMessageError{message: fmt.Sprintf(formatString, a...)}
}

// ValidationError is an error that we do not expect to be able to recover from by retrying.
type ValidationError struct {
	message string
}

// Error returns the error message for a ValidationError.
func (e ValidationError) Error() string {
	return e.message
}

// NewValidationError returns a new error that is marked as being unrecoverable.
func NewValidationError(formatString string, a ...interface{}) ValidationError {
	return ValidationError{message: fmt.Sprintf(formatString, a...)}
}

// AuthorizationError is returned when the caller's identity does not permit an operation.
type AuthorizationError struct {
	message string
}

// Error returns the error message for an AuthorizationError.
func (e AuthorizationError) Error() string {
	return e.message
}

// NewAuthorizationError returns a new authorization error.
func NewAuthorizationError(formatString string, a ...interface{}) AuthorizationError {
	return AuthorizationError{message: fmt.Sprintf(formatString, a...)}
}

// PersistenceError is returned when the notification store can't be reached.
type PersistenceError struct {
	cause error
}

// Error returns the error message for a PersistenceError.
func (e PersistenceError) Error() string {
	return "notification store unavailable: " + e.cause.Error()
}

// Unwrap returns the underlying store error.
func (e PersistenceError) Unwrap() error {
	return e.cause
}

// NewPersistenceError wraps a store error.
func NewPersistenceError(cause error) PersistenceError {
	return PersistenceError{cause: cause}
}

// IsTransient returns true if err is or wraps a TransientProviderError.
func IsTransient(err error) bool {
	var target TransientProviderError
	return errors.As(err, &target)
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

// IsAuthorization returns true if err is or wraps an AuthorizationError.
func IsAuthorization(err error) bool {
	var target AuthorizationError
	return errors.As(err, &target)
}

// IsPersistence returns true if err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var target PersistenceError
	return errors.As(err, &target)
}
