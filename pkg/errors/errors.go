// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the closed error taxonomy used across darkroom.
//
// Every error that crosses a package boundary is classified into one of the
// kinds below. The task engine uses the classification to decide between
// retry and dead-letter; the HTTP layer maps kinds to status codes.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds
const (
	// ErrValidation is returned when an input fails validation
	ErrValidation = "validation"

	// ErrNotFound is returned when a referenced entity does not exist
	ErrNotFound = "not_found"

	// ErrConflict is returned when a write collides with existing state
	ErrConflict = "conflict"

	// ErrTransientIO is returned on retryable filesystem or database errors
	ErrTransientIO = "transient_io"

	// ErrTransientProvider is returned on retryable provider failures
	ErrTransientProvider = "transient_provider"

	// ErrPermanentDecode is returned when an input can never be decoded
	ErrPermanentDecode = "permanent_decode"

	// ErrPermanentConfig is returned on misconfiguration that retry cannot fix
	ErrPermanentConfig = "permanent_config"

	// ErrCancelled is returned when work stops due to cooperative cancellation
	ErrCancelled = "cancelled"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents a classified error in the application
type Error struct {
	// Kind is the taxonomy kind
	Kind string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewTransientIOError creates a new transient IO error
func NewTransientIOError(message string, cause error) *Error {
	return NewError(ErrTransientIO, message, cause)
}

// NewTransientProviderError creates a new transient provider error
func NewTransientProviderError(message string, cause error) *Error {
	return NewError(ErrTransientProvider, message, cause)
}

// NewPermanentDecodeError creates a new permanent decode error
func NewPermanentDecodeError(message string, cause error) *Error {
	return NewError(ErrPermanentDecode, message, cause)
}

// NewPermanentConfigError creates a new permanent config error
func NewPermanentConfigError(message string, cause error) *Error {
	return NewError(ErrPermanentConfig, message, cause)
}

// NewCancelledError creates a new cancelled error
func NewCancelledError(message string, cause error) *Error {
	return NewError(ErrCancelled, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// kindOf extracts the taxonomy kind from err, unwrapping as needed.
// Errors outside the taxonomy report an empty kind.
func kindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Kind returns the taxonomy kind of err. Plain context cancellation maps to
// ErrCancelled; anything else outside the taxonomy maps to ErrInternal.
func Kind(err error) string {
	if k := kindOf(err); k != "" {
		return k
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return ErrInternal
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return kindOf(err) == ErrValidation
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return kindOf(err) == ErrNotFound
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return kindOf(err) == ErrConflict
}

// IsTransientIO checks if the error is a transient IO error
func IsTransientIO(err error) bool {
	return kindOf(err) == ErrTransientIO
}

// IsTransientProvider checks if the error is a transient provider error
func IsTransientProvider(err error) bool {
	return kindOf(err) == ErrTransientProvider
}

// IsPermanentDecode checks if the error is a permanent decode error
func IsPermanentDecode(err error) bool {
	return kindOf(err) == ErrPermanentDecode
}

// IsPermanentConfig checks if the error is a permanent config error
func IsPermanentConfig(err error) bool {
	return kindOf(err) == ErrPermanentConfig
}

// IsCancelled checks if the error is a cancelled error, including plain
// context cancellation that was never classified.
func IsCancelled(err error) bool {
	if kindOf(err) == ErrCancelled {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return kindOf(err) == ErrInternal
}

// IsTransient reports whether err should be retried by the task engine.
func IsTransient(err error) bool {
	k := kindOf(err)
	return k == ErrTransientIO || k == ErrTransientProvider
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	k := kindOf(err)
	return k == ErrPermanentDecode || k == ErrPermanentConfig || k == ErrValidation
}
