// Package errors provides error handling for tempo.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
	Mark       = crdb.Mark
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// GetStack extracts a reportable stack trace from an error, if present.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors for the scheduler store.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrObjectAlreadyExists indicates an insert collided with an existing
	// job, trigger, or calendar and replacement was not requested
	ErrObjectAlreadyExists = New("object already exists")

	// ErrJobDoesNotExist indicates a trigger references a job that is
	// missing from the store
	ErrJobDoesNotExist = New("job does not exist")

	// ErrClientError indicates the caller supplied an invalid combination,
	// such as a durable trigger on a volatile job or an unknown calendar
	ErrClientError = New("client error")

	// ErrCalendarInUse indicates a calendar cannot be removed because
	// triggers still reference it
	ErrCalendarInUse = New("calendar in use")

	// ErrCouldNotAcquireLock indicates a named scheduler lock could not be
	// obtained
	ErrCouldNotAcquireLock = New("could not acquire lock")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsObjectAlreadyExists checks if an error is or wraps ErrObjectAlreadyExists
func IsObjectAlreadyExists(err error) bool {
	return err != nil && Is(err, ErrObjectAlreadyExists)
}

// IsJobDoesNotExist checks if an error is or wraps ErrJobDoesNotExist
func IsJobDoesNotExist(err error) bool {
	return err != nil && Is(err, ErrJobDoesNotExist)
}

// IsClientError checks if an error is or wraps ErrClientError
func IsClientError(err error) bool {
	return err != nil && Is(err, ErrClientError)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewClientError creates a client error with a formatted message
func NewClientError(format string, args ...interface{}) error {
	return Wrap(ErrClientError, Newf(format, args...).Error())
}
