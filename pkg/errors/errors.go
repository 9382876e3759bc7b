// Package errors defines the status-code taxonomy every operation in the
// engine's public surface returns, adapted from the teacher repository's
// sentinel-error-plus-AppError pattern. Where the teacher mapped errors to
// HTTP status codes (there is no HTTP surface here), this package maps them
// to the engine's own Code enum.
package errors

import (
	"errors"
	"fmt"
)

// Code is the status code surfaced to callers of the engine's operations.
type Code int

const (
	OK Code = iota
	InvalidArgument
	NotFound
	FailedPrecondition
	AlreadyExists
	OutOfSpace
	Internal
	Aborted
	WarningDataLoss
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case OutOfSpace:
		return "OUT_OF_SPACE"
	case Internal:
		return "INTERNAL"
	case Aborted:
		return "ABORTED"
	case WarningDataLoss:
		return "WARNING_DATA_LOSS"
	default:
		return "UNKNOWN"
	}
}

// Status is the {code, message} pair every operation result carries.
type Status struct {
	Code    Code
	Message string
}

// OKStatus is the zero-value success status.
var OKStatus = Status{Code: OK}

func (s Status) Error() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Ok reports whether the status is successful. WARNING_DATA_LOSS is
// considered a successful completion with a caveat, matching spec §7.
func (s Status) Ok() bool {
	return s.Code == OK || s.Code == WarningDataLoss
}

// New builds a Status with a formatted message.
func New(code Code, format string, args ...any) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AppError pairs a Status with an underlying cause, so callers can
// errors.Is/As against a stable sentinel while the engine records a
// human-readable message.
type AppError struct {
	Status Status
	Cause  error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Status.Error()
	}
	return fmt.Sprintf("%s: %v", e.Status.Error(), e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Wrap creates an AppError from a status code, message, and underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *AppError {
	return &AppError{Status: New(code, format, args...), Cause: cause}
}

// StatusOf extracts the Status from err, defaulting to INTERNAL for
// unrecognised errors so callers always get a well-formed status.
func StatusOf(err error) Status {
	if err == nil {
		return OKStatus
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	var status Status
	if errors.As(err, &status) {
		return status
	}
	return New(Internal, "%v", err)
}
