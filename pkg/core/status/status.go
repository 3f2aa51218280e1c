// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status attaches a Code to errors, so callers can tell structural failures (InvalidArgument),
// operations on deleted values (FailedPrecondition), unsupported capabilities (Unimplemented) and
// runtime failures (Internal) apart.
//
// Errors are created with github.com/pkg/errors, so they carry a stack trace that is printed with "%+v".
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error.
type Code int

const (
	// OK is the Code of a nil error.
	OK Code = iota

	// Unknown is the Code of errors without an attached Code, e.g. injected errors.
	Unknown

	// InvalidArgument means a structural precondition was violated: shape or shard mismatches,
	// heterogeneous device sets or memory kinds, devices not part of a device list.
	InvalidArgument

	// FailedPrecondition means the operation was called in a state that doesn't allow it, e.g. reading
	// a deleted Array.
	FailedPrecondition

	// Unimplemented is a permanent, non-retryable condition: an optional capability is not supported.
	Unimplemented

	// Internal means an underlying transfer or runtime failure.
	Internal
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	FailedPrecondition: "FailedPrecondition",
	Unimplemented:      "Unimplemented",
	Internal:           "Internal",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if name, found := codeNames[c]; found {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is an error with an attached Code.
type Error struct {
	code Code
	err  error
}

// Error implements the error interface. It is formatted as "<Code>: <message>".
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.err.Error())
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

// Cause implements github.com/pkg/errors causer.
func (e *Error) Cause() error { return e.err }

// Code of the error.
func (e *Error) Code() Code { return e.code }

// Format implements fmt.Formatter: "%+v" includes the stack trace of the underlying error.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.code, e.err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// WithCode attaches code to err. It returns nil if err is nil.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: err}
}

// Newf creates a new error with the given code and formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{code: code, err: errors.Errorf(format, args...)}
}

// InvalidArgumentf creates an InvalidArgument error.
func InvalidArgumentf(format string, args ...any) error {
	return &Error{code: InvalidArgument, err: errors.Errorf(format, args...)}
}

// FailedPreconditionf creates a FailedPrecondition error.
func FailedPreconditionf(format string, args ...any) error {
	return &Error{code: FailedPrecondition, err: errors.Errorf(format, args...)}
}

// Unimplementedf creates an Unimplemented error.
func Unimplementedf(format string, args ...any) error {
	return &Error{code: Unimplemented, err: errors.Errorf(format, args...)}
}

// Internalf creates an Internal error.
func Internalf(format string, args ...any) error {
	return &Error{code: Internal, err: errors.Errorf(format, args...)}
}

// CodeOf returns the Code of the first coded error in err's chain (including errors combined with
// go.uber.org/multierr), OK for nil, or Unknown if there is none.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.code
	}
	return Unknown
}

// IsInvalidArgument returns whether err has code InvalidArgument.
func IsInvalidArgument(err error) bool { return CodeOf(err) == InvalidArgument }

// IsFailedPrecondition returns whether err has code FailedPrecondition.
func IsFailedPrecondition(err error) bool { return CodeOf(err) == FailedPrecondition }

// IsUnimplemented returns whether err has code Unimplemented.
func IsUnimplemented(err error) bool { return CodeOf(err) == Unimplemented }

// IsInternal returns whether err has code Internal.
func IsInternal(err error) bool { return CodeOf(err) == Internal }
