package domain

import (
	"errors"
	"fmt"
)

// Code is a stable error classification, returned to callers alongside a
// human-readable detail. See §7 of the design: these are classes, not
// sentinel error values, so a Code survives wrapping.
type Code string

const (
	CodeValidation           Code = "VALIDATION"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientPosition Code = "INSUFFICIENT_POSITION"
	CodeNotFillable          Code = "NOT_FILLABLE"
	CodeInvalidAmend         Code = "INVALID_AMEND"
	CodeUnknownOrder         Code = "UNKNOWN_ORDER"
	CodeAlreadyTerminal      Code = "ALREADY_TERMINAL"
	CodeStale                Code = "STALE"
	CodeUnavailable          Code = "UNAVAILABLE"
	CodeInternal             Code = "INTERNAL"
	CodeRejected             Code = "REJECTED"
)

// Error is the error type every package in oes returns for expected
// failure modes. Unexpected failures (bugs, I/O panics) should still be
// wrapped as CodeInternal rather than surfaced raw.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a Error with the given code and detail.
func NewError(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Wrap builds a Error that carries an underlying cause.
func Wrap(code Code, detail string, err error) *Error {
	return &Error{Code: code, Detail: detail, Err: err}
}

// CodeOf extracts the Code from err, defaulting to CodeInternal for
// errors that didn't originate in this package.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
