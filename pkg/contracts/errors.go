package contracts

import (
	"errors"
	"fmt"
)

// Code is the stable, wire-visible identifier of an authorization failure.
type Code string

const (
	CodeSecurityViolation Code = "SECURITY_VIOLATION"
	CodePolicyDenied      Code = "POLICY_DENIED"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeTokenExpired      Code = "TOKEN_EXPIRED"
	CodeExecutionDenied   Code = "EXECUTION_DENIED"
	CodeReplayDetected    Code = "REPLAY_DETECTED"
	CodeEntityNotFound    Code = "ENTITY_NOT_FOUND"
	CodeOCCConflict       Code = "OCC_CONFLICT"
	CodeEntityExists      Code = "ENTITY_EXISTS"
)

// Error is a typed protocol failure. Any error that is not (and does not
// wrap) an *Error is an internal fault.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrSecurityViolation = &Error{Code: CodeSecurityViolation}
	ErrPolicyDenied      = &Error{Code: CodePolicyDenied}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput}
	ErrInvalidToken      = &Error{Code: CodeInvalidToken}
	ErrTokenExpired      = &Error{Code: CodeTokenExpired}
	ErrExecutionDenied   = &Error{Code: CodeExecutionDenied}
	ErrReplayDetected    = &Error{Code: CodeReplayDetected}
	ErrEntityNotFound    = &Error{Code: CodeEntityNotFound}
	ErrOCCConflict       = &Error{Code: CodeOCCConflict}
	ErrEntityExists      = &Error{Code: CodeEntityExists}
)

// Fail builds an *Error with a formatted reason.
func Fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that carries cause.
func Wrap(code Code, cause error, reason string) *Error {
	return &Error{Code: code, Reason: reason, Err: cause}
}

// CodeOf returns the failure code carried by err, or "" for internal faults.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf returns the human-readable reason of a typed failure.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
