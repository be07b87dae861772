package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure for protocol replies and metrics
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeRoomNotFound     Code = "ROOM_NOT_FOUND"
	CodeRoleConflict     Code = "ROLE_CONFLICT"
	CodeCreditExhausted  Code = "CREDIT_EXHAUSTED"
	CodeProviderFailure  Code = "PROVIDER_FAILURE"
	CodePeerDisconnected Code = "PEER_DISCONNECTED"
	CodeFatal            Code = "FATAL"
)

// Error is a coded application error
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Wrap creates a coded error around a cause
func Wrap(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// Validation is shorthand for a CodeValidation error
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the first *Error in the chain, or CodeFatal
// for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFatal
}

// Is reports whether err carries the given code
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Message renders err for a client-facing error frame. Fatal and uncoded
// errors are reduced to a generic text so store internals never reach peers.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Code == CodeFatal {
		return "internal server error"
	}
	return e.Reason
}
