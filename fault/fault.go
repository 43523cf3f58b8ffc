// Package fault defines the typed error codes surfaced across the session
// layer boundary. Feature code matches on the Code, not on error strings.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies one failure class.
type Code string

const (
	ConnectionTimeout          Code = "CONNECTION_TIMEOUT"
	ConnectionFailed           Code = "CONNECTION_FAILED"
	AuthFailed                 Code = "AUTH_FAILED"
	AuthExpired                Code = "AUTH_EXPIRED"
	ProtocolInvalidMessage     Code = "PROTOCOL_INVALID_MESSAGE"
	ProtocolUnsupportedFeature Code = "PROTOCOL_UNSUPPORTED_FEATURE"
	SystemOperationFailed      Code = "SYSTEM_OPERATION_FAILED"
)

// Error carries a failure code, the operation that produced it, and an
// optional underlying cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error without an underlying cause.
func New(code Code, op string) error {
	return &Error{Code: code, Op: op}
}

// Errorf returns an Error whose cause is built from a format string.
func Errorf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code and operation to an existing error. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the Code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
