// Package errs provides the typed error taxonomy shared across the
// messaging core. Cryptographic failures, missing keys, transport faults
// and timeouts each carry a stable code so callers can branch without
// string matching.
package errs

import (
	stderrors "errors"
	"fmt"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of err, or CodeUnknown if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Constructors

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

func Timeout(msg string, cause error) error {
	return Wrap(CodeTimeout, msg, cause)
}

func KeyGenerationFailed(msg string, cause error) error {
	return Wrap(CodeKeyGenerationFailed, msg, cause)
}

func KeyNotFound(msg string) error {
	return New(CodeKeyNotFound, msg)
}

func DecryptionFailed(msg string, cause error) error {
	return Wrap(CodeDecryptionFailed, msg, cause)
}

func Transport(msg string, cause error) error {
	return Wrap(CodeTransport, msg, cause)
}
