package apperrors

import (
	"errors"
	"fmt"
	"io"
	"strings"

	crdberrors "github.com/cockroachdb/errors"
)

// Code identifies broad classes of internal failures.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeConfig       Code = "config_error"
	CodeRegistration Code = "registration_error"
	CodeBackend      Code = "backend_error"
	CodeBackendAPI   Code = "backend_api_error"
	CodeTimeout      Code = "timeout"
	CodeTransport    Code = "transport_error"
	CodeInternal     Code = "internal_error"
	CodeUnknown      Code = "unknown_capability"
)

// Coded is implemented by errors that expose a stable internal code.
type Coded interface {
	ErrorCode() Code
}

// Error is the shared internal error model used across packages.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "operation failed"
	}

	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) ErrorCode() Code {
	if e == nil || e.Code == "" {
		return CodeInternal
	}
	return e.Code
}

// Format prints the plain message for %v and %s. %+v also prints the
// wrapped chain including any recorded stack traces.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		crdberrors.FormatError(e, s, verb)
		return
	}
	_, _ = io.WriteString(s, e.Error())
}

// FormatError implements the cockroachdb/errors Formatter interface.
func (e *Error) FormatError(p crdberrors.Printer) error {
	if e.Op != "" {
		p.Printf("%s (%s)", e.Op, e.ErrorCode())
	} else {
		p.Printf("(%s)", e.ErrorCode())
	}
	if e.Message != "" && e.Err == nil {
		p.Printf(": %s", e.Message)
	}
	return e.Err
}

// New creates a coded error without a wrapped cause. The call site's stack
// is recorded for diagnostic traces.
func New(code Code, op, message string) error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     crdberrors.WithStackDepth(errors.New(message), 1),
	}
}

// Wrap wraps an existing error with a code and operation.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code: code,
		Op:   op,
		Err:  crdberrors.WithStackDepth(err, 1),
	}
}

// WithStack annotates err with the caller's stack unless it is nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return crdberrors.WithStackDepth(err, 1)
}

// CodeOf returns the shared internal code if present.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}

	return CodeInternal
}

// Trace renders err with its full cause chain and recorded stack traces.
func Trace(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimRight(fmt.Sprintf("%+v", err), "\n")
}
