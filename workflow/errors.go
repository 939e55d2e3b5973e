package workflow

import (
	"errors"
	"fmt"
	"time"

	goerrors "github.com/go-errors/errors"
)

// Well-known error codes.
const (
	CodeTimeout = "timeout"
	CodePanic   = "panic"
)

// Error is a serializable step failure. It carries a stable code so retry
// policies can match on it, and a permanent flag for failures that must not
// be retried.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Permanent  bool   `json:"permanent,omitempty"`
	Stacktrace string `json:"stacktrace,omitempty"`

	Cause error `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) ErrorCode() string {
	return e.Code
}

func (e *Error) IsPermanent() bool {
	return e.Permanent
}

var _ error = (*Error)(nil)

// FromError converts any error into an *Error that can be persisted with the
// instance. Known kinds keep their code; everything else is wrapped as-is.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var we *Error
	if errors.As(err, &we) {
		return we
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return &Error{
			Code:      CodeTimeout,
			Message:   te.Error(),
			Permanent: true,
			Cause:     err,
		}
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		return &Error{
			Code:       CodePanic,
			Message:    pe.Error(),
			Permanent:  true,
			Stacktrace: pe.Stack(),
			Cause:      err,
		}
	}

	return &Error{
		Message: err.Error(),
		Cause:   err,
	}
}

// TimeoutError is returned when a step's timeout elapses before the step
// finishes. It is distinguishable from ordinary step failures so callers can
// tell "never got a callback" apart from "provider rejected the batch".
type TimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %v", e.Step, e.Timeout)
}

func (e *TimeoutError) IsPermanent() bool {
	return true
}

func (e *TimeoutError) ErrorCode() string {
	return CodeTimeout
}

// IsTimeout reports whether err is (or wraps) a step timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// PanicError captures a panic raised by a step action, including the
// goroutine stack at the point of the panic.
type PanicError struct {
	message    string
	stacktrace string
}

func (e *PanicError) Error() string {
	return e.message
}

func (e *PanicError) Stack() string {
	return e.stacktrace
}

func newPanicError(v any) *PanicError {
	ge := goerrors.Wrap(v, 3)

	return &PanicError{
		message:    fmt.Sprintf("step panicked: %v", v),
		stacktrace: ge.ErrorStack(),
	}
}
