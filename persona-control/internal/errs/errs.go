package errs

import (
	"errors"
	"fmt"

	"github.com/ILLUVRSE/joi/persona-control/internal/store"
)

type Code string

const (
	CodeValidation       Code = "E_VALIDATION"
	CodeNotFound         Code = "E_NOT_FOUND"
	CodeNotActive        Code = "E_NOT_ACTIVE"
	CodeRolloutConflict  Code = "E_ROLLOUT_CONFLICT"
	CodeBaselineMismatch Code = "E_BASELINE_MISMATCH"
	CodeStaleBase        Code = "E_STALE_BASE"
	CodeGateFailed       Code = "E_GATE_FAILED"
	CodeGateRequired     Code = "E_GATE_REQUIRED"
	CodeGateTimeout      Code = "E_GATE_TIMEOUT"
	CodeDependency       Code = "E_DEPENDENCY"
)

// Error is a controller error carrying a stable code and a message that can be
// shown to an operator as-is.
type Error struct {
	Code    Code
	Msg     string
	Cause   error
	Details map[string]string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value pair and returns e for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// GetCode returns the code of the first *Error in err's chain, or "" if none.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

// Message returns the operator-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch GetCode(err) {
	case CodeDependency, CodeGateTimeout:
		return true
	}
	return false
}

// FromStore converts a store error. Coded errors pass through, store.ErrNotFound
// becomes E_NOT_FOUND, store.ErrConflict becomes E_ROLLOUT_CONFLICT and
// anything else is a retryable dependency failure.
func FromStore(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Wrap(CodeNotFound, err, "%s", msg)
	case errors.Is(err, store.ErrConflict):
		return Wrap(CodeRolloutConflict, err, "%s", msg)
	}
	return Wrap(CodeDependency, err, "%s", msg)
}
