// Package apperr defines the stable error vocabulary shared by every core
// component. Transport layers translate these into protocol-specific codes;
// the core never returns a bare error for a condition named here.
package apperr

import (
	"errors"
	"fmt"
)

// Code is one of the named error kinds from the design's error table.
type Code string

const (
	CodeNotFound          Code = "NotFound"
	CodeConflict          Code = "Conflict"
	CodeDuplicate         Code = "Duplicate"
	CodeForbidden         Code = "Forbidden"
	CodeMaterialLocked    Code = "MaterialLocked"
	CodeNotAvailable      Code = "NotAvailable"
	CodeAlreadyInProgress Code = "AlreadyInProgress"
	CodeAlreadySubmitted  Code = "AlreadySubmitted"
	CodeExpired           Code = "Expired"
	CodeNoAttemptsLeft    Code = "NoAttemptsLeft"
	CodeTooFrequent       Code = "TooFrequent"
	CodeTooManyParallel   Code = "TooManyParallel"
	CodeArchiveFirst      Code = "ArchiveFirst"
	CodeNoQuestions       Code = "NoQuestions"
	CodeInternal          Code = "Internal"
)

// Error is the concrete error type every core operation returns for a
// classified failure. Details is optional, freeform context (e.g. the reason
// a NotAvailable was denied).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, apperr.ErrNotFound) work against sentinel-style
// comparisons keyed only on Code, ignoring message/details/cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a lower-level cause (typically a *sql.DB/driver error) to a
// classified code, the same way the teacher's repository layer wraps driver
// errors with fmt.Errorf("...: %w", err).
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func WithDetails(e *Error, details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Sentinels for errors.Is comparisons against a bare code.
var (
	ErrNotFound          = New(CodeNotFound, "entity not found")
	ErrConflict          = New(CodeConflict, "conflicting write")
	ErrDuplicate         = New(CodeDuplicate, "duplicate row")
	ErrForbidden         = New(CodeForbidden, "forbidden")
	ErrMaterialLocked    = New(CodeMaterialLocked, "material locked by active attempt")
	ErrNotAvailable      = New(CodeNotAvailable, "not available")
	ErrAlreadyInProgress = New(CodeAlreadyInProgress, "attempt already in progress")
	ErrAlreadySubmitted  = New(CodeAlreadySubmitted, "attempt already submitted")
	ErrExpired           = New(CodeExpired, "attempt expired")
	ErrNoAttemptsLeft    = New(CodeNoAttemptsLeft, "no attempts left")
	ErrTooFrequent       = New(CodeTooFrequent, "heartbeat too frequent")
	ErrTooManyParallel   = New(CodeTooManyParallel, "too many parallel sessions")
	ErrArchiveFirst      = New(CodeArchiveFirst, "entity must be archived before delete")
	ErrNoQuestions       = New(CodeNoQuestions, "no questions available")
	ErrInternal          = New(CodeInternal, "internal error")
)

// Of reports the Code of err if it (or something it wraps) is an *Error.
func Of(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
