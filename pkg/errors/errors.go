// Package errors provides the service error type. Every error that crosses a
// package boundary carries a stable Code (the error class) and, for business
// denials, a Reason (the machine-readable cause, e.g. SHIPMENT_LOCKED).
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is the error class.
type Code string

const (
	ErrCodeValidation           Code = "VALIDATION_ERROR"
	ErrCodePermissionDenied     Code = "PERMISSION_DENIED"
	ErrCodeStateLocked          Code = "STATE_LOCKED"
	ErrCodeIllegalApprovalState Code = "ILLEGAL_APPROVAL_STATE"
	ErrCodeOptimisticConflict   Code = "OPTIMISTIC_CONFLICT"
	ErrCodeCascadeEffectFailed  Code = "CASCADE_EFFECT_FAILED"
	ErrCodeAuditWriteFailed     Code = "AUDIT_WRITE_FAILED"
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeUnavailable          Code = "UNAVAILABLE"
	ErrCodeInternal             Code = "INTERNAL"
)

// Error is the service error.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given class.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Denied creates a business denial with a stable reason code.
func Denied(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

// Wrap attaches a class and message to an underlying error. Wrapping an
// *Error keeps its code unless the caller explicitly reclassifies it as
// something other than internal.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if code == ErrCodeInternal && stderrors.As(err, &inner) {
		return &Error{Code: inner.Code, Reason: inner.Reason, Message: message, Err: err}
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(kind, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Reason: "INVALID_" + upper(field), Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf returns the class of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// ReasonOf returns the reason code of err, if any.
func ReasonOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// MessageOf returns the client-facing message of err: the Message of an
// *Error, or the full text of a foreign error.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// IsCode reports whether err is of the given class.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
