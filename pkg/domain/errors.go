package domain

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code surfaced to API callers.
type Code string

const (
	CodeUnknown                 Code = "UNKNOWN"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeDegenerateSignature     Code = "DEGENERATE_SIGNATURE"
	CodeMalformedSignatureImage Code = "MALFORMED_SIGNATURE_IMAGE"
	CodeStorageUnavailable      Code = "STORAGE_UNAVAILABLE"
	CodeUnknownTemplate         Code = "UNKNOWN_TEMPLATE"
	CodeBadRequest              Code = "BAD_REQUEST"
	CodeConflict                Code = "CONFLICT"
)

// Error is the domain error type. Two Errors match under errors.Is when their
// codes are equal, so the sentinels below can be used as targets.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrInvalidTransition       = &Error{Code: CodeInvalidTransition}
	ErrDegenerateSignature     = &Error{Code: CodeDegenerateSignature}
	ErrMalformedSignatureImage = &Error{Code: CodeMalformedSignatureImage}
	ErrStorageUnavailable      = &Error{Code: CodeStorageUnavailable}
	ErrUnknownTemplate         = &Error{Code: CodeUnknownTemplate}
	ErrBadRequest              = &Error{Code: CodeBadRequest}
)

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NotFound(what, id string) *Error {
	return &Error{
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s %q not found", what, id),
		Metadata: map[string]string{"kind": what, "id": id},
	}
}

// InvalidTransition names the precondition that blocked the action.
func InvalidTransition(action Action, from Status, missing string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot %s case in status %s: %s", action, from, missing),
		Metadata: map[string]string{
			"action":       string(action),
			"from":         string(from),
			"precondition": missing,
		},
	}
}

// CodeOf returns the domain code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}
