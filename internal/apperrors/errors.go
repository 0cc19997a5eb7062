// Package apperrors defines the error kinds surfaced by ledger operations.
//
// Every error that should reach a caller with a specific meaning is an *Error
// carrying a Kind. Infrastructure failures stay plain wrapped errors and are
// reported as unexpected.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and HTTP handlers
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindNotAllowed Kind = "not_allowed"
	KindUnexpected Kind = "unexpected"
	KindProvider   Kind = "provider"
)

// ProviderKind subdivides provider failures
type ProviderKind string

const (
	ProviderAuth      ProviderKind = "auth"
	ProviderRateLimit ProviderKind = "rate_limit"
	ProviderGeneric   ProviderKind = "generic"
)

// Error is a classified application error
type Error struct {
	Kind     Kind
	Provider ProviderKind // set only for KindProvider
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed or contradictory input
func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a referenced entity that does not exist
func NotFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NotAllowed reports a cross-ownership or state-incompatible operation
func NotAllowed(format string, args ...interface{}) error {
	return &Error{Kind: KindNotAllowed, Message: fmt.Sprintf(format, args...)}
}

// Unexpected reports an invariant violation that should be impossible
func Unexpected(format string, args ...interface{}) error {
	return &Error{Kind: KindUnexpected, Message: fmt.Sprintf(format, args...)}
}

// Provider wraps a failed external aggregator call
func Provider(kind ProviderKind, message string, err error) error {
	return &Error{Kind: KindProvider, Provider: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindUnexpected for unclassified errors
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnexpected
}

// Message returns the human readable message for classified errors and a
// generic text for everything else.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return "internal error"
}

func is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

func IsValidation(err error) bool { return is(err, KindValidation) }
func IsNotFound(err error) bool   { return is(err, KindNotFound) }
func IsNotAllowed(err error) bool { return is(err, KindNotAllowed) }
func IsUnexpected(err error) bool { return is(err, KindUnexpected) }

// IsProvider reports whether err is a provider failure of the given kind.
// An empty kind matches any provider failure.
func IsProvider(err error, kind ProviderKind) bool {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Kind != KindProvider {
		return false
	}
	return kind == "" || appErr.Provider == kind
}

// IsAuthFailure reports whether err is a provider authentication failure
func IsAuthFailure(err error) bool {
	return IsProvider(err, ProviderAuth)
}

// IsRetryable reports whether a provider call may succeed if repeated.
// Auth failures and classified business errors never are.
func IsRetryable(err error) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return true
	}
	return appErr.Kind == KindProvider && appErr.Provider != ProviderAuth
}

// HTTPStatus maps an error to the status code handlers respond with
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindNotAllowed:
		return http.StatusForbidden
	case KindProvider:
		var appErr *Error
		if errors.As(err, &appErr) && appErr.Provider == ProviderRateLimit {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
