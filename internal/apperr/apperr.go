// Package apperr is the error taxonomy shared by the request handlers and
// the batch jobs. Every failure that crosses a handler boundary is resolved
// into exactly one Kind first.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindDuplicate
	KindQuotaExceeded
	KindConcurrencyConflict
	KindTransientProvider
	KindTerminalProvider
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindDuplicate:
		return "duplicate"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindTransientProvider:
		return "transient_provider"
	case KindTerminalProvider:
		return "terminal_provider"
	default:
		return "internal"
	}
}

// Error is a classified failure. Reason is a stable machine-readable code
// such as "quota_reject" or "identity_boundary".
type Error struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(reason string) *Error { return &Error{Kind: KindValidation, Reason: reason} }

func Auth(reason string) *Error { return &Error{Kind: KindAuth, Reason: reason} }

func Duplicate(reason string) *Error { return &Error{Kind: KindDuplicate, Reason: reason} }

func QuotaExceeded(reason string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindQuotaExceeded, Reason: reason, RetryAfter: retryAfter}
}

func Conflict(reason string) *Error { return &Error{Kind: KindConcurrencyConflict, Reason: reason} }

func Internal(reason string, err error) *Error {
	return &Error{Kind: KindInternal, Reason: reason, Err: err}
}

// KindOf returns the classified kind of err, or KindInternal for anything
// that was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the stable reason code of err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal_error"
}

// RetryAfterOf returns the Retry-After duration carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Status maps err onto the HTTP status code the handlers answer with.
func Status(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		if e.Reason == "forbidden" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindDuplicate:
		return http.StatusOK
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindConcurrencyConflict:
		return http.StatusConflict
	case KindTransientProvider:
		return http.StatusBadGateway
	case KindTerminalProvider:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
