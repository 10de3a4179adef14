package authz

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, caller-visible error taxonomy. The HTTP surface
// maps each kind to a status code; internal detail never leaks past Reason.
type ErrorKind string

// Error kinds surfaced to callers. KindValidation marks a malformed or
// unsafe request; KindSchema marks a well-formed request that fails the
// target capability's declared schema.
const (
	KindUnauthenticated       ErrorKind = "unauthenticated"
	KindForbiddenPolicy       ErrorKind = "forbidden_policy"
	KindForbiddenBudget       ErrorKind = "forbidden_budget"
	KindForbiddenTime         ErrorKind = "forbidden_time"
	KindRateLimited           ErrorKind = "rate_limited"
	KindNotFound              ErrorKind = "not_found"
	KindConflict              ErrorKind = "conflict"
	KindValidation            ErrorKind = "validation"
	KindSchema                ErrorKind = "schema_validation"
	KindDownstreamUnavailable ErrorKind = "downstream_unavailable"
	KindDownstreamError       ErrorKind = "downstream_error"
	KindInternal              ErrorKind = "internal"
)

// Error is a structured error carrying a stable kind and a human reason.
// Detail is optional operator-facing context; it must never contain secrets,
// stack traces, or internal paths.
type Error struct {
	Kind   ErrorKind
	Reason string
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Reason, e.Detail)
}

// NewError builds a structured error.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Unknown errors map to KindInternal.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
