package sark

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned when the gateway denies a request.
	ErrDenied = errors.New("request denied")

	// ErrRateLimited is returned when the gateway sheds the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrServerUnreachable is returned when the gateway cannot be contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is returned for HTTP-level failures that are not denials.
type APIError struct {
	// StatusCode is the HTTP status the gateway returned.
	StatusCode int
	// Kind is the gateway's stable error class, e.g. "validation".
	Kind string
	// Reason is the human-readable explanation.
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sark [%d %s]: %s", e.StatusCode, e.Kind, e.Reason)
}

// DeniedError is returned when the decision pipeline denies a request.
type DeniedError struct {
	// Source tags the pipeline stage that denied, e.g. "policy", "budget".
	Source DecisionSource
	// Reason explains the denial.
	Reason string
	// Decision is the full verdict, when the gateway attached one.
	Decision *Decision
}

func (e *DeniedError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("denied by %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("denied: %s", e.Reason)
}

// Is supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// RateLimitedError is returned when the gateway sheds the request.
type RateLimitedError struct {
	// RetryAfter is the server's suggested backoff, zero when absent.
	RetryAfter time.Duration
	// Reason explains which limit tripped.
	Reason string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %s", e.RetryAfter, e.Reason)
	}
	return fmt.Sprintf("rate limited: %s", e.Reason)
}

// Is supports errors.Is(err, ErrRateLimited).
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ServerUnreachableError is returned when the gateway cannot be contacted.
type ServerUnreachableError struct {
	Cause error
}

func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
