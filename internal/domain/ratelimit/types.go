// Package ratelimit defines the sliding-window rate limiter port and the
// identifier derivation rules shared by all implementations.
package ratelimit

import (
	"context"
	"time"
)

// Default limits per identifier class, in requests per hour.
const (
	DefaultAPIKeyLimit = 1000
	DefaultUserLimit   = 5000
	DefaultIPLimit     = 100
	DefaultWindow      = time.Hour
)

// Limit is one identifier class's rate limit configuration.
type Limit struct {
	// Max is the number of requests admitted per window.
	Max int
	// Window is the sliding window length.
	Window time.Duration
}

// Info is the outcome of a rate limit check.
type Info struct {
	// Allowed reports whether the request was admitted.
	Allowed bool
	// Limit is the configured maximum for the identifier's class.
	// -1 means unlimited (admin bypass).
	Limit int
	// Remaining is the budget left in the current window.
	Remaining int
	// ResetAt is the epoch second at which the window next resets.
	ResetAt int64
	// RetryAfter is how long to wait before retrying, set on denials.
	RetryAfter time.Duration
}

// Unlimited is the synthetic result for bypassed identifiers.
func Unlimited() Info {
	return Info{Allowed: true, Limit: -1, Remaining: -1}
}

// Limiter is the sliding-window counter port. Implementations must surface
// backing-store errors so the caller can fail open.
type Limiter interface {
	// Check increments the identifier's window counter if under the limit
	// and reports the remaining budget either way.
	Check(ctx context.Context, identifier string, limit Limit) (Info, error)
}
