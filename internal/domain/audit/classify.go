package audit

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorCategory groups sink failures by cause.
type ErrorCategory string

// Error categories.
const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryValidation     ErrorCategory = "validation"
	CategoryUnknown        ErrorCategory = "unknown"
)

// RecoveryStrategy is the pipeline's reaction to a classified failure.
type RecoveryStrategy string

// Recovery strategies.
const (
	StrategyRetry        RecoveryStrategy = "retry"
	StrategyFallback     RecoveryStrategy = "fallback"
	StrategySkip         RecoveryStrategy = "skip"
	StrategyCircuitBreak RecoveryStrategy = "circuit_break"
	StrategyAlert        RecoveryStrategy = "alert"
)

// Classification is the classifier's verdict for one failure.
type Classification struct {
	Category ErrorCategory
	Severity Severity
	Strategy RecoveryStrategy
}

// Classify maps a sink error to a category, severity, and recovery strategy.
//
// Timeouts and transient network faults are retried; authentication faults
// alert (retrying cannot help); rate limits back off through the breaker;
// validation faults skip the batch (it will never become deliverable).
func Classify(err error) Classification {
	switch {
	case isTimeout(err):
		return Classification{CategoryTimeout, SeverityMedium, StrategyRetry}
	case isNetwork(err):
		return Classification{CategoryNetwork, SeverityMedium, StrategyRetry}
	case isAuthentication(err):
		return Classification{CategoryAuthentication, SeverityCritical, StrategyAlert}
	case isRateLimit(err):
		return Classification{CategoryRateLimit, SeverityLow, StrategyCircuitBreak}
	case isValidation(err):
		return Classification{CategoryValidation, SeverityHigh, StrategySkip}
	default:
		return Classification{CategoryUnknown, SeverityMedium, StrategyFallback}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return containsAny(err, "timeout", "deadline exceeded")
}

func isNetwork(err error) bool {
	var ne *net.OpError
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return containsAny(err, "connection refused", "connection reset", "no such host", "unreachable")
}

func isAuthentication(err error) bool {
	return containsAny(err, "401", "403", "unauthorized", "forbidden", "invalid token", "authentication")
}

func isRateLimit(err error) bool {
	return containsAny(err, "429", "rate limit", "too many requests")
}

func isValidation(err error) bool {
	return containsAny(err, "400", "422", "invalid payload", "validation", "bad request")
}

func containsAny(err error, needles ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
