package audit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory ErrorCategory
		wantStrategy RecoveryStrategy
	}{
		{"context deadline", context.DeadlineExceeded, CategoryTimeout, StrategyRetry},
		{"net timeout", timeoutErr{}, CategoryTimeout, StrategyRetry},
		{"connection refused text", errors.New("dial tcp: connection refused"), CategoryNetwork, StrategyRetry},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("x")}, CategoryNetwork, StrategyRetry},
		{"unauthorized", errors.New("server returned 401 Unauthorized"), CategoryAuthentication, StrategyAlert},
		{"rate limited", errors.New("HTTP 429 too many requests"), CategoryRateLimit, StrategyCircuitBreak},
		{"validation", fmt.Errorf("sink rejected batch: 422 validation failed"), CategoryValidation, StrategySkip},
		{"unknown", errors.New("mysterious failure"), CategoryUnknown, StrategyFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			if c.Category != tt.wantCategory {
				t.Errorf("category = %s, want %s", c.Category, tt.wantCategory)
			}
			if c.Strategy != tt.wantStrategy {
				t.Errorf("strategy = %s, want %s", c.Strategy, tt.wantStrategy)
			}
		})
	}
}

func TestClassify_AuthIsCritical(t *testing.T) {
	c := Classify(errors.New("403 forbidden"))
	if c.Severity != SeverityCritical {
		t.Errorf("auth severity = %s, want critical", c.Severity)
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventAuthzDenied, SeverityHigh, "req-1")
	if e.ID == "" {
		t.Error("event id should be populated")
	}
	if e.RequestID != "req-1" || e.EventType != EventAuthzDenied {
		t.Errorf("event = %+v", e)
	}
	if time.Since(e.Timestamp) > time.Minute {
		t.Error("timestamp should be recent")
	}
}
