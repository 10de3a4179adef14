// Package audit contains the audit event model, the sink port, and the
// error classifier used by the audit pipeline.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

// Event types emitted by the gateway.
const (
	EventServerRegistered    EventType = "server_registered"
	EventServerStatusChanged EventType = "server_status_changed"
	EventToolInvoked         EventType = "tool_invoked"
	EventAuthzAllowed        EventType = "authorization_allowed"
	EventAuthzDenied         EventType = "authorization_denied"
	EventApprovalRequested   EventType = "approval_requested"
	EventApprovalGranted     EventType = "approval_granted"
	EventApprovalDenied      EventType = "approval_denied"
	EventOverrideGranted     EventType = "override_granted"
	EventOverrideConsumed    EventType = "override_consumed"
	EventEmergencyChanged    EventType = "emergency_changed"
	EventSensitivityOverride EventType = "sensitivity_override"
	EventPolicyLoadFailed    EventType = "policy_load_failed"
	EventPolicyMissing       EventType = "policy_missing"
	EventTimeRuleAlert       EventType = "time_rule_alert"
)

// Severity grades an event's operational urgency.
type Severity string

// Severities, lowest to highest.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one immutable audit record. Wire format is one JSON object per
// event; sink adapters add their own envelopes.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Severity  Severity       `json:"severity"`
	UserEmail string         `json:"user_email,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Decision  string         `json:"decision,omitempty"`
	PolicyID  string         `json:"policy_id,omitempty"`
	ClientIP  string         `json:"client_ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(kind EventType, severity Severity, requestID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: kind,
		Severity:  severity,
		RequestID: requestID,
		Details:   map[string]any{},
	}
}
