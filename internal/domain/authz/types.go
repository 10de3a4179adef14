// Package authz defines the core authorization vocabulary shared across the
// enforcement pipeline: principals, requests, decisions, sensitivity levels,
// and the stable error taxonomy surfaced to callers.
package authz

import (
	"time"
)

// Sensitivity classifies how dangerous a tool or server is.
// It drives cache TTLs, approval requirements, and policy branches.
type Sensitivity string

// Sensitivity levels, lowest to highest.
const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// Valid reports whether s is one of the four known levels.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical:
		return true
	}
	return false
}

// Rank orders levels for comparison: low < medium < high < critical.
// Unknown levels rank below low.
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityLow:
		return 1
	case SensitivityMedium:
		return 2
	case SensitivityHigh:
		return 3
	case SensitivityCritical:
		return 4
	}
	return 0
}

// Principal is the authenticated identity a request is attributed to.
// Created by an authentication provider; never mutated on the core flow.
type Principal struct {
	// ID is the stable identifier assigned by the source provider.
	ID string `json:"id"`
	// Email is the principal's email or display name.
	Email string `json:"email"`
	// Roles holds role tags such as "admin" or "operator".
	Roles []string `json:"roles,omitempty"`
	// Teams holds group/team membership tags.
	Teams []string `json:"teams,omitempty"`
	// MFAVerified indicates the provider confirmed a second factor.
	MFAVerified bool `json:"mfa_verified"`
	// Provider names the source of the identity (ldap, saml, oidc, apikey).
	Provider string `json:"provider,omitempty"`
}

// HasRole reports whether the principal carries the given role tag.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal carries the admin role.
func (p *Principal) IsAdmin() bool { return p.HasRole("admin") }

// Request is the input to the enforcement pipeline: who wants to do what
// to which resource, with which arguments, under which ambient context.
type Request struct {
	// RequestID correlates the decision with audit events and downstream calls.
	RequestID string
	// Principal is the authenticated caller.
	Principal Principal
	// Action names the operation, e.g. "tool:invoke" or "server:register".
	Action string
	// ResourceID identifies the target server or tool.
	ResourceID string
	// ToolName is the tool being invoked, when the action targets a tool.
	ToolName string
	// Parameters are the caller-supplied tool arguments.
	Parameters map[string]any
	// Context carries ambient request attributes (client ip, user agent,
	// api key id, override pin header) consulted by predicates and policies.
	Context map[string]any
	// Sensitivity of the target resource, resolved from the registry before
	// evaluation. Defaults to medium when unknown.
	Sensitivity Sensitivity
	// APIKey is the raw API key header value, when present.
	APIKey string
	// ClientIP is the caller's resolved remote address.
	ClientIP string
}

// DecisionSource tags which pipeline stage produced the terminal verdict.
type DecisionSource string

// Decision sources, in pipeline evaluation order.
const (
	SourceEmergency DecisionSource = "emergency"
	SourceAllowlist DecisionSource = "allowlist"
	SourceOverride  DecisionSource = "override"
	SourceTime      DecisionSource = "time"
	SourceBudget    DecisionSource = "budget"
	SourceRate      DecisionSource = "rate"
	SourcePolicy    DecisionSource = "policy"
	SourceError     DecisionSource = "error"
)

// Decision is the enforcement pipeline's outcome for one request.
// Immutable once emitted; cached under a derived key for its TTL.
type Decision struct {
	// Allow is the verdict.
	Allow bool `json:"allow"`
	// Reason is the human-readable explanation, always populated on deny.
	Reason string `json:"reason"`
	// Source tags the stage that produced the verdict.
	Source DecisionSource `json:"source"`
	// FilteredParameters holds policy-redacted arguments, when the engine
	// rewrote them. Nil means the original parameters stand.
	FilteredParameters map[string]any `json:"filtered_parameters,omitempty"`
	// AuditID references the policy engine's evaluation record, when set.
	AuditID string `json:"audit_id,omitempty"`
	// RetryAfter is populated on rate-limit denials.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration_ms"`
	// CacheHit marks decisions served from the decision cache.
	CacheHit bool `json:"cache_hit,omitempty"`
}

// Deny builds a deny decision with the given source and reason.
func Deny(source DecisionSource, reason string) Decision {
	return Decision{Allow: false, Source: source, Reason: reason}
}

// Allow builds an allow decision with the given source and reason.
func Allow(source DecisionSource, reason string) Decision {
	return Decision{Allow: true, Source: source, Reason: reason}
}
