// Package policy defines the policy engine port: the input bundle shape,
// the evaluation result, and the feature-flag router that splits traffic
// between the embedded and remote back-ends.
package policy

import (
	"context"
)

// Input is the bundle a policy evaluates against. Field names mirror the
// variables exposed to policy expressions.
type Input struct {
	// User describes the principal: id, email, roles, teams, mfa_verified.
	User map[string]any `json:"user"`
	// Action is the requested operation, e.g. "tool:invoke".
	Action string `json:"action"`
	// Tool describes the target tool (name, sensitivity, server_id), when any.
	Tool map[string]any `json:"tool,omitempty"`
	// Server describes the target server, when any.
	Server map[string]any `json:"server,omitempty"`
	// Context carries ambient request attributes.
	Context map[string]any `json:"context"`
}

// Result is the engine's verdict. Both back-ends produce the same schema.
type Result struct {
	// Allow is the verdict.
	Allow bool `json:"allow"`
	// Reason explains the verdict.
	Reason string `json:"reason"`
	// FilteredParameters holds redacted arguments when the policy rewrote
	// them; nil means the original parameters stand.
	FilteredParameters map[string]any `json:"filtered_parameters,omitempty"`
	// AuditID references the engine-side evaluation record, when any.
	AuditID string `json:"audit_id,omitempty"`
	// EngineID names the back-end that answered, for metrics only.
	EngineID string `json:"-"`
}

// ReasonNotFound is the deny reason engines return when no loaded policy
// covers the requested action. Callers use it to distinguish a missing
// policy from an explicit deny.
const ReasonNotFound = "policy not found"

// Engine evaluates an input bundle against loaded policies.
//
// A missing policy for the requested action fails closed: the engine returns
// a deny Result with reason ReasonNotFound and no error.
type Engine interface {
	// Evaluate returns the verdict for one input bundle.
	Evaluate(ctx context.Context, input Input) (Result, error)
	// EngineID identifies the back-end ("embedded", "remote") for metrics.
	EngineID() string
	// Healthy reports whether the engine can currently answer queries.
	Healthy(ctx context.Context) bool
}
