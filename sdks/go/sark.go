// Package sark provides a Go client for the sark gateway REST API.
//
// The client evaluates tool calls against the gateway's decision pipeline
// and, optionally, invokes tools through it. It uses only the Go standard
// library (net/http) with zero external dependencies.
//
// Quick start:
//
//	// Set SARK_SERVER_ADDR and SARK_API_KEY env vars, then:
//	client := sark.NewClient()
//
//	dec, err := client.Evaluate(ctx, sark.EvaluateRequest{
//	    Action:     "invoke",
//	    ToolID:     "cap-read-file",
//	    Parameters: map[string]any{"path": "/etc/hosts"},
//	})
//	if err != nil {
//	    var denied *sark.DeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("denied by %s: %s\n", denied.Source, denied.Reason)
//	    }
//	}
package sark

import "time"

// DecisionSource tags the pipeline stage that produced a verdict.
type DecisionSource string

const (
	SourceCache     DecisionSource = "cache"
	SourceEmergency DecisionSource = "emergency"
	SourceAllowlist DecisionSource = "allowlist"
	SourceOverride  DecisionSource = "override"
	SourceTime      DecisionSource = "time"
	SourceBudget    DecisionSource = "budget"
	SourceRate      DecisionSource = "rate"
	SourcePolicy    DecisionSource = "policy"
)

// Decision is the gateway's verdict on a single request.
type Decision struct {
	Allow              bool           `json:"allow"`
	Reason             string         `json:"reason"`
	Source             DecisionSource `json:"source"`
	FilteredParameters map[string]any `json:"filtered_parameters,omitempty"`
	AuditID            string         `json:"audit_id,omitempty"`
	RetryAfter         time.Duration  `json:"retry_after,omitempty"`
	Duration           time.Duration  `json:"duration_ms"`
	CacheHit           bool           `json:"cache_hit,omitempty"`
}

// EvaluateRequest asks the gateway for a decision without invoking
// anything. Either Action alone or Action plus ToolID; a ToolID pins the
// evaluation to the catalog record's sensitivity.
type EvaluateRequest struct {
	Action     string         `json:"action"`
	ResourceID string         `json:"resource_id,omitempty"`
	ToolID     string         `json:"tool_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
}

// EvaluateResponse is the wire shape of a policy evaluation.
type EvaluateResponse struct {
	Decision Decision `json:"decision"`
	DryRun   bool     `json:"dry_run"`
}

// InvokeRequest runs one tool call through enforcement and the backend.
type InvokeRequest struct {
	ToolID     string         `json:"tool_id"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// InvocationResult is the backend's answer to an allowed invocation.
type InvocationResult struct {
	Success  bool           `json:"success"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration_ms"`
}

// CostEstimate itemizes the monetary cost attributed to an invocation.
// Amounts are decimal strings to avoid float drift.
type CostEstimate struct {
	EstimatedCost string            `json:"estimated_cost"`
	Currency      string            `json:"currency"`
	Provider      string            `json:"provider"`
	Model         string            `json:"model,omitempty"`
	Breakdown     map[string]string `json:"breakdown,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Fallback      bool              `json:"fallback,omitempty"`
}

// InvokeResponse bundles the decision with the downstream result. Result
// is nil when the call was denied.
type InvokeResponse struct {
	Decision Decision          `json:"decision"`
	Result   *InvocationResult `json:"result,omitempty"`
	Cost     *CostEstimate     `json:"cost,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
}
