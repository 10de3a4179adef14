// Package cost provides the cost-estimation plugin registry: per-provider
// estimators producing a pre-call estimate and, where the provider reports
// usage, a post-call actual cost. All monetary values are fixed-precision
// decimals.
package cost

import (
	"context"

	"github.com/shopspring/decimal"
)

// Estimate is a single cost figure with its provenance.
type Estimate struct {
	// EstimatedCost is the monetary amount.
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	// Currency is the ISO currency code, usually "USD".
	Currency string `json:"currency"`
	// Provider names the estimator that produced the figure.
	Provider string `json:"provider"`
	// Model is the provider model the pricing row applied to, when any.
	Model string `json:"model,omitempty"`
	// Breakdown itemizes the estimate (input/output token costs etc).
	Breakdown map[string]decimal.Decimal `json:"breakdown,omitempty"`
	// Metadata carries estimator-specific extras (token counts, pricing row).
	Metadata map[string]any `json:"metadata,omitempty"`
	// Fallback marks estimates produced after an estimator failure.
	Fallback bool `json:"fallback,omitempty"`
}

// Zero returns a zero-cost estimate attributed to the given provider.
func Zero(provider string) Estimate {
	return Estimate{EstimatedCost: decimal.Zero, Currency: "USD", Provider: provider}
}

// InvocationRequest is the estimator's view of a pending tool call.
type InvocationRequest struct {
	ToolName   string
	Provider   string
	Model      string
	Parameters map[string]any
}

// InvocationResult is the estimator's view of a completed call.
type InvocationResult struct {
	// Usage carries the provider-reported token usage, when available.
	// Recognized keys: input_tokens, output_tokens.
	Usage map[string]int64
	// ResponseBytes is the response payload length, for the heuristic path.
	ResponseBytes int
}

// Estimator produces pre-call estimates and, optionally, post-call actuals.
type Estimator interface {
	// ProviderName identifies the estimator for registry lookup.
	ProviderName() string
	// EstimateCost returns a pre-call cost estimate.
	EstimateCost(ctx context.Context, req InvocationRequest, metadata map[string]any) (Estimate, error)
	// RecordActualCost derives the actual cost from a completed call.
	// Returns ok=false when the result carries no usable cost signal.
	RecordActualCost(ctx context.Context, req InvocationRequest, res InvocationResult, metadata map[string]any) (Estimate, bool, error)
	// SupportsActualCost reports whether RecordActualCost can ever succeed.
	SupportsActualCost() bool
}
