package cost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// charsPerToken is the heuristic used when a provider does not report usage.
const charsPerToken = 4

// tokensPerPriceUnit is the denominator of pricing table rows (per 1M tokens).
var tokensPerPriceUnit = decimal.NewFromInt(1_000_000)

// FreeEstimator reports zero cost for resources without a cost signal.
type FreeEstimator struct{}

// NewFreeEstimator creates the zero-cost estimator.
func NewFreeEstimator() *FreeEstimator { return &FreeEstimator{} }

func (e *FreeEstimator) ProviderName() string { return "free" }

func (e *FreeEstimator) EstimateCost(_ context.Context, _ InvocationRequest, _ map[string]any) (Estimate, error) {
	return Zero("free"), nil
}

func (e *FreeEstimator) RecordActualCost(_ context.Context, _ InvocationRequest, _ InvocationResult, _ map[string]any) (Estimate, bool, error) {
	return Estimate{}, false, nil
}

func (e *FreeEstimator) SupportsActualCost() bool { return false }

// FixedEstimator charges a configured flat cost per call.
type FixedEstimator struct {
	provider string
	cost     decimal.Decimal
	currency string
}

// NewFixedEstimator creates an estimator charging cost per call.
func NewFixedEstimator(provider string, cost decimal.Decimal, currency string) *FixedEstimator {
	if currency == "" {
		currency = "USD"
	}
	return &FixedEstimator{provider: provider, cost: cost, currency: currency}
}

func (e *FixedEstimator) ProviderName() string { return e.provider }

func (e *FixedEstimator) EstimateCost(_ context.Context, _ InvocationRequest, _ map[string]any) (Estimate, error) {
	return Estimate{EstimatedCost: e.cost, Currency: e.currency, Provider: e.provider}, nil
}

func (e *FixedEstimator) RecordActualCost(ctx context.Context, req InvocationRequest, _ InvocationResult, md map[string]any) (Estimate, bool, error) {
	est, err := e.EstimateCost(ctx, req, md)
	return est, err == nil, err
}

func (e *FixedEstimator) SupportsActualCost() bool { return true }

// ModelPrice is one pricing table row: cost per 1M input and output tokens.
type ModelPrice struct {
	InputPer1M  decimal.Decimal `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPer1M decimal.Decimal `yaml:"output_per_1m" json:"output_per_1m"`
}

// TokenEstimator prices calls from a per-model token pricing table.
// Lookup order: exact model, provider default row ("default"), zero.
type TokenEstimator struct {
	provider string
	prices   map[string]ModelPrice
	currency string
}

// NewTokenEstimator creates a token-priced estimator. The prices map should
// contain a "default" row for unknown models.
func NewTokenEstimator(provider string, prices map[string]ModelPrice, currency string) *TokenEstimator {
	if currency == "" {
		currency = "USD"
	}
	return &TokenEstimator{provider: provider, prices: prices, currency: currency}
}

func (e *TokenEstimator) ProviderName() string { return e.provider }

// priceFor resolves the pricing row for a model, falling back to the
// provider default row.
func (e *TokenEstimator) priceFor(model string) (ModelPrice, string, bool) {
	if p, ok := e.prices[model]; ok {
		return p, model, true
	}
	if p, ok := e.prices["default"]; ok {
		return p, "default", true
	}
	return ModelPrice{}, "", false
}

// EstimateCost estimates from the serialized parameter length using the
// 4-chars-per-token heuristic. Output tokens are assumed equal to input.
func (e *TokenEstimator) EstimateCost(_ context.Context, req InvocationRequest, _ map[string]any) (Estimate, error) {
	price, row, ok := e.priceFor(req.Model)
	if !ok {
		return Zero(e.provider), nil
	}

	raw, err := json.Marshal(req.Parameters)
	if err != nil {
		return Estimate{}, fmt.Errorf("serialize parameters: %w", err)
	}
	inputTokens := int64(len(raw)) / charsPerToken
	if inputTokens < 1 {
		inputTokens = 1
	}
	return e.price(inputTokens, inputTokens, row, price), nil
}

// RecordActualCost prices the provider-reported usage counts.
func (e *TokenEstimator) RecordActualCost(_ context.Context, req InvocationRequest, res InvocationResult, _ map[string]any) (Estimate, bool, error) {
	price, row, ok := e.priceFor(req.Model)
	if !ok {
		return Estimate{}, false, nil
	}

	in, inOK := res.Usage["input_tokens"]
	out, outOK := res.Usage["output_tokens"]
	if !inOK && !outOK {
		// No reported usage: fall back to response length heuristic.
		if res.ResponseBytes <= 0 {
			return Estimate{}, false, nil
		}
		out = int64(res.ResponseBytes) / charsPerToken
	}
	return e.price(in, out, row, price), true, nil
}

func (e *TokenEstimator) SupportsActualCost() bool { return true }

func (e *TokenEstimator) price(inputTokens, outputTokens int64, row string, p ModelPrice) Estimate {
	inCost := p.InputPer1M.Mul(decimal.NewFromInt(inputTokens)).Div(tokensPerPriceUnit)
	outCost := p.OutputPer1M.Mul(decimal.NewFromInt(outputTokens)).Div(tokensPerPriceUnit)
	return Estimate{
		EstimatedCost: inCost.Add(outCost),
		Currency:      e.currency,
		Provider:      e.provider,
		Model:         row,
		Breakdown: map[string]decimal.Decimal{
			"input":  inCost,
			"output": outCost,
		},
		Metadata: map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}
}

// Compile-time interface checks.
var (
	_ Estimator = (*FreeEstimator)(nil)
	_ Estimator = (*FixedEstimator)(nil)
	_ Estimator = (*TokenEstimator)(nil)
)
