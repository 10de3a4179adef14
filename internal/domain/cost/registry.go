package cost

import (
	"context"
	"log/slog"
	"sync"
)

// Registry maps provider names to estimators and shields callers from
// estimator failures: any error converts to a zero-cost fallback estimate so
// cost estimation never blocks a request.
type Registry struct {
	mu         sync.RWMutex
	estimators map[string]Estimator
	logger     *slog.Logger
}

// NewRegistry creates a registry seeded with the free estimator, which also
// serves as the fallback for unknown providers.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		estimators: make(map[string]Estimator),
		logger:     logger,
	}
	r.Register(NewFreeEstimator())
	return r
}

// Register adds or replaces an estimator under its provider name.
// Safe to call at runtime.
func (r *Registry) Register(e Estimator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimators[e.ProviderName()] = e
}

// Lookup returns the estimator for provider, falling back to "free".
func (r *Registry) Lookup(provider string) Estimator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.estimators[provider]; ok {
		return e
	}
	return r.estimators["free"]
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.estimators))
	for name := range r.estimators {
		names = append(names, name)
	}
	return names
}

// Estimate produces a pre-call estimate, converting estimator errors to a
// zero-cost estimate tagged fallback=true.
func (r *Registry) Estimate(ctx context.Context, req InvocationRequest, metadata map[string]any) Estimate {
	est, err := r.Lookup(req.Provider).EstimateCost(ctx, req, metadata)
	if err != nil {
		r.logger.Warn("cost estimation failed, using zero fallback",
			"provider", req.Provider, "tool", req.ToolName, "error", err)
		fb := Zero(req.Provider)
		fb.Fallback = true
		return fb
	}
	return est
}

// Actual derives the actual cost from a completed call. ok=false means the
// provider reported no usable signal and the caller should keep the estimate.
func (r *Registry) Actual(ctx context.Context, req InvocationRequest, res InvocationResult, metadata map[string]any) (Estimate, bool) {
	e := r.Lookup(req.Provider)
	if !e.SupportsActualCost() {
		return Estimate{}, false
	}
	est, ok, err := e.RecordActualCost(ctx, req, res, metadata)
	if err != nil {
		r.logger.Warn("actual cost recording failed",
			"provider", req.Provider, "tool", req.ToolName, "error", err)
		return Estimate{}, false
	}
	return est, ok
}
