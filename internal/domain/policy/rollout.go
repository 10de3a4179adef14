package policy

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// RolloutObserver is notified which engine served each evaluation, keyed by
// engine id. Wired to a metrics counter in production.
type RolloutObserver func(engineID string)

// Router splits policy evaluations between a candidate and a legacy engine
// by a stable per-principal percentage: xxhash64("feature:principal") mod
// 100 below the configured percentage routes to the candidate.
//
// Routing is deterministic: the same (feature, principal) pair routes the
// same way until the percentage changes.
type Router struct {
	feature   string
	candidate Engine
	legacy    Engine
	observer  RolloutObserver

	mu      sync.RWMutex
	percent int
}

// NewRouter creates a rollout router for one feature flag. percent is
// clamped to 0–100. observer may be nil.
func NewRouter(feature string, candidate, legacy Engine, percent int, observer RolloutObserver) *Router {
	r := &Router{feature: feature, candidate: candidate, legacy: legacy, observer: observer}
	r.SetPercent(percent)
	return r
}

// SetPercent updates the rollout percentage.
func (r *Router) SetPercent(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	r.mu.Lock()
	r.percent = percent
	r.mu.Unlock()
}

// Percent returns the current rollout percentage.
func (r *Router) Percent() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.percent
}

// Feature returns the feature flag name this router controls.
func (r *Router) Feature() string { return r.feature }

// bucket returns the stable 0–99 bucket for a principal.
func (r *Router) bucket(principalID string) int {
	return int(xxhash.Sum64String(r.feature+":"+principalID) % 100)
}

// engineFor selects the back-end for a principal.
func (r *Router) engineFor(principalID string) Engine {
	r.mu.RLock()
	percent := r.percent
	r.mu.RUnlock()

	if percent > 0 && r.bucket(principalID) < percent {
		return r.candidate
	}
	return r.legacy
}

// Evaluate routes the evaluation and records which engine answered.
// The result schema is identical regardless of the back-end.
func (r *Router) Evaluate(ctx context.Context, input Input) (Result, error) {
	principalID, _ := input.User["id"].(string)
	engine := r.engineFor(principalID)

	res, err := engine.Evaluate(ctx, input)
	res.EngineID = engine.EngineID()
	if r.observer != nil {
		r.observer(engine.EngineID())
	}
	return res, err
}

// EngineID implements Engine.
func (r *Router) EngineID() string { return "router" }

// Healthy reports whether the engine currently serving the majority of
// traffic is healthy.
func (r *Router) Healthy(ctx context.Context) bool {
	r.mu.RLock()
	percent := r.percent
	r.mu.RUnlock()
	if percent >= 50 {
		return r.candidate.Healthy(ctx)
	}
	return r.legacy.Healthy(ctx)
}

// Compile-time check.
var _ Engine = (*Router)(nil)
