// Package enforce implements the authorization decision pipeline: cache
// lookup, governance predicates, budget and rate checks, and policy
// evaluation, in a fixed order where the first terminal verdict wins.
package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cache"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/governance"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

// PinContextKey is the request-context attribute carrying the break-glass
// pin presented by the client.
const PinContextKey = "break_glass_pin"

// defaultPolicyTimeout bounds one policy evaluation.
const defaultPolicyTimeout = 5 * time.Second

// RateLimits bundles the per-class limits consulted by the pipeline.
type RateLimits struct {
	APIKey ratelimit.Limit
	User   ratelimit.Limit
	IP     ratelimit.Limit
	// AdminBypass exempts principals with the admin role.
	AdminBypass bool
	// Enabled turns rate limiting off entirely when false.
	Enabled bool
}

// DefaultRateLimits returns the stock per-class limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		APIKey:  ratelimit.Limit{Max: ratelimit.DefaultAPIKeyLimit, Window: ratelimit.DefaultWindow},
		User:    ratelimit.Limit{Max: ratelimit.DefaultUserLimit, Window: ratelimit.DefaultWindow},
		IP:      ratelimit.Limit{Max: ratelimit.DefaultIPLimit, Window: ratelimit.DefaultWindow},
		Enabled: true,
	}
}

// Pipeline evaluates authorization requests. Construct with NewPipeline;
// all dependencies are required unless noted.
type Pipeline struct {
	cache      *cache.DecisionCache
	emergency  *governance.EmergencySwitch
	allowlist  *governance.Allowlist
	breakglass *governance.BreakGlass
	timeRules  *governance.TimeRuleSet
	budget     *budget.Tracker
	limiter    ratelimit.Limiter
	limits     RateLimits
	engine     policy.Engine
	costs      *cost.Registry
	emitter    audit.Emitter
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *Metrics

	policyTimeout time.Duration
	now           func() time.Time
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithPolicyTimeout overrides the policy evaluation deadline.
func WithPolicyTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.policyTimeout = d }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Cache      *cache.DecisionCache
	Emergency  *governance.EmergencySwitch
	Allowlist  *governance.Allowlist
	BreakGlass *governance.BreakGlass
	TimeRules  *governance.TimeRuleSet
	Budget     *budget.Tracker
	Limiter    ratelimit.Limiter
	Limits     RateLimits
	Engine     policy.Engine
	Costs      *cost.Registry
	Emitter    audit.Emitter
	Logger     *slog.Logger
}

// NewPipeline wires the decision pipeline.
func NewPipeline(deps Deps, opts ...Option) *Pipeline {
	emitter := deps.Emitter
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	p := &Pipeline{
		cache:         deps.Cache,
		emergency:     deps.Emergency,
		allowlist:     deps.Allowlist,
		breakglass:    deps.BreakGlass,
		timeRules:     deps.TimeRules,
		budget:        deps.Budget,
		limiter:       deps.Limiter,
		limits:        deps.Limits,
		engine:        deps.Engine,
		costs:         deps.Costs,
		emitter:       emitter,
		logger:        deps.Logger,
		tracer:        otel.Tracer("sark/enforce"),
		policyTimeout: defaultPolicyTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate runs the decision pipeline for one request. It never returns an
// error: every failure mode is a deny with source "error" and a stable
// error class as the reason.
func (p *Pipeline) Evaluate(ctx context.Context, req authz.Request) (decision authz.Decision) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "enforce.Evaluate",
		trace.WithAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.String("request.action", req.Action),
		))

	overridePending := false
	cacheKey := cache.Key(req.Principal.ID, req.Action, req.ResourceID, req.Context)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("enforcement pipeline panic",
				"request_id", req.RequestID, "panic", fmt.Sprint(r))
			decision = authz.Deny(authz.SourceError, "internal_error")
		}
		decision.Duration = p.now().Sub(start)

		if decision.Allow && overridePending {
			// The override is spent only when the overall verdict is allow.
			if p.breakglass.Consume(ctx, req.RequestID) {
				ev := audit.NewEvent(audit.EventOverrideConsumed, audit.SeverityHigh, req.RequestID)
				ev.UserEmail = req.Principal.Email
				p.emitter.Emit(ev)
			}
		}
		p.writeCache(cacheKey, req, decision)
		p.audit(req, decision)
		p.observe(decision)

		span.SetAttributes(
			attribute.Bool("decision.allow", decision.Allow),
			attribute.String("decision.source", string(decision.Source)),
			attribute.Bool("decision.cache_hit", decision.CacheHit),
		)
		span.End()
	}()

	// Cached decisions short-circuit everything. Emergency and override
	// verdicts are never written to the cache, so they are re-evaluated on
	// every request. A nil cache disables caching entirely.
	if p.cache != nil {
		if cached, ok := p.cache.Get(cacheKey); ok {
			cached.CacheHit = true
			return cached
		}
	}

	// 1. Emergency switch: absolute, skips every later stage.
	if p.emergency.Active() {
		return authz.Allow(authz.SourceEmergency, "emergency switch active")
	}

	// 2-3. Allowlist and break-glass override produce a provisional allow;
	// budget and rate are still consulted below.
	var provisional *authz.Decision
	if p.allowlist.Contains(req.Principal.ID, req.ClientIP) {
		d := authz.Allow(authz.SourceAllowlist, "identifier on allowlist")
		provisional = &d
	} else if pin := pinFrom(req); pin != "" && p.breakglass.Validate(ctx, req.RequestID, pin) {
		d := authz.Allow(authz.SourceOverride, "break-glass override")
		provisional = &d
		overridePending = true
	}

	// 4. Time rules, unless a governance allow already stands.
	if provisional == nil {
		match := p.timeRules.Evaluate(principalTags(req.Principal))
		if match.Matched {
			switch match.Rule.Action {
			case governance.TimeBlock:
				return authz.Deny(authz.SourceTime,
					fmt.Sprintf("blocked by time rule %q", match.Rule.Name))
			case governance.TimeAlert:
				ev := audit.NewEvent(audit.EventTimeRuleAlert, audit.SeverityHigh, req.RequestID)
				ev.UserEmail = req.Principal.Email
				ev.Details["rule"] = match.Rule.Name
				p.emitter.Emit(ev)
			}
		}
	}

	// 5. Budget. Store failures deny (fail closed) inside Check.
	estimate := p.costs.Estimate(ctx, cost.InvocationRequest{
		ToolName:   req.ToolName,
		Provider:   providerFrom(req),
		Model:      modelFrom(req),
		Parameters: req.Parameters,
	}, req.Context)
	if res := p.budget.Check(ctx, req.Principal.ID, estimate.EstimatedCost); !res.Allowed {
		return authz.Deny(authz.SourceBudget, res.Reason)
	}

	// 6. Rate limit. Backing-store failures fail open.
	if info, checked := p.checkRate(ctx, req); checked && !info.Allowed {
		d := authz.Deny(authz.SourceRate, "rate limit exceeded")
		d.RetryAfter = info.RetryAfter
		return d
	}

	if provisional != nil {
		return *provisional
	}

	// 7-8. Policy engine has the final word.
	evalCtx, cancel := context.WithTimeout(ctx, p.policyTimeout)
	defer cancel()
	result, err := p.engine.Evaluate(evalCtx, policyInput(req))
	if err != nil {
		p.logger.Error("policy evaluation failed",
			"request_id", req.RequestID, "error", err)
		return authz.Deny(authz.SourceError, "policy_evaluation_failed")
	}

	d := authz.Decision{
		Allow:              result.Allow,
		Reason:             result.Reason,
		Source:             authz.SourcePolicy,
		FilteredParameters: result.FilteredParameters,
		AuditID:            result.AuditID,
	}
	return d
}

// checkRate derives the identifier and class limit, then consults the
// limiter. The second return is false when the check was skipped.
func (p *Pipeline) checkRate(ctx context.Context, req authz.Request) (ratelimit.Info, bool) {
	if !p.limits.Enabled || p.limiter == nil {
		return ratelimit.Info{}, false
	}
	if p.limits.AdminBypass && req.Principal.IsAdmin() {
		return ratelimit.Unlimited(), true
	}

	identifier, limit := p.RateIdentity(req)
	info, err := p.limiter.Check(ctx, identifier, limit)
	if err != nil {
		// Fail open: a broken limiter must not take the gateway down.
		p.logger.Warn("rate limiter unavailable, failing open",
			"request_id", req.RequestID, "error", err)
		if p.metrics != nil {
			p.metrics.LimiterFailures.Inc()
		}
		return ratelimit.Info{}, false
	}
	return info, true
}

// RateIdentity derives the identifier string and class limit for a request:
// api key, then authenticated user, then client ip.
func (p *Pipeline) RateIdentity(req authz.Request) (string, ratelimit.Limit) {
	switch {
	case req.APIKey != "":
		return "api_key:" + req.APIKey, p.limits.APIKey
	case req.Principal.ID != "":
		return "user:" + req.Principal.ID, p.limits.User
	default:
		return "ip:" + req.ClientIP, p.limits.IP
	}
}

// writeCache stores the decision under the sensitivity TTL. Emergency and
// override verdicts are excluded so they are never served stale; rate
// denials self-correct as the window slides, and error denials are
// transient, so neither is cached.
func (p *Pipeline) writeCache(key string, req authz.Request, d authz.Decision) {
	if p.cache == nil || d.CacheHit {
		return
	}
	switch d.Source {
	case authz.SourceEmergency, authz.SourceOverride, authz.SourceRate, authz.SourceError:
		return
	}
	p.cache.Set(key, d, p.cache.TTLFor(req.Sensitivity))
}

// audit emits exactly one decision event per evaluation.
func (p *Pipeline) audit(req authz.Request, d authz.Decision) {
	kind := audit.EventAuthzAllowed
	severity := audit.SeverityLow
	verdict := "allow"
	if !d.Allow {
		kind = audit.EventAuthzDenied
		severity = audit.SeverityMedium
		verdict = "deny"
		// A deny because no policy covers the action means a coverage gap,
		// not an operator decision. Elevate so it pages.
		if d.Source == authz.SourcePolicy && d.Reason == policy.ReasonNotFound {
			kind = audit.EventPolicyMissing
			severity = audit.SeverityHigh
		}
	}

	ev := audit.NewEvent(kind, severity, req.RequestID)
	ev.UserEmail = req.Principal.Email
	ev.ServerID = req.ResourceID
	ev.ToolName = req.ToolName
	ev.Decision = verdict
	ev.ClientIP = req.ClientIP
	ev.Details["source"] = string(d.Source)
	ev.Details["reason"] = d.Reason
	ev.Details["duration_ms"] = d.Duration.Milliseconds()
	if d.CacheHit {
		ev.Details["cache_hit"] = true
	}
	p.emitter.Emit(ev)
}

func (p *Pipeline) observe(d authz.Decision) {
	if p.metrics == nil {
		return
	}
	verdict := "allow"
	if !d.Allow {
		verdict = "deny"
	}
	p.metrics.Decisions.WithLabelValues(string(d.Source), verdict).Inc()
	p.metrics.Duration.Observe(d.Duration.Seconds())
	if d.CacheHit {
		p.metrics.CacheHits.Inc()
	}
}

// pinFrom extracts the break-glass pin from the request context.
func pinFrom(req authz.Request) string {
	if req.Context == nil {
		return ""
	}
	if pin, ok := req.Context[PinContextKey].(string); ok {
		return pin
	}
	return ""
}

// providerFrom and modelFrom read optional cost hints from the request
// context.
func providerFrom(req authz.Request) string {
	if v, ok := req.Context["provider"].(string); ok {
		return v
	}
	return ""
}

func modelFrom(req authz.Request) string {
	if v, ok := req.Context["model"].(string); ok {
		return v
	}
	return ""
}

// principalTags collects the tags time rules match against.
func principalTags(pr authz.Principal) []string {
	tags := make([]string, 0, len(pr.Roles)+len(pr.Teams))
	tags = append(tags, pr.Roles...)
	tags = append(tags, pr.Teams...)
	return tags
}

// policyInput builds the engine input bundle from a request.
func policyInput(req authz.Request) policy.Input {
	return policy.Input{
		User: map[string]any{
			"id":           req.Principal.ID,
			"email":        req.Principal.Email,
			"roles":        req.Principal.Roles,
			"teams":        req.Principal.Teams,
			"mfa_verified": req.Principal.MFAVerified,
		},
		Action: req.Action,
		Tool: map[string]any{
			"name":        req.ToolName,
			"sensitivity": string(req.Sensitivity),
		},
		Server: map[string]any{
			"id": req.ResourceID,
		},
		Context: req.Context,
	}
}
