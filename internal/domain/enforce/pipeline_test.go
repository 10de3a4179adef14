package enforce_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	"github.com/sark-gateway/sark/internal/adapter/outbound/memory"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cache"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/governance"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubEngine struct {
	mu     sync.Mutex
	calls  int
	result policy.Result
	err    error
}

func (s *stubEngine) EngineID() string { return "stub" }

func (s *stubEngine) Healthy(context.Context) bool { return true }

func (s *stubEngine) Evaluate(_ context.Context, _ policy.Input) (policy.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *stubEngine) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubLimiter struct {
	mu    sync.Mutex
	calls int
	info  ratelimit.Info
	err   error
}

func (s *stubLimiter) Check(_ context.Context, _ string, limit ratelimit.Limit) (ratelimit.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.info, s.err
}

func (s *stubLimiter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordEmitter) Emit(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordEmitter) ofType(kind audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.EventType == kind {
			out = append(out, e)
		}
	}
	return out
}

type failingLedger struct{}

func (failingLedger) Append(context.Context, budget.LedgerEntry) error { return nil }

func (failingLedger) EntriesSince(context.Context, string, time.Time) ([]budget.LedgerEntry, error) {
	return nil, errors.New("ledger down")
}

type fixture struct {
	cache      *cache.DecisionCache
	emergency  *governance.EmergencySwitch
	allowlist  *governance.Allowlist
	breakglass *governance.BreakGlass
	rules      []governance.TimeRule
	ledger     budget.LedgerStore
	caps       budget.Caps
	engine     *stubEngine
	limiter    *stubLimiter
	emitter    *recordEmitter
	metrics    *enforce.Metrics
}

func newFixture() *fixture {
	return &fixture{
		cache:      cache.New(),
		emergency:  governance.NewEmergencySwitch(),
		allowlist:  governance.NewAllowlist(nil),
		breakglass: governance.NewBreakGlass(),
		ledger:     memory.NewLedgerStore(),
		engine:     &stubEngine{result: policy.Result{Allow: true, Reason: "policy allows"}},
		limiter:    &stubLimiter{info: ratelimit.Info{Allowed: true, Limit: 100, Remaining: 99}},
		emitter:    &recordEmitter{},
	}
}

func (f *fixture) build(t *testing.T) *enforce.Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timeRules, err := governance.NewTimeRuleSet(f.rules, time.UTC)
	if err != nil {
		t.Fatalf("time rules: %v", err)
	}
	tracker := budget.NewTracker(f.ledger, f.caps, time.UTC, logger)
	opts := []enforce.Option{}
	if f.metrics != nil {
		opts = append(opts, enforce.WithMetrics(f.metrics))
	}
	return enforce.NewPipeline(enforce.Deps{
		Cache:      f.cache,
		Emergency:  f.emergency,
		Allowlist:  f.allowlist,
		BreakGlass: f.breakglass,
		TimeRules:  timeRules,
		Budget:     tracker,
		Limiter:    f.limiter,
		Limits:     enforce.DefaultRateLimits(),
		Engine:     f.engine,
		Costs:      cost.NewRegistry(logger),
		Emitter:    f.emitter,
		Logger:     logger,
	}, opts...)
}

func baseRequest() authz.Request {
	return authz.Request{
		RequestID:   "req-1",
		Principal:   authz.Principal{ID: "user-1", Email: "dev@example.com", Roles: []string{"operator"}},
		Action:      "tool:invoke",
		ResourceID:  "srv-1",
		ToolName:    "search_documents",
		Sensitivity: authz.SensitivityMedium,
		APIKey:      "key-abc",
		ClientIP:    "10.0.0.1",
		Context:     map[string]any{"user_agent": "cli"},
	}
}

func TestEvaluate_PolicyAllowIsCached(t *testing.T) {
	f := newFixture()
	p := f.build(t)
	ctx := context.Background()

	first := p.Evaluate(ctx, baseRequest())
	if !first.Allow || first.Source != authz.SourcePolicy || first.CacheHit {
		t.Fatalf("first = %+v", first)
	}
	second := p.Evaluate(ctx, baseRequest())
	if !second.Allow || !second.CacheHit {
		t.Fatalf("second = %+v", second)
	}
	if got := f.engine.callCount(); got != 1 {
		t.Errorf("engine calls = %d, want 1", got)
	}
	// Cached decisions skip budget and rate checks entirely.
	if got := f.limiter.callCount(); got != 1 {
		t.Errorf("limiter calls = %d, want 1", got)
	}
}

func TestEvaluate_EmergencySkipsEveryStage(t *testing.T) {
	f := newFixture()
	f.engine.result = policy.Result{Allow: false, Reason: "policy denies"}
	f.limiter.info = ratelimit.Info{Allowed: false, RetryAfter: time.Minute}
	f.emergency.Set(true, "oncall", "incident 42")
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if !d.Allow || d.Source != authz.SourceEmergency {
		t.Fatalf("decision = %+v", d)
	}
	if f.engine.callCount() != 0 || f.limiter.callCount() != 0 {
		t.Errorf("emergency allow consulted later stages: engine=%d limiter=%d",
			f.engine.callCount(), f.limiter.callCount())
	}

	// Emergency verdicts are never cached: once the switch clears, the
	// policy engine decides again.
	f.emergency.Set(false, "oncall", "resolved")
	d = p.Evaluate(context.Background(), baseRequest())
	if d.Allow || d.Source != authz.SourcePolicy {
		t.Fatalf("post-emergency decision = %+v", d)
	}
	if f.engine.callCount() != 1 {
		t.Errorf("engine calls = %d, want 1", f.engine.callCount())
	}
}

func TestEvaluate_AllowlistStillConsultsBudgetAndRate(t *testing.T) {
	f := newFixture()
	f.allowlist.Add("user-1")
	f.engine.result = policy.Result{Allow: false, Reason: "policy denies"}
	f.caps = budget.Caps{DailyCap: decimal.NewFromInt(5)}
	store := memory.NewLedgerStore()
	if err := store.Append(context.Background(), budget.LedgerEntry{
		Timestamp:   time.Now().UTC(),
		PrincipalID: "user-1",
		ActualCost:  decimal.NewFromInt(10),
		Currency:    "USD",
	}); err != nil {
		t.Fatal(err)
	}
	f.ledger = store
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if d.Allow || d.Source != authz.SourceBudget {
		t.Fatalf("decision = %+v", d)
	}
	if !strings.Contains(d.Reason, "daily") {
		t.Errorf("reason = %q, should name the period", d.Reason)
	}
}

func TestEvaluate_AllowlistSkipsPolicyAndTimeRules(t *testing.T) {
	f := newFixture()
	f.allowlist.Add("user-1")
	f.engine.result = policy.Result{Allow: false, Reason: "policy denies"}
	f.rules = []governance.TimeRule{{
		Name: "always-blocked", Start: "00:00", End: "23:59", Action: governance.TimeBlock,
	}}
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if !d.Allow || d.Source != authz.SourceAllowlist {
		t.Fatalf("decision = %+v", d)
	}
	if f.engine.callCount() != 0 {
		t.Errorf("engine consulted despite allowlist allow")
	}
	if f.limiter.callCount() != 1 {
		t.Errorf("limiter calls = %d, want 1", f.limiter.callCount())
	}
}

func TestEvaluate_OverrideConsumedOnlyOnAllow(t *testing.T) {
	f := newFixture()
	f.engine.result = policy.Result{Allow: false, Reason: "policy denies"}
	p := f.build(t)
	ctx := context.Background()

	if _, err := f.breakglass.Grant(ctx, "req-1", "9137", "oncall", time.Hour); err != nil {
		t.Fatal(err)
	}
	req := baseRequest()
	req.Context[enforce.PinContextKey] = "9137"

	first := p.Evaluate(ctx, req)
	if !first.Allow || first.Source != authz.SourceOverride {
		t.Fatalf("first = %+v", first)
	}
	if got := f.emitter.ofType(audit.EventOverrideConsumed); len(got) != 1 {
		t.Fatalf("override consumed events = %d, want 1", len(got))
	}

	// The grant is one-shot: the same request now falls through to policy,
	// and the override verdict was never cached.
	second := p.Evaluate(ctx, req)
	if second.Allow || second.Source != authz.SourcePolicy {
		t.Fatalf("second = %+v", second)
	}
}

func TestEvaluate_OverrideSurvivesDeniedRequest(t *testing.T) {
	f := newFixture()
	f.caps = budget.Caps{DailyCap: decimal.NewFromInt(5)}
	store := memory.NewLedgerStore()
	if err := store.Append(context.Background(), budget.LedgerEntry{
		Timestamp:   time.Now().UTC(),
		PrincipalID: "user-1",
		ActualCost:  decimal.NewFromInt(10),
		Currency:    "USD",
	}); err != nil {
		t.Fatal(err)
	}
	f.ledger = store
	p := f.build(t)
	ctx := context.Background()

	if _, err := f.breakglass.Grant(ctx, "req-1", "9137", "oncall", time.Hour); err != nil {
		t.Fatal(err)
	}
	req := baseRequest()
	req.Context[enforce.PinContextKey] = "9137"

	d := p.Evaluate(ctx, req)
	if d.Allow || d.Source != authz.SourceBudget {
		t.Fatalf("decision = %+v", d)
	}
	if !f.breakglass.Validate(ctx, "req-1", "9137") {
		t.Error("override was consumed by a denied request")
	}
}

func TestEvaluate_TimeRuleBlocks(t *testing.T) {
	f := newFixture()
	f.rules = []governance.TimeRule{{
		Name:      "contractor-hours",
		Start:     "00:00",
		End:       "23:59",
		AppliesTo: []string{"contractor"},
		Action:    governance.TimeBlock,
	}}
	p := f.build(t)

	req := baseRequest()
	req.Principal.ID = "contractor-1"
	req.Principal.Roles = []string{"contractor"}
	d := p.Evaluate(context.Background(), req)
	if d.Allow || d.Source != authz.SourceTime {
		t.Fatalf("decision = %+v", d)
	}
	if !strings.Contains(d.Reason, "contractor-hours") {
		t.Errorf("reason = %q, should name the rule", d.Reason)
	}

	// Untagged principals are unaffected.
	d = p.Evaluate(context.Background(), baseRequest())
	if !d.Allow {
		t.Errorf("untagged principal denied: %+v", d)
	}
}

func TestEvaluate_TimeRuleAlertAllowsWithEvent(t *testing.T) {
	f := newFixture()
	f.rules = []governance.TimeRule{{
		Name: "after-hours-watch", Start: "00:00", End: "23:59", Action: governance.TimeAlert,
	}}
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if !d.Allow || d.Source != authz.SourcePolicy {
		t.Fatalf("decision = %+v", d)
	}
	alerts := f.emitter.ofType(audit.EventTimeRuleAlert)
	if len(alerts) != 1 || alerts[0].Details["rule"] != "after-hours-watch" {
		t.Errorf("alerts = %+v", alerts)
	}
	if got := f.emitter.ofType(audit.EventAuthzAllowed); len(got) != 1 {
		t.Errorf("allowed events = %d, want 1", len(got))
	}
}

func TestEvaluate_BudgetFailsClosed(t *testing.T) {
	f := newFixture()
	f.caps = budget.Caps{DailyCap: decimal.NewFromInt(5)}
	f.ledger = failingLedger{}
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if d.Allow || d.Source != authz.SourceBudget {
		t.Fatalf("decision = %+v", d)
	}
	if d.Reason != "budget service unavailable" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestEvaluate_RateDenialCarriesRetryAfter(t *testing.T) {
	f := newFixture()
	f.limiter.info = ratelimit.Info{Allowed: false, Limit: 100, RetryAfter: 30 * time.Second}
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if d.Allow || d.Source != authz.SourceRate {
		t.Fatalf("decision = %+v", d)
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v", d.RetryAfter)
	}

	// Rate denials are not cached: the window slides, so every request is
	// re-counted.
	p.Evaluate(context.Background(), baseRequest())
	if got := f.limiter.callCount(); got != 2 {
		t.Errorf("limiter calls = %d, want 2", got)
	}
}

func TestEvaluate_RateLimiterErrorFailsOpen(t *testing.T) {
	f := newFixture()
	f.limiter.err = errors.New("redis down")
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if !d.Allow || d.Source != authz.SourcePolicy {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEvaluate_AdminBypassesRateLimit(t *testing.T) {
	f := newFixture()
	f.limiter.info = ratelimit.Info{Allowed: false, RetryAfter: time.Minute}
	p := f.build(t)

	req := baseRequest()
	req.Principal.Roles = []string{"admin"}
	p.Evaluate(context.Background(), req)
	if got := f.limiter.callCount(); got != 0 {
		t.Errorf("limiter consulted for admin: %d calls", got)
	}
}

func TestEvaluate_PolicyErrorDeniesWithErrorClass(t *testing.T) {
	f := newFixture()
	f.engine.err = errors.New("cel: no such attribute")
	p := f.build(t)
	ctx := context.Background()

	d := p.Evaluate(ctx, baseRequest())
	if d.Allow || d.Source != authz.SourceError {
		t.Fatalf("decision = %+v", d)
	}
	if d.Reason != "policy_evaluation_failed" {
		t.Errorf("reason = %q, must be the stable error class", d.Reason)
	}

	// Error denials are transient and never cached.
	p.Evaluate(ctx, baseRequest())
	if got := f.engine.callCount(); got != 2 {
		t.Errorf("engine calls = %d, want 2", got)
	}
}

func TestEvaluate_MissingPolicyAuditsHighSeverity(t *testing.T) {
	f := newFixture()
	f.engine.result = policy.Result{Allow: false, Reason: policy.ReasonNotFound}
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if d.Allow || d.Source != authz.SourcePolicy {
		t.Fatalf("decision = %+v", d)
	}

	missing := f.emitter.ofType(audit.EventPolicyMissing)
	if len(missing) != 1 {
		t.Fatalf("policy_missing events = %d, want 1", len(missing))
	}
	ev := missing[0]
	if ev.Severity != audit.SeverityHigh {
		t.Errorf("severity = %q, want %q", ev.Severity, audit.SeverityHigh)
	}
	if ev.Decision != "deny" || ev.RequestID != "req-1" {
		t.Errorf("event = %+v, want deny for req-1", ev)
	}
	// The elevated kind replaces the plain denial, keeping one event per
	// evaluation.
	if n := len(f.emitter.ofType(audit.EventAuthzDenied)); n != 0 {
		t.Errorf("authorization_denied events = %d, want 0", n)
	}
}

func TestEvaluate_PolicyDenyPropagatesFilteredParameters(t *testing.T) {
	f := newFixture()
	f.engine.result = policy.Result{
		Allow:              true,
		Reason:             "allowed with redaction",
		FilteredParameters: map[string]any{"query": "[redacted]"},
		AuditID:            "eval-77",
	}
	p := f.build(t)

	d := p.Evaluate(context.Background(), baseRequest())
	if !d.Allow || d.FilteredParameters["query"] != "[redacted]" || d.AuditID != "eval-77" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestRateIdentity(t *testing.T) {
	p := newFixture().build(t)

	tests := []struct {
		name   string
		mutate func(*authz.Request)
		wantID string
		want   int
	}{
		{
			name:   "api key wins",
			mutate: func(r *authz.Request) {},
			wantID: "api_key:key-abc",
			want:   ratelimit.DefaultAPIKeyLimit,
		},
		{
			name:   "user without key",
			mutate: func(r *authz.Request) { r.APIKey = "" },
			wantID: "user:user-1",
			want:   ratelimit.DefaultUserLimit,
		},
		{
			name: "anonymous falls back to ip",
			mutate: func(r *authz.Request) {
				r.APIKey = ""
				r.Principal.ID = ""
			},
			wantID: "ip:10.0.0.1",
			want:   ratelimit.DefaultIPLimit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			id, limit := p.RateIdentity(req)
			if id != tt.wantID || limit.Max != tt.want {
				t.Errorf("identity = %q limit = %d, want %q %d", id, limit.Max, tt.wantID, tt.want)
			}
		})
	}
}

func TestEvaluate_EmitsOneAuditEventPerDecision(t *testing.T) {
	f := newFixture()
	p := f.build(t)
	ctx := context.Background()

	p.Evaluate(ctx, baseRequest())
	p.Evaluate(ctx, baseRequest()) // cache hit

	allowed := f.emitter.ofType(audit.EventAuthzAllowed)
	if len(allowed) != 2 {
		t.Fatalf("allowed events = %d, want 2", len(allowed))
	}
	if allowed[0].Details["cache_hit"] != nil {
		t.Errorf("first event marked as cache hit: %+v", allowed[0].Details)
	}
	if allowed[1].Details["cache_hit"] != true {
		t.Errorf("second event missing cache_hit: %+v", allowed[1].Details)
	}
	if allowed[0].ToolName != "search_documents" || allowed[0].Decision != "allow" {
		t.Errorf("event fields = %+v", allowed[0])
	}
}

func TestEvaluate_RecordsMetrics(t *testing.T) {
	f := newFixture()
	f.metrics = enforce.NewMetrics(prometheus.NewRegistry())
	p := f.build(t)
	ctx := context.Background()

	p.Evaluate(ctx, baseRequest())
	p.Evaluate(ctx, baseRequest())

	if got := testutil.ToFloat64(f.metrics.CacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("policy", "allow")); got != 2 {
		t.Errorf("policy allows = %v, want 2", got)
	}
}
