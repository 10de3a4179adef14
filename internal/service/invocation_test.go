package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sark-gateway/sark/internal/adapter/outbound/memory"
	"github.com/sark-gateway/sark/internal/adapter/protocol"
	"github.com/sark-gateway/sark/internal/domain/approval"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cache"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/governance"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/domain/registry"
)

type policyEngineStub struct {
	result policy.Result
}

func (e *policyEngineStub) EngineID() string             { return "stub" }
func (e *policyEngineStub) Healthy(context.Context) bool { return true }
func (e *policyEngineStub) Evaluate(context.Context, policy.Input) (policy.Result, error) {
	return e.result, nil
}

type allowAllLimiter struct{}

func (allowAllLimiter) Check(context.Context, string, ratelimit.Limit) (ratelimit.Info, error) {
	return ratelimit.Info{Allowed: true, Limit: 100, Remaining: 99}, nil
}

type invokeFixture struct {
	svc       *InvocationService
	catalog   *registry.Registry
	approvals *approval.Workflow
	tracker   *budget.Tracker
	adapter   *stubProtoAdapter
	emitter   *captureEmitter
	engine    *policyEngineStub
	serverID  string
	tools     map[string]string // tool name -> capability id
}

// newInvokeFixture stands up the invoke path against an in-memory catalog
// with one active stdio server exposing an ordinary and an approval-gated
// tool.
func newInvokeFixture(t *testing.T) *invokeFixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	f := &invokeFixture{
		emitter: &captureEmitter{},
		engine:  &policyEngineStub{result: policy.Result{Allow: true, Reason: "policy allows"}},
		adapter: &stubProtoAdapter{
			name:   "mcp",
			result: protocol.InvocationResult{Success: true, Result: map[string]any{"echoed": "ok"}},
		},
		tools: map[string]string{},
	}

	timeRules, err := governance.NewTimeRuleSet(nil, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	f.tracker = budget.NewTracker(memory.NewLedgerStore(), budget.Caps{}, time.UTC, logger)
	costs := cost.NewRegistry(logger)
	pipeline := enforce.NewPipeline(enforce.Deps{
		Cache:      cache.New(),
		Emergency:  governance.NewEmergencySwitch(),
		Allowlist:  governance.NewAllowlist(nil),
		BreakGlass: governance.NewBreakGlass(),
		TimeRules:  timeRules,
		Budget:     f.tracker,
		Limiter:    allowAllLimiter{},
		Limits:     enforce.DefaultRateLimits(),
		Engine:     f.engine,
		Costs:      costs,
		Emitter:    f.emitter,
		Logger:     logger,
	})

	f.catalog = registry.NewRegistry(memory.NewRegistryStore(), nil, logger)
	srv, err := f.catalog.Register(ctx, registry.Spec{
		Name:      "vault",
		Transport: registry.TransportStdio,
		OwnerID:   "owner-1",
		Tools: []registry.CapabilitySpec{
			{Name: "echo_message", Description: "Echo a message back"},
			{Name: "delete_credential", Description: "Delete a stored credential"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.serverID = srv.ID
	if _, err := f.catalog.UpdateStatus(ctx, srv.ID, registry.StatusActive); err != nil {
		t.Fatal(err)
	}
	caps, err := f.catalog.Capabilities(ctx, srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range caps {
		f.tools[c.Name] = c.ID
	}

	adapters := protocol.NewRegistry()
	adapters.Register(f.adapter)
	f.approvals = approval.NewWorkflow(memory.NewApprovalStore(), nil, logger)
	f.svc = NewInvocationService(pipeline, f.catalog, adapters, f.approvals,
		f.tracker, costs, f.emitter, logger)
	return f
}

func (f *invokeFixture) ledgerCount(t *testing.T, principalID string) int {
	t.Helper()
	agg, err := f.tracker.AggregateFor(context.Background(), principalID, budget.PeriodDaily)
	if err != nil {
		t.Fatal(err)
	}
	return agg.Count
}

func TestInvoke_PolicyAllow(t *testing.T) {
	f := newInvokeFixture(t)

	resp, err := f.svc.Invoke(context.Background(), InvokeRequest{
		RequestID:  "req-1",
		Principal:  authz.Principal{ID: "u1", Email: "u1@example.com"},
		ToolID:     f.tools["echo_message"],
		Parameters: map[string]any{"message": "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Decision.Allow || resp.Decision.Source != authz.SourcePolicy {
		t.Fatalf("decision = %+v", resp.Decision)
	}
	if resp.Result == nil || !resp.Result.Success {
		t.Fatalf("result = %+v", resp.Result)
	}

	invs := f.adapter.invoked()
	if len(invs) != 1 || invs[0].Capability != "echo_message" {
		t.Fatalf("adapter invocations = %+v", invs)
	}
	if invs[0].Parameters["message"] != "hi" {
		t.Errorf("parameters = %v", invs[0].Parameters)
	}

	if got := f.ledgerCount(t, "u1"); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
	events := f.emitter.ofType(audit.EventToolInvoked)
	if len(events) != 1 || events[0].Details["outcome"] != "success" {
		t.Errorf("tool invoked events = %+v", events)
	}
}

func TestInvoke_DenyReturnsDecisionOnly(t *testing.T) {
	f := newInvokeFixture(t)
	f.engine.result = policy.Result{Allow: false, Reason: "blocked by policy"}

	resp, err := f.svc.Invoke(context.Background(), InvokeRequest{
		RequestID: "req-2",
		Principal: authz.Principal{ID: "u2"},
		ToolID:    f.tools["echo_message"],
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision.Allow {
		t.Fatal("expected deny")
	}
	if resp.Result != nil {
		t.Errorf("result = %+v, want nil on deny", resp.Result)
	}
	if len(f.adapter.invoked()) != 0 {
		t.Error("adapter called despite deny")
	}
	if got := f.ledgerCount(t, "u2"); got != 0 {
		t.Errorf("ledger entries = %d, want 0", got)
	}
}

func TestInvoke_FilteredParametersReachAdapter(t *testing.T) {
	f := newInvokeFixture(t)
	f.engine.result = policy.Result{
		Allow:              true,
		Reason:             "redacted",
		FilteredParameters: map[string]any{"message": "[redacted]"},
	}

	_, err := f.svc.Invoke(context.Background(), InvokeRequest{
		RequestID:  "req-3",
		Principal:  authz.Principal{ID: "u3"},
		ToolID:     f.tools["echo_message"],
		Parameters: map[string]any{"message": "secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	invs := f.adapter.invoked()
	if len(invs) != 1 || invs[0].Parameters["message"] != "[redacted]" {
		t.Fatalf("adapter invocations = %+v", invs)
	}
}

func TestInvoke_ApprovalGate(t *testing.T) {
	f := newInvokeFixture(t)
	ctx := context.Background()
	toolID := f.tools["delete_credential"]

	req := InvokeRequest{
		RequestID: "req-4",
		Principal: authz.Principal{ID: "u4"},
		ToolID:    toolID,
	}
	_, err := f.svc.Invoke(ctx, req)
	if authz.KindOf(err) != authz.KindForbiddenPolicy {
		t.Fatalf("missing approval err = %v", err)
	}
	if len(f.adapter.invoked()) != 0 {
		t.Fatal("adapter called without approval")
	}

	granted, err := f.approvals.RequestApproval(ctx, "u4", toolID, "credential cleanup", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.approvals.Decide(ctx, granted.ID, "reviewer-1", approval.VerdictApprove, ""); err != nil {
		t.Fatal(err)
	}

	req.ApprovalID = granted.ID
	resp, err := f.svc.Invoke(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result == nil || !resp.Result.Success {
		t.Fatalf("result = %+v", resp.Result)
	}
	used, err := f.approvals.Get(ctx, granted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !used.Used {
		t.Error("approval not marked used")
	}
}

func TestInvoke_InactiveServer(t *testing.T) {
	f := newInvokeFixture(t)
	ctx := context.Background()
	if _, err := f.catalog.UpdateStatus(ctx, f.serverID, registry.StatusInactive); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Invoke(ctx, InvokeRequest{
		RequestID: "req-5",
		Principal: authz.Principal{ID: "u5"},
		ToolID:    f.tools["echo_message"],
	})
	if authz.KindOf(err) != authz.KindConflict {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestInvoke_CancellationSkipsLedger(t *testing.T) {
	f := newInvokeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Invoke(ctx, InvokeRequest{
		RequestID: "req-6",
		Principal: authz.Principal{ID: "u6"},
		ToolID:    f.tools["echo_message"],
	})
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if got := f.ledgerCount(t, "u6"); got != 0 {
		t.Errorf("ledger entries = %d, want 0 after cancellation", got)
	}
	events := f.emitter.ofType(audit.EventToolInvoked)
	if len(events) != 1 || events[0].Details["outcome"] != "cancelled" {
		t.Errorf("tool invoked events = %+v", events)
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	f := newInvokeFixture(t)
	_, err := f.svc.Invoke(context.Background(), InvokeRequest{
		RequestID: "req-7",
		Principal: authz.Principal{ID: "u7"},
		ToolID:    "no-such-tool",
	})
	if authz.KindOf(err) != authz.KindNotFound {
		t.Errorf("err = %v, want not found", err)
	}
}
