package cel

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/policy"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(slog.Default())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func baseDocs() []Document {
	return []Document{
		{
			ID:      "invoke-guard",
			Actions: []string{"tool:invoke"},
			Rules: []Rule{
				{
					ID:         "deny-critical-non-admin",
					Effect:     EffectDeny,
					Expression: `tool["sensitivity"] == "critical" && !("admin" in user["roles"])`,
					Reason:     "critical tools require the admin role",
				},
				{
					ID:         "allow-authenticated",
					Effect:     EffectAllow,
					Expression: `user["id"] != ""`,
					Reason:     "authenticated access permitted",
				},
			},
		},
	}
}

func invokeInput(roles []any, sensitivity string) policy.Input {
	return policy.Input{
		User:   map[string]any{"id": "u-1", "roles": roles},
		Action: "tool:invoke",
		Tool:   map[string]any{"sensitivity": sensitivity},
	}
}

func TestEngine_AllowAndDeny(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadDocuments(baseDocs()); err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}

	res, err := e.Evaluate(context.Background(), invokeInput([]any{"user"}, "low"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Allow {
		t.Errorf("expected allow, got deny: %s", res.Reason)
	}

	res, err = e.Evaluate(context.Background(), invokeInput([]any{"user"}, "critical"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Allow {
		t.Error("critical tool without admin role should deny")
	}
	if res.Reason != "critical tools require the admin role" {
		t.Errorf("reason = %q", res.Reason)
	}

	res, _ = e.Evaluate(context.Background(), invokeInput([]any{"admin"}, "critical"))
	if !res.Allow {
		t.Errorf("admin should pass the critical guard: %s", res.Reason)
	}
}

func TestEngine_PolicyNotFound(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadDocuments(baseDocs()); err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}

	res, err := e.Evaluate(context.Background(), policy.Input{
		User:   map[string]any{"id": "u-1"},
		Action: "server:decommission",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Allow {
		t.Error("unmatched action must fail closed")
	}
	if res.Reason != policy.ReasonNotFound {
		t.Errorf("reason = %q, want %q", res.Reason, policy.ReasonNotFound)
	}
}

func TestEngine_FailedLoadEmitsAuditEvent(t *testing.T) {
	rec := &recordingEmitter{}
	e, err := NewEngine(slog.Default(), WithEmitter(rec))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	bad := []Document{{
		ID: "broken", Actions: []string{"*"},
		Rules: []Rule{{ID: "r", Effect: EffectDeny, Expression: "((("}},
	}}
	if err := e.LoadDocuments(bad); err == nil {
		t.Fatal("expected compile error")
	}

	if len(rec.events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.EventType != audit.EventPolicyLoadFailed {
		t.Errorf("event type = %q, want %q", ev.EventType, audit.EventPolicyLoadFailed)
	}
	if ev.Severity != audit.SeverityHigh {
		t.Errorf("severity = %q, want %q", ev.Severity, audit.SeverityHigh)
	}
	if ev.Details["failed_policies"] != 1 {
		t.Errorf("failed_policies detail = %v, want 1", ev.Details["failed_policies"])
	}
}

type recordingEmitter struct {
	events []audit.Event
}

func (r *recordingEmitter) Emit(ev audit.Event) { r.events = append(r.events, ev) }

func TestEngine_PriorityOrder(t *testing.T) {
	e := newTestEngine(t)
	docs := []Document{
		{
			ID: "low", Actions: []string{"*"}, Priority: 1,
			Rules: []Rule{{ID: "allow", Effect: EffectAllow, Expression: "true", Reason: "low"}},
		},
		{
			ID: "high", Actions: []string{"*"}, Priority: 10,
			Rules: []Rule{{ID: "deny", Effect: EffectDeny, Expression: "true", Reason: "high"}},
		},
	}
	if err := e.LoadDocuments(docs); err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}

	res, _ := e.Evaluate(context.Background(), policy.Input{Action: "anything"})
	if res.Allow || res.Reason != "high" {
		t.Errorf("higher priority policy should win, got %+v", res)
	}
}

func TestEngine_CompileErrorRetainsPreviousSet(t *testing.T) {
	e := newTestEngine(t)
	if err := e.LoadDocuments(baseDocs()); err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}

	bad := []Document{{
		ID: "broken", Actions: []string{"*"},
		Rules: []Rule{{ID: "r", Effect: EffectDeny, Expression: "((("}},
	}}
	if err := e.LoadDocuments(bad); err == nil {
		t.Fatal("expected compile error")
	}
	if e.Healthy(context.Background()) {
		t.Error("engine should be unhealthy after a failed load")
	}

	// The previous set still answers.
	res, err := e.Evaluate(context.Background(), invokeInput([]any{"user"}, "low"))
	if err != nil {
		t.Fatalf("Evaluate after bad load: %v", err)
	}
	if !res.Allow {
		t.Error("previous good policy set should still serve")
	}
}

func TestEngine_ExpressionSafetyLimits(t *testing.T) {
	e := newTestEngine(t)

	long := make([]byte, maxExpressionLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := e.compile(string(long)); err == nil {
		t.Error("oversized expression should fail compilation")
	}
	if _, err := e.compile(""); err == nil {
		t.Error("empty expression should fail compilation")
	}
}

func TestEngine_LoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `
id: file-policy
actions: ["tool:invoke"]
rules:
  - id: allow-all
    effect: allow
    expression: "true"
    reason: "from file"
`
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Non-policy files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	res, _ := e.Evaluate(context.Background(), policy.Input{Action: "tool:invoke"})
	if !res.Allow || res.Reason != "from file" {
		t.Errorf("got %+v, want allow from file policy", res)
	}
}

func TestEngine_NoRuleMatchedDefaultDeny(t *testing.T) {
	e := newTestEngine(t)
	docs := []Document{{
		ID: "narrow", Actions: []string{"tool:invoke"},
		Rules: []Rule{{ID: "r", Effect: EffectAllow, Expression: `false`}},
	}}
	if err := e.LoadDocuments(docs); err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}

	res, _ := e.Evaluate(context.Background(), policy.Input{Action: "tool:invoke"})
	if res.Allow {
		t.Error("no firing rule should default deny")
	}
	if res.Reason != "no rule matched" {
		t.Errorf("reason = %q", res.Reason)
	}
}
