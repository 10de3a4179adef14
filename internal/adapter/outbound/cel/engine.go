// Package cel provides the embedded policy back-end: declarative policy
// documents with CEL rule expressions, pre-compiled from a watched directory.
package cel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/policy"
)

// maxExpressionLength caps CEL expression size to bound compile cost.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit against cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth caps parenthesis/bracket nesting in expressions.
const maxNestingDepth = 50

// interruptCheckFreq is how often (in comprehension iterations) the program
// checks context cancellation.
const interruptCheckFreq = 100

// Effect is a rule's verdict when its expression matches.
type Effect string

// Rule effects.
const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is one CEL-guarded verdict inside a policy document.
type Rule struct {
	ID         string `yaml:"id"`
	Effect     Effect `yaml:"effect"`
	Expression string `yaml:"expression"`
	Reason     string `yaml:"reason"`
}

// Document is one declarative policy: an action matcher plus ordered rules.
type Document struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	// Actions lists the request actions the policy applies to; "*" matches all.
	Actions  []string `yaml:"actions"`
	Priority int      `yaml:"priority"`
	Severity string   `yaml:"severity"`
	Rules    []Rule   `yaml:"rules"`
}

// compiledRule pairs a rule with its compiled CEL program.
type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// compiledPolicy is a document with all rules compiled.
type compiledPolicy struct {
	doc   Document
	rules []compiledRule
}

// compiledSet is an immutable snapshot of all loaded policies, swapped
// atomically on reload so evaluation never sees a partial load.
type compiledSet struct {
	policies []compiledPolicy // sorted by priority, highest first
	loadedAt time.Time
}

// Engine is the embedded policy evaluator.
type Engine struct {
	env     *cel.Env
	set     atomic.Pointer[compiledSet]
	logger  *slog.Logger
	emitter audit.Emitter
	healthy atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter routes load-failure audit events through em. Without it the
// engine only logs load failures.
func WithEmitter(em audit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// NewEngine creates an embedded engine with an empty policy set.
func NewEngine(logger *slog.Logger, opts ...Option) (*Engine, error) {
	env, err := newPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create policy environment: %w", err)
	}
	e := &Engine{env: env, logger: logger, emitter: audit.NopEmitter{}}
	for _, opt := range opts {
		opt(e)
	}
	e.set.Store(&compiledSet{loadedAt: time.Now()})
	e.healthy.Store(true)
	return e, nil
}

// newPolicyEnvironment declares the variables visible to policy expressions.
// Shape mirrors the policy.Input bundle.
func newPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("tool", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("server", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// EngineID implements policy.Engine.
func (e *Engine) EngineID() string { return "embedded" }

// Healthy reports whether the last load succeeded.
func (e *Engine) Healthy(_ context.Context) bool { return e.healthy.Load() }

// LoadDocuments compiles and installs a new policy set. On any compilation
// error the previous good set is retained, the engine is marked unhealthy,
// and the error is returned; the running service keeps answering from the
// old set.
func (e *Engine) LoadDocuments(docs []Document) error {
	compiled := make([]compiledPolicy, 0, len(docs))
	var errs []error

	for _, doc := range docs {
		cp := compiledPolicy{doc: doc}
		ok := true
		for _, rule := range doc.Rules {
			prg, err := e.compile(rule.Expression)
			if err != nil {
				errs = append(errs, fmt.Errorf("policy %s rule %s: %w", doc.ID, rule.ID, err))
				ok = false
				break
			}
			cp.rules = append(cp.rules, compiledRule{rule: rule, prg: prg})
		}
		if ok {
			compiled = append(compiled, cp)
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.healthy.Store(false)
		e.logger.Error("policy compilation failed, retaining previous set",
			"failed", len(errs), "error", err)
		ev := audit.NewEvent(audit.EventPolicyLoadFailed, audit.SeverityHigh, "")
		ev.Details["failed_policies"] = len(errs)
		ev.Details["error"] = err.Error()
		e.emitter.Emit(ev)
		return err
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].doc.Priority > compiled[j].doc.Priority
	})
	e.set.Store(&compiledSet{policies: compiled, loadedAt: time.Now()})
	e.healthy.Store(true)
	e.logger.Info("policy set loaded", "policies", len(compiled))
	return nil
}

// compile parses, checks, and plans one rule expression with safety limits.
func (e *Engine) compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)",
			len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting bounds parenthesis/bracket/brace nesting depth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Evaluate implements policy.Engine. Policies matching the action are
// consulted in priority order; within a policy, the first rule whose
// expression evaluates true dictates the verdict. No matching policy fails
// closed with reason "policy not found".
func (e *Engine) Evaluate(ctx context.Context, input policy.Input) (policy.Result, error) {
	set := e.set.Load()
	activation := map[string]any{
		"user":    nonNilMap(input.User),
		"action":  input.Action,
		"tool":    nonNilMap(input.Tool),
		"server":  nonNilMap(input.Server),
		"context": nonNilMap(input.Context),
	}

	matched := false
	for _, cp := range set.policies {
		if !matchesAction(cp.doc.Actions, input.Action) {
			continue
		}
		matched = true
		for _, cr := range cp.rules {
			hit, err := e.run(ctx, cr.prg, activation)
			if err != nil {
				// A broken rule must not grant access: skip it and continue,
				// leaving the verdict to the remaining rules.
				e.logger.Warn("rule evaluation failed",
					"policy", cp.doc.ID, "rule", cr.rule.ID, "error", err)
				continue
			}
			if !hit {
				continue
			}
			reason := cr.rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("policy %s rule %s matched", cp.doc.ID, cr.rule.ID)
			}
			return policy.Result{
				Allow:   cr.rule.Effect == EffectAllow,
				Reason:  reason,
				AuditID: cp.doc.ID + "/" + cr.rule.ID,
			}, nil
		}
	}

	if !matched {
		return policy.Result{Allow: false, Reason: policy.ReasonNotFound}, nil
	}
	// Policies matched the action but no rule fired: default deny.
	return policy.Result{Allow: false, Reason: "no rule matched"}, nil
}

// run evaluates one compiled program under the request context.
func (e *Engine) run(ctx context.Context, prg cel.Program, activation map[string]any) (bool, error) {
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", out.Value())
	}
	return b, nil
}

func matchesAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Compile-time check.
var _ policy.Engine = (*Engine)(nil)
