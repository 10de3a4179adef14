package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sark-gateway/sark/internal/adapter/protocol"
	"github.com/sark-gateway/sark/internal/domain/approval"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/registry"
)

// InvocationService runs the full invoke path: resolve the capability,
// evaluate enforcement, consume the approval when one is required, call
// the protocol adapter, then settle cost into the ledger.
type InvocationService struct {
	enforcer  *enforce.Pipeline
	catalog   *registry.Registry
	adapters  *protocol.Registry
	approvals *approval.Workflow
	budget    *budget.Tracker
	costs     *cost.Registry
	emitter   audit.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewInvocationService wires the invoke path.
func NewInvocationService(
	enforcer *enforce.Pipeline,
	catalog *registry.Registry,
	adapters *protocol.Registry,
	approvals *approval.Workflow,
	tracker *budget.Tracker,
	costs *cost.Registry,
	emitter audit.Emitter,
	logger *slog.Logger,
) *InvocationService {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &InvocationService{
		enforcer:  enforcer,
		catalog:   catalog,
		adapters:  adapters,
		approvals: approvals,
		budget:    tracker,
		costs:     costs,
		emitter:   emitter,
		logger:    logger,
		now:       time.Now,
	}
}

// InvokeRequest is one tool invocation as received from the inbound layer.
type InvokeRequest struct {
	RequestID  string
	Principal  authz.Principal
	ToolID     string
	Parameters map[string]any
	// ApprovalID references a granted approval; required when the
	// capability is marked requires_approval.
	ApprovalID string
	APIKey     string
	ClientIP   string
	// Context carries ambient attributes forwarded to the decision
	// pipeline (provider and model hints, override pin).
	Context map[string]any
}

// InvokeResponse bundles the decision with the downstream result. Result
// is nil when the request was denied or the approval gate blocked it.
type InvokeResponse struct {
	Decision authz.Decision             `json:"decision"`
	Result   *protocol.InvocationResult `json:"result,omitempty"`
	Cost     *cost.Estimate             `json:"cost,omitempty"`
	// Protocol names the adapter that served the call.
	Protocol string `json:"protocol,omitempty"`
}

// Invoke runs one tool call end to end. A deny is not an error: the
// response carries the decision and the caller maps it to a status.
// Errors cover lookup failures, approval gate violations, and adapter
// transport failures.
func (s *InvocationService) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	capRec, err := s.catalog.Capability(ctx, req.ToolID)
	if err != nil {
		return nil, err
	}
	srv, err := s.catalog.Get(ctx, capRec.ServerID)
	if err != nil {
		return nil, err
	}
	if srv.Status != registry.StatusActive {
		return nil, authz.NewError(authz.KindConflict,
			fmt.Sprintf("server %s is %s, not active", srv.ID, srv.Status))
	}

	decision := s.enforcer.Evaluate(ctx, authz.Request{
		RequestID:   req.RequestID,
		Principal:   req.Principal,
		Action:      "tool:invoke",
		ResourceID:  srv.ID,
		ToolName:    capRec.Name,
		Parameters:  req.Parameters,
		Context:     req.Context,
		Sensitivity: capRec.Sensitivity,
		APIKey:      req.APIKey,
		ClientIP:    req.ClientIP,
	})
	if !decision.Allow {
		return &InvokeResponse{Decision: decision}, nil
	}

	// Emergency and break-glass verdicts stand in for the human sign-off;
	// every other allow on an approval-gated capability must present a
	// granted, unexpired approval.
	if capRec.RequiresApproval &&
		decision.Source != authz.SourceEmergency && decision.Source != authz.SourceOverride {
		if err := s.useApproval(ctx, req.ApprovalID); err != nil {
			return nil, err
		}
	}

	params := req.Parameters
	if decision.FilteredParameters != nil {
		params = decision.FilteredParameters
	}

	costReq := cost.InvocationRequest{
		ToolName:   capRec.Name,
		Provider:   stringAttr(req.Context, "provider"),
		Model:      stringAttr(req.Context, "model"),
		Parameters: params,
	}
	estimate := s.costs.Estimate(ctx, costReq, req.Context)

	adapter, err := s.adapterFor(srv)
	if err != nil {
		return nil, err
	}

	start := s.now()
	result, err := adapter.Invoke(ctx, protocol.Invocation{
		Capability: capRec.Name,
		Parameters: params,
		RequestID:  req.RequestID,
	})
	if err != nil {
		if ctx.Err() != nil {
			// A cancelled call never reaches the ledger; the audit trail
			// still records that it was attempted.
			s.auditInvoked(req, capRec, srv, 0, "cancelled")
			return nil, fmt.Errorf("invocation cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("invoke %s via %s: %w", capRec.Name, adapter.ProtocolName(), err)
	}
	result.Duration = s.now().Sub(start)

	settled := s.settle(ctx, req, capRec, srv, costReq, estimate, result)

	outcome := "error"
	if result.Success {
		outcome = "success"
	}
	s.auditInvoked(req, capRec, srv, result.Duration, outcome)

	return &InvokeResponse{
		Decision: decision,
		Result:   &result,
		Cost:     &settled,
		Protocol: adapter.ProtocolName(),
	}, nil
}

// useApproval enforces the approval gate for one invocation.
func (s *InvocationService) useApproval(ctx context.Context, approvalID string) error {
	if approvalID == "" {
		return authz.NewError(authz.KindForbiddenPolicy, "capability requires an approval")
	}
	ok, err := s.approvals.Use(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("consume approval %s: %w", approvalID, err)
	}
	if !ok {
		return authz.NewError(authz.KindForbiddenPolicy,
			fmt.Sprintf("approval %s is not usable", approvalID))
	}
	return nil
}

// settle derives the final cost for a completed call and appends the
// ledger entry. The write survives a caller disconnect that lands after
// the downstream call finished.
func (s *InvocationService) settle(ctx context.Context, req InvokeRequest, capRec *registry.Capability, srv *registry.Server, costReq cost.InvocationRequest, estimate cost.Estimate, result protocol.InvocationResult) cost.Estimate {
	settled := estimate
	actual, ok := s.costs.Actual(ctx, costReq, cost.InvocationResult{
		Usage:         usageFrom(result.Metadata),
		ResponseBytes: resultBytes(result),
	}, req.Context)
	if ok {
		settled = actual
	}

	entry := budget.LedgerEntry{
		Timestamp:     s.now(),
		PrincipalID:   req.Principal.ID,
		ResourceID:    srv.ID,
		Provider:      settled.Provider,
		Model:         settled.Model,
		EstimatedCost: estimate.EstimatedCost,
		Currency:      settled.Currency,
		Metadata:      map[string]any{"tool": capRec.Name},
	}
	if ok {
		entry.ActualCost = settled.EstimatedCost
	}
	if err := s.budget.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("ledger write failed",
			"request_id", req.RequestID, "principal", req.Principal.ID, "error", err)
	}
	return settled
}

// adapterFor routes a server to its protocol adapter. Discovery tags each
// server with its protocol; untagged servers fall back to their transport.
func (s *InvocationService) adapterFor(srv *registry.Server) (protocol.Adapter, error) {
	for _, tag := range srv.Tags {
		if name, ok := strings.CutPrefix(tag, "protocol:"); ok {
			return s.adapters.Lookup(name)
		}
	}
	switch srv.Transport {
	case registry.TransportStdio:
		return s.adapters.Lookup("mcp")
	default:
		return s.adapters.Lookup(string(srv.Transport))
	}
}

func (s *InvocationService) auditInvoked(req InvokeRequest, capRec *registry.Capability, srv *registry.Server, d time.Duration, outcome string) {
	ev := audit.NewEvent(audit.EventToolInvoked, audit.SeverityLow, req.RequestID)
	ev.UserEmail = req.Principal.Email
	ev.ServerID = srv.ID
	ev.ToolName = capRec.Name
	ev.ClientIP = req.ClientIP
	ev.Details["outcome"] = outcome
	ev.Details["duration_ms"] = d.Milliseconds()
	s.emitter.Emit(ev)
}

// stringAttr reads an optional string attribute from the request context.
func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

// usageFrom extracts provider token usage from adapter result metadata.
func usageFrom(metadata map[string]any) map[string]int64 {
	raw, ok := metadata["usage"].(map[string]any)
	if !ok {
		return nil
	}
	usage := make(map[string]int64, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case int64:
			usage[k] = n
		case int:
			usage[k] = int64(n)
		case float64:
			usage[k] = int64(n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				usage[k] = i
			}
		}
	}
	if len(usage) == 0 {
		return nil
	}
	return usage
}

// resultBytes sizes the downstream response for the heuristic cost path.
func resultBytes(result protocol.InvocationResult) int {
	if result.Result == nil {
		return 0
	}
	b, err := json.Marshal(result.Result)
	if err != nil {
		return 0
	}
	return len(b)
}
