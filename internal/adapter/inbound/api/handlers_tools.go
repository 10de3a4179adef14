package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/service"
)

// BreakGlassPinHeader presents a break-glass PIN on an invocation.
const BreakGlassPinHeader = "X-Break-Glass-Pin"

// handleListTools lists every capability in the catalog.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	caps, err := s.catalog.AllCapabilities(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": caps})
}

// handleGetSensitivity returns one capability's classification, including
// any human override.
func (s *Server) handleGetSensitivity(w http.ResponseWriter, r *http.Request) {
	capRec, err := s.catalog.Capability(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                   capRec.ID,
		"name":                 capRec.Name,
		"sensitivity":          capRec.Sensitivity,
		"requires_approval":    capRec.RequiresApproval,
		"sensitivity_override": capRec.Override,
	})
}

// handlePatchSensitivity records a human reclassification.
func (s *Server) handlePatchSensitivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sensitivity authz.Sensitivity `json:"sensitivity"`
		Reason      string            `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Reason == "" {
		writeKindError(w, authz.KindValidation, "reason is required")
		return
	}
	reviewer := principalFrom(r.Context()).Email
	capRec, err := s.catalog.OverrideSensitivity(r.Context(), mux.Vars(r)["id"], body.Sensitivity, reviewer, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capRec)
}

// handleInvoke runs one tool call through enforcement and the protocol
// adapter. Policy denials are 403 with the decision attached; rate
// denials are 429 with Retry-After.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolID     string         `json:"tool_id"`
		Arguments  map[string]any `json:"arguments"`
		ApprovalID string         `json:"approval_id"`
		Context    map[string]any `json:"context"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ToolID == "" {
		writeKindError(w, authz.KindValidation, "tool_id is required")
		return
	}

	reqCtx := make(map[string]any, len(body.Context)+1)
	for k, v := range body.Context {
		reqCtx[k] = v
	}
	if pin := r.Header.Get(BreakGlassPinHeader); pin != "" {
		reqCtx[enforce.PinContextKey] = pin
	}

	resp, err := s.invoker.Invoke(r.Context(), service.InvokeRequest{
		RequestID:  requestIDFrom(r.Context()),
		Principal:  principalFrom(r.Context()),
		ToolID:     body.ToolID,
		Parameters: body.Arguments,
		ApprovalID: body.ApprovalID,
		APIKey:     r.Header.Get("X-API-Key"),
		ClientIP:   ratelimit.ClientIP(r),
		Context:    reqCtx,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !resp.Decision.Allow {
		if resp.Decision.RetryAfter > 0 {
			w.Header().Set("Retry-After",
				strconv.Itoa(int(resp.Decision.RetryAfter.Seconds()+0.5)))
		}
		writeJSON(w, statusFor(denyKind(resp.Decision.Source)), map[string]any{
			"error":    string(denyKind(resp.Decision.Source)),
			"reason":   resp.Decision.Reason,
			"decision": resp.Decision,
		})
		return
	}
	if s.stats != nil {
		s.stats.RecordProtocol(resp.Protocol)
	}
	writeJSON(w, http.StatusOK, resp)
}

// denyKind maps a decision source to the error taxonomy for the HTTP
// status. Everything not budget, time, or rate renders as a policy
// denial; internal faults deny fail-closed and are still a 403, never a
// 5xx.
func denyKind(source authz.DecisionSource) authz.ErrorKind {
	switch source {
	case authz.SourceBudget:
		return authz.KindForbiddenBudget
	case authz.SourceTime:
		return authz.KindForbiddenTime
	case authz.SourceRate:
		return authz.KindRateLimited
	default:
		return authz.KindForbiddenPolicy
	}
}
