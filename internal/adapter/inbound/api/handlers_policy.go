package api

import (
	"net/http"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
)

// handlePolicyEvaluate runs the decision pipeline without invoking
// anything. The decision is always a 200; callers inspect allow.
// dry_run drops any presented break-glass PIN so evaluation cannot spend
// an override.
func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action     string         `json:"action"`
		ResourceID string         `json:"resource_id"`
		ToolID     string         `json:"tool_id"`
		Parameters map[string]any `json:"parameters"`
		Context    map[string]any `json:"context"`
		DryRun     bool           `json:"dry_run"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Action == "" {
		writeKindError(w, authz.KindValidation, "action is required")
		return
	}

	req := authz.Request{
		RequestID:   requestIDFrom(r.Context()),
		Principal:   principalFrom(r.Context()),
		Action:      body.Action,
		ResourceID:  body.ResourceID,
		Parameters:  body.Parameters,
		Context:     body.Context,
		Sensitivity: authz.SensitivityMedium,
		APIKey:      r.Header.Get("X-API-Key"),
		ClientIP:    ratelimit.ClientIP(r),
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	if body.DryRun {
		delete(req.Context, enforce.PinContextKey)
	} else if pin := r.Header.Get(BreakGlassPinHeader); pin != "" {
		req.Context[enforce.PinContextKey] = pin
	}

	// A tool reference pins the sensitivity and resource to the catalog
	// record.
	if body.ToolID != "" {
		capRec, err := s.catalog.Capability(r.Context(), body.ToolID)
		if err != nil {
			writeError(w, err)
			return
		}
		req.ToolName = capRec.Name
		req.Sensitivity = capRec.Sensitivity
		if req.ResourceID == "" {
			req.ResourceID = capRec.ServerID
		}
	}

	decision := s.enforcer.Evaluate(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]any{
		"decision": decision,
		"dry_run":  body.DryRun,
	})
}
