package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sark-gateway/sark/internal/domain/approval"
	"github.com/sark-gateway/sark/internal/domain/authz"
)

// handleApprovalRequest files an approval request for the caller.
func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolID          string `json:"tool_id"`
		Justification   string `json:"justification"`
		DurationSeconds int64  `json:"duration_seconds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := s.approvals.RequestApproval(r.Context(),
		principalFrom(r.Context()).ID, body.ToolID, body.Justification,
		time.Duration(body.DurationSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleApprovalList lists requests by status, defaulting to pending.
func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	status := approval.State(r.URL.Query().Get("status"))
	if status == "" {
		status = approval.StatePending
	}
	list, err := s.approvals.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

// handleApprovalDecide records the reviewer verdict named by the route.
func (s *Server) handleApprovalDecide(verdict approval.Verdict) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Notes string `json:"notes"`
		}
		if r.ContentLength > 0 {
			if err := decodeJSON(r, &body); err != nil {
				writeError(w, err)
				return
			}
		}
		reviewer := principalFrom(r.Context())
		if reviewer.ID == "" {
			writeKindError(w, authz.KindUnauthenticated, "missing credentials")
			return
		}
		req, err := s.approvals.Decide(r.Context(), mux.Vars(r)["id"], reviewer.ID, verdict, body.Notes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}
