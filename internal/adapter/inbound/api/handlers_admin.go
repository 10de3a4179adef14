package api

import (
	"net/http"
	"time"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
)

// defaultBreakGlassTTL bounds a grant when the request does not name one.
const defaultBreakGlassTTL = 5 * time.Minute

// handleRolloutSet updates one feature's rollout percentage.
func (s *Server) handleRolloutSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feature    string `json:"feature"`
		Percentage int    `json:"percentage"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.rollouts.Set(body.Feature, body.Percentage)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("rollout updated",
		"feature", body.Feature, "percent", body.Percentage,
		"by", principalFrom(r.Context()).Email)
	writeJSON(w, http.StatusOK, status)
}

// handleRolloutRollback reverts one feature to its previous percentage.
func (s *Server) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feature string `json:"feature"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.rollouts.Rollback(body.Feature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRolloutRollbackAll pins every feature to zero percent.
func (s *Server) handleRolloutRollbackAll(w http.ResponseWriter, r *http.Request) {
	statuses := s.rollouts.RollbackAll()
	s.logger.Warn("all rollouts reverted", "by", principalFrom(r.Context()).Email)
	writeJSON(w, http.StatusOK, map[string]any{"features": statuses})
}

// handleRolloutStatus reports every feature's routing state.
func (s *Server) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"features": s.rollouts.Status()})
}

// handleEmergency flips the process-wide emergency switch.
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Active && body.Reason == "" {
		writeKindError(w, authz.KindValidation, "reason is required to activate")
		return
	}

	principal := principalFrom(r.Context())
	s.emergency.Set(body.Active, principal.Email, body.Reason)

	ev := audit.NewEvent(audit.EventEmergencyChanged, audit.SeverityCritical, requestIDFrom(r.Context()))
	ev.UserEmail = principal.Email
	ev.Details["active"] = body.Active
	ev.Details["reason"] = body.Reason
	s.emitter.Emit(ev)

	s.logger.Warn("emergency switch changed",
		"active", body.Active, "by", principal.Email, "reason", body.Reason)
	writeJSON(w, http.StatusOK, s.emergency.State())
}

// handleBreakGlassGrant mints a one-shot override for a request id. The
// PIN travels back to the requester out of band; only its hash is kept.
func (s *Server) handleBreakGlassGrant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID  string `json:"request_id"`
		Pin        string `json:"pin"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.RequestID == "" || body.Pin == "" {
		writeKindError(w, authz.KindValidation, "request_id and pin are required")
		return
	}
	ttl := defaultBreakGlassTTL
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}

	principal := principalFrom(r.Context())
	override, err := s.breakglass.Grant(r.Context(), body.RequestID, body.Pin, principal.Email, ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	ev := audit.NewEvent(audit.EventOverrideGranted, audit.SeverityHigh, requestIDFrom(r.Context()))
	ev.UserEmail = principal.Email
	ev.Details["override_request_id"] = body.RequestID
	ev.Details["expires_at"] = override.ExpiresAt
	s.emitter.Emit(ev)

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": override.RequestID,
		"expires_at": override.ExpiresAt,
		"granted_by": override.GrantedBy,
		"one_shot":   override.OneShot,
	})
}

// handleStats returns the runtime counter snapshot with recent audit
// events.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeKindError(w, authz.KindNotFound, "stats are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  s.stats.Snapshot(),
		"recent": s.stats.RecentEvents(50),
	})
}
