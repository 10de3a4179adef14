package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// handleLogin authenticates against the named identity provider and
// returns a token pair.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.tokens.Login(r.Context(), mux.Vars(r)["provider"], creds)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("login succeeded",
		"request_id", requestIDFrom(r.Context()),
		"provider", pair.User.Provider, "user", pair.User.Email)
	writeJSON(w, http.StatusOK, pair)
}

// handleRefresh rotates a refresh token.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.RefreshToken == "" {
		writeKindError(w, authz.KindValidation, "refresh_token is required")
		return
	}
	pair, err := s.tokens.Refresh(body.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
