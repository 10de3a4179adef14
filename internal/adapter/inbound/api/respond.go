// Package api exposes the REST surface: authentication, the server
// catalog, policy evaluation, tool invocation, approvals, and the admin
// controls, all on a gorilla/mux router behind the shared middleware
// chain.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// errorBody is the wire shape for every error response.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// statusFor maps the stable error taxonomy to HTTP status codes.
func statusFor(kind authz.ErrorKind) int {
	switch kind {
	case authz.KindUnauthenticated:
		return http.StatusUnauthorized
	case authz.KindForbiddenPolicy, authz.KindForbiddenBudget, authz.KindForbiddenTime:
		return http.StatusForbidden
	case authz.KindRateLimited:
		return http.StatusTooManyRequests
	case authz.KindNotFound:
		return http.StatusNotFound
	case authz.KindConflict:
		return http.StatusConflict
	case authz.KindValidation:
		return http.StatusBadRequest
	case authz.KindSchema:
		return http.StatusUnprocessableEntity
	case authz.KindDownstreamUnavailable:
		return http.StatusServiceUnavailable
	case authz.KindDownstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON renders v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status code and renders the error body.
// Internal errors are reduced to their stable class; the underlying
// message never reaches the caller.
func writeError(w http.ResponseWriter, err error) {
	kind := authz.KindOf(err)
	reason := "internal error"
	detail := ""
	var se *authz.Error
	if errors.As(err, &se) {
		reason = se.Reason
		detail = se.Detail
	} else if kind != authz.KindInternal {
		reason = err.Error()
	}
	writeJSON(w, statusFor(kind), errorBody{Error: string(kind), Reason: reason, Detail: detail})
}

// writeKindError is shorthand for handler-level structured failures.
func writeKindError(w http.ResponseWriter, kind authz.ErrorKind, reason string) {
	writeJSON(w, statusFor(kind), errorBody{Error: string(kind), Reason: reason})
}

// decodeJSON parses the request body into dst. Malformed bodies are a
// validation failure.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return authz.NewError(authz.KindValidation, "malformed request body")
	}
	return nil
}
