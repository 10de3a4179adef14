package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/registry"
)

// handleRegisterServer registers one server with its declared tools.
func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var spec registry.Spec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if spec.OwnerID == "" {
		spec.OwnerID = principalFrom(r.Context()).ID
	}
	srv, err := s.catalog.Register(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

// handleListServers pages through the catalog with the query-string
// predicates.
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	q, page, err := parseListQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.catalog.List(r.Context(), q, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetServer returns one server with its capabilities.
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	srv, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	caps, err := s.catalog.Capabilities(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": srv, "tools": caps})
}

// handleDecommissionServer retires a server. The record stays for audit
// history.
func (s *Server) handleDecommissionServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.catalog.Decommission(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// handleServerStatus applies one status-machine transition.
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status registry.Status `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	srv, err := s.catalog.UpdateStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// handleBulkRegister registers a batch. fail_on_first_error selects the
// transactional mode.
func (s *Server) handleBulkRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Servers        []registry.Spec `json:"servers"`
		FailOnFirstErr bool            `json:"fail_on_first_error"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Servers) == 0 {
		writeKindError(w, authz.KindValidation, "servers list is empty")
		return
	}
	mode := registry.BulkBestEffort
	if body.FailOnFirstErr {
		mode = registry.BulkTransactional
	}
	result, err := s.catalog.BulkRegister(r.Context(), body.Servers, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleBulkStatus applies a batch of status transitions.
func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Updates        []registry.StatusUpdate `json:"updates"`
		FailOnFirstErr bool                    `json:"fail_on_first_error"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Updates) == 0 {
		writeKindError(w, authz.KindValidation, "updates list is empty")
		return
	}
	mode := registry.BulkBestEffort
	if body.FailOnFirstErr {
		mode = registry.BulkTransactional
	}
	result, err := s.catalog.BulkUpdateStatus(r.Context(), body.Updates, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseListQuery maps the catalog listing query string onto the registry
// query and page types.
func parseListQuery(r *http.Request) (registry.Query, registry.Page, error) {
	values := r.URL.Query()
	var q registry.Query

	for _, raw := range splitCSV(values.Get("status")) {
		status := registry.Status(raw)
		if !status.Valid() {
			return q, registry.Page{}, authz.NewError(authz.KindValidation, "unknown status "+raw)
		}
		q.Statuses = append(q.Statuses, status)
	}
	for _, raw := range splitCSV(values.Get("sensitivity")) {
		level := authz.Sensitivity(raw)
		if !level.Valid() {
			return q, registry.Page{}, authz.NewError(authz.KindValidation, "unknown sensitivity "+raw)
		}
		q.Sensitivities = append(q.Sensitivities, level)
	}
	q.TeamID = values.Get("team_id")
	q.OwnerID = values.Get("owner_id")
	q.Tags = splitCSV(values.Get("tags"))
	q.MatchAllTags = values.Get("match_all_tags") == "true"
	q.Search = values.Get("search")

	page := registry.Page{
		Cursor:       values.Get("cursor"),
		SortOrder:    registry.SortOrder(values.Get("sort_order")),
		IncludeTotal: values.Get("include_total") == "true",
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, page, authz.NewError(authz.KindValidation, "limit must be a non-negative integer")
		}
		page.Limit = limit
	}
	return q, page, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
