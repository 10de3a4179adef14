package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sark-gateway/sark/internal/domain/approval"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/cache"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/governance"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/domain/registry"
	"github.com/sark-gateway/sark/internal/service"
)

// Deps bundles the server's collaborators. Tokens, Enforcer, Catalog, and
// Logger are required; the rest disable their routes when nil.
type Deps struct {
	Tokens     *TokenService
	Enforcer   *enforce.Pipeline
	Invoker    *service.InvocationService
	Catalog    *registry.Registry
	Approvals  *approval.Workflow
	Emergency  *governance.EmergencySwitch
	BreakGlass *governance.BreakGlass
	Rollouts   *policy.Rollouts
	Stats      *service.StatsService
	Sweeper    *cache.Sweeper
	Emitter    audit.Emitter

	// Limiter and Limits drive the HTTP rate-limit middleware. The
	// middleware is the single enforcement point for inbound traffic;
	// the enforcement pipeline wired here should have its own rate stage
	// disabled so one request consumes one window slot.
	Limiter ratelimit.Limiter
	Limits  enforce.RateLimits

	Metrics  *Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the REST surface.
type Server struct {
	tokens     *TokenService
	enforcer   *enforce.Pipeline
	invoker    *service.InvocationService
	catalog    *registry.Registry
	approvals  *approval.Workflow
	emergency  *governance.EmergencySwitch
	breakglass *governance.BreakGlass
	rollouts   *policy.Rollouts
	stats      *service.StatsService
	sweeper    *cache.Sweeper
	emitter    audit.Emitter
	limiter    ratelimit.Limiter
	limits     enforce.RateLimits
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// NewServer wires the REST surface.
func NewServer(deps Deps) *Server {
	emitter := deps.Emitter
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &Server{
		tokens:     deps.Tokens,
		enforcer:   deps.Enforcer,
		invoker:    deps.Invoker,
		catalog:    deps.Catalog,
		approvals:  deps.Approvals,
		emergency:  deps.Emergency,
		breakglass: deps.BreakGlass,
		rollouts:   deps.Rollouts,
		stats:      deps.Stats,
		sweeper:    deps.Sweeper,
		emitter:    emitter,
		limiter:    deps.Limiter,
		limits:     deps.Limits,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		logger:     deps.Logger,
	}
}

// Router builds the route tree. The middleware chain on protected routes
// is request-id, auth, rate-limit; health and metrics bypass auth and
// rate limiting.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.instrument)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/v1/auth/login/{provider}", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authenticate, s.rateLimit)

	v1.HandleFunc("/servers", s.handleRegisterServer).Methods(http.MethodPost)
	v1.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}", s.handleGetServer).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}", s.handleDecommissionServer).Methods(http.MethodDelete)
	v1.HandleFunc("/servers/{id}/status", s.handleServerStatus).Methods(http.MethodPatch)
	v1.HandleFunc("/bulk/servers/register", s.handleBulkRegister).Methods(http.MethodPost)
	v1.HandleFunc("/bulk/servers/status", s.handleBulkStatus).Methods(http.MethodPatch)

	v1.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	v1.HandleFunc("/tools/invoke", s.handleInvoke).Methods(http.MethodPost)
	v1.HandleFunc("/tools/{id}/sensitivity", s.handleGetSensitivity).Methods(http.MethodGet)
	v1.HandleFunc("/tools/{id}/sensitivity", s.handlePatchSensitivity).Methods(http.MethodPatch)

	v1.HandleFunc("/policy/evaluate", s.handlePolicyEvaluate).Methods(http.MethodPost)

	v1.HandleFunc("/approvals/request", s.handleApprovalRequest).Methods(http.MethodPost)
	v1.HandleFunc("/approvals", s.handleApprovalList).Methods(http.MethodGet)
	v1.HandleFunc("/approvals/{id}/approve", s.handleApprovalDecide(approval.VerdictApprove)).Methods(http.MethodPost)
	v1.HandleFunc("/approvals/{id}/deny", s.handleApprovalDecide(approval.VerdictDeny)).Methods(http.MethodPost)

	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.authenticate, s.requireAdmin, s.rateLimit)

	admin.HandleFunc("/rollout/set", s.handleRolloutSet).Methods(http.MethodPost)
	admin.HandleFunc("/rollout/rollback", s.handleRolloutRollback).Methods(http.MethodPost)
	admin.HandleFunc("/rollout/rollback-all", s.handleRolloutRollbackAll).Methods(http.MethodPost)
	admin.HandleFunc("/rollout/status", s.handleRolloutStatus).Methods(http.MethodGet)
	admin.HandleFunc("/emergency", s.handleEmergency).Methods(http.MethodPost)
	admin.HandleFunc("/break-glass/grant", s.handleBreakGlassGrant).Methods(http.MethodPost)

	return r
}

// handleHealthz reports liveness plus audit sink and cache sweeper health
// when those components are wired.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		if snap.Audit != nil {
			body["audit_sinks"] = snap.Audit.SinkHealth
		}
	}
	if s.sweeper != nil {
		body["cache_sweeper_healthy"] = s.sweeper.Healthy()
	}
	writeJSON(w, http.StatusOK, body)
}
