package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/sark-gateway/sark/internal/adapter/outbound/memory"
	"github.com/sark-gateway/sark/internal/adapter/protocol"
	"github.com/sark-gateway/sark/internal/domain/approval"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cache"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/enforce"
	"github.com/sark-gateway/sark/internal/domain/governance"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/domain/registry"
	"github.com/sark-gateway/sark/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testHashParams keeps password hashing fast in tests.
var testHashParams = &argon2id.Params{
	Memory:      1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiEngineStub struct {
	mu     sync.Mutex
	result policy.Result
}

func (e *apiEngineStub) EngineID() string             { return "stub" }
func (e *apiEngineStub) Healthy(context.Context) bool { return true }
func (e *apiEngineStub) Evaluate(context.Context, policy.Input) (policy.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, nil
}

func (e *apiEngineStub) set(result policy.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = result
}

type apiProtoAdapter struct {
	mu          sync.Mutex
	invocations []protocol.Invocation
}

func (a *apiProtoAdapter) ProtocolName() string    { return "mcp" }
func (a *apiProtoAdapter) ProtocolVersion() string { return "test" }
func (a *apiProtoAdapter) DiscoverResources(context.Context) ([]protocol.ResourceSchema, error) {
	return nil, nil
}
func (a *apiProtoAdapter) GetCapabilities(context.Context, string) ([]protocol.CapabilitySchema, error) {
	return nil, nil
}
func (a *apiProtoAdapter) ValidateRequest(protocol.Invocation) error { return nil }
func (a *apiProtoAdapter) Invoke(_ context.Context, inv protocol.Invocation) (protocol.InvocationResult, error) {
	a.mu.Lock()
	a.invocations = append(a.invocations, inv)
	a.mu.Unlock()
	return protocol.InvocationResult{Success: true, Result: map[string]any{"echoed": "ok"}}, nil
}
func (a *apiProtoAdapter) HealthCheck(context.Context) error { return nil }
func (a *apiProtoAdapter) Close() error                      { return nil }

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type apiFixture struct {
	ts         *httptest.Server
	engine     *apiEngineStub
	adapter    *apiProtoAdapter
	catalog    *registry.Registry
	emergency  *governance.EmergencySwitch
	breakglass *governance.BreakGlass
	emitter    *recordingEmitter
	tokens     *TokenService
	limiter    *memory.RateLimiter

	adminToken string
	userToken  string
	tools      map[string]string
}

// limits returns the middleware rate limits used by the fixture: small
// user budget for the limiter tests, admin bypass on.
func fixtureLimits() enforce.RateLimits {
	return enforce.RateLimits{
		APIKey:      ratelimit.Limit{Max: 100, Window: time.Hour},
		User:        ratelimit.Limit{Max: 50, Window: time.Hour},
		IP:          ratelimit.Limit{Max: 100, Window: time.Hour},
		AdminBypass: true,
		Enabled:     true,
	}
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	f := &apiFixture{
		engine:     &apiEngineStub{result: policy.Result{Allow: true, Reason: "policy allows"}},
		adapter:    &apiProtoAdapter{},
		emergency:  governance.NewEmergencySwitch(),
		breakglass: governance.NewBreakGlass(),
		emitter:    &recordingEmitter{},
		tools:      map[string]string{},
	}

	passwordHash, err := argon2id.CreateHash("hunter2", testHashParams)
	if err != nil {
		t.Fatal(err)
	}
	provider := NewStaticProvider([]StaticUser{
		{
			Username:     "admin",
			PasswordHash: passwordHash,
			Principal:    authz.Principal{ID: "u-admin", Email: "admin@example.com", Roles: []string{"admin"}},
		},
		{
			Username:     "dev",
			PasswordHash: passwordHash,
			Principal:    authz.Principal{ID: "u-dev", Email: "dev@example.com"},
		},
	})
	f.tokens = NewTokenService([]IdentityProvider{provider}, nil, logger)

	timeRules, err := governance.NewTimeRuleSet(nil, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	tracker := budget.NewTracker(memory.NewLedgerStore(), budget.Caps{}, time.UTC, logger)
	costs := cost.NewRegistry(logger)

	// Stats observe the audit stream, so every component emits through the
	// tee.
	stats := service.NewStatsService(nil, nil, nil)
	emitter := stats.Tee(f.emitter)

	// The middleware owns inbound rate limiting; the pipeline's own rate
	// stage stays off so one request consumes one window slot.
	pipeline := enforce.NewPipeline(enforce.Deps{
		Cache:      cache.New(),
		Emergency:  f.emergency,
		Allowlist:  governance.NewAllowlist(nil),
		BreakGlass: f.breakglass,
		TimeRules:  timeRules,
		Budget:     tracker,
		Limits:     enforce.RateLimits{Enabled: false},
		Engine:     f.engine,
		Costs:      costs,
		Emitter:    emitter,
		Logger:     logger,
	})

	f.catalog = registry.NewRegistry(memory.NewRegistryStore(), emitter, logger)
	srv, err := f.catalog.Register(ctx, registry.Spec{
		Name:      "vault",
		Transport: registry.TransportStdio,
		OwnerID:   "owner-1",
		Tools: []registry.CapabilitySpec{
			{Name: "echo_message", Description: "Echo a message back"},
			{Name: "delete_credential", Description: "Delete a stored credential"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.catalog.UpdateStatus(ctx, srv.ID, registry.StatusActive); err != nil {
		t.Fatal(err)
	}
	caps, err := f.catalog.Capabilities(ctx, srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range caps {
		f.tools[c.Name] = c.ID
	}

	adapters := protocol.NewRegistry()
	adapters.Register(f.adapter)
	approvals := approval.NewWorkflow(memory.NewApprovalStore(), emitter, logger)
	invoker := service.NewInvocationService(pipeline, f.catalog, adapters, approvals,
		tracker, costs, emitter, logger)

	f.limiter = memory.NewRateLimiter()
	t.Cleanup(f.limiter.Close)

	reg := prometheus.NewRegistry()
	server := NewServer(Deps{
		Tokens:     f.tokens,
		Enforcer:   pipeline,
		Invoker:    invoker,
		Catalog:    f.catalog,
		Approvals:  approvals,
		Emergency:  f.emergency,
		BreakGlass: f.breakglass,
		Rollouts: policy.NewRollouts(
			policy.NewRouter("cel_engine", f.engine, f.engine, 10, nil),
		),
		Stats:    stats,
		Emitter:  emitter,
		Limiter:  f.limiter,
		Limits:   fixtureLimits(),
		Metrics:  NewMetrics(reg),
		Gatherer: reg,
		Logger:   logger,
	})

	f.ts = httptest.NewServer(server.Router())
	t.Cleanup(f.ts.Close)

	f.adminToken = f.login(t, "admin")
	f.userToken = f.login(t, "dev")
	return f
}

func (f *apiFixture) login(t *testing.T, username string) string {
	t.Helper()
	pair, err := f.tokens.Login(context.Background(), "static",
		Credentials{"username": username, "password": "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

// do sends one JSON request. token may be empty for public routes.
func (f *apiFixture) do(t *testing.T, method, path, token string, body any, header map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLoginAndRefresh(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/auth/login/static", "",
		Credentials{"username": "dev", "password": "hunter2"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var pair TokenPair
	decodeBody(t, resp, &pair)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("pair = %+v", pair)
	}
	if pair.User.ID != "u-dev" {
		t.Errorf("user = %+v", pair.User)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/auth/login/static", "",
		Credentials{"username": "dev", "password": "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/auth/login/ldap", "",
		Credentials{"username": "dev", "password": "hunter2"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown provider status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": pair.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	var rotated TokenPair
	decodeBody(t, resp, &rotated)
	if rotated.AccessToken == pair.AccessToken {
		t.Error("refresh did not rotate the access token")
	}

	// The old refresh token is spent.
	resp = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": pair.RefreshToken}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("reused refresh status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/tools", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/tools", "bogus-token", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/tools", f.userToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}
}

func TestHealthzAndMetricsArePublic(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}

	resp = f.do(t, http.MethodGet, "/metrics", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestHealthzReportsCacheSweeperHealth(t *testing.T) {
	sweeper := cache.NewSweeper(cache.New(), time.Minute, testLogger())
	sweeper.Start(context.Background())
	t.Cleanup(sweeper.Stop)

	s := NewServer(Deps{Sweeper: sweeper, Logger: testLogger()})
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["cache_sweeper_healthy"] != true {
		t.Errorf("cache_sweeper_healthy = %v, want true", body["cache_sweeper_healthy"])
	}

	// Without a sweeper the field stays absent rather than reporting false.
	rec = httptest.NewRecorder()
	NewServer(Deps{Logger: testLogger()}).handleHealthz(rec,
		httptest.NewRequest(http.MethodGet, "/healthz", nil))
	body = map[string]any{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["cache_sweeper_healthy"]; ok {
		t.Error("cache_sweeper_healthy reported without a sweeper wired")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "", nil,
		map[string]string{RequestIDHeader: "req-fixed"})
	if got := resp.Header.Get(RequestIDHeader); got != "req-fixed" {
		t.Errorf("request id header = %q", got)
	}

	resp = f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Error("request id not assigned")
	}
}

func TestRateLimitHeadersAndDenial(t *testing.T) {
	f := newAPIFixture(t)

	var last *http.Response
	for i := 0; i < 50; i++ {
		last = f.do(t, http.MethodGet, "/api/v1/tools", f.userToken, nil, nil)
		if last.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, last.StatusCode)
		}
	}
	if got := last.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("remaining after exhausting = %s", got)
	}

	resp := f.do(t, http.MethodGet, "/api/v1/tools", f.userToken, nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After missing on denial")
	}
	if resp.Header.Get("X-RateLimit-Limit") != "50" {
		t.Errorf("limit header = %s", resp.Header.Get("X-RateLimit-Limit"))
	}

	// Admins bypass with the unlimited sentinel.
	resp = f.do(t, http.MethodGet, "/api/v1/tools", f.adminToken, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "-1" {
		t.Errorf("admin limit header = %s", resp.Header.Get("X-RateLimit-Limit"))
	}
}
