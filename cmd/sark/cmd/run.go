package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sark-gateway/sark/internal/adapter/inbound/api"
	"github.com/sark-gateway/sark/internal/adapter/outbound/cel"
	"github.com/sark-gateway/sark/internal/adapter/outbound/memory"
	"github.com/sark-gateway/sark/internal/adapter/outbound/redisstore"
	"github.com/sark-gateway/sark/internal/adapter/outbound/remote"
	"github.com/sark-gateway/sark/internal/adapter/outbound/sink"
	"github.com/sark-gateway/sark/internal/adapter/outbound/sqlstore"
	"github.com/sark-gateway/sark/internal/adapter/protocol"
	"github.com/sark-gateway/sark/internal/config"
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

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway server",
	Long: `Run the sark gateway server.

The server loads policies, registers the configured upstream servers in the
catalog, and serves the REST API until interrupted.

Examples:
  # Run with config file settings
  sark run

  # Run with a specific config file
  sark --config /path/to/sark.yaml run

  # Run in development mode (debug logging, built-in dev identity)
  sark run --dev`,
	RunE: runGateway,
}

var devMode bool

func init() {
	runCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, built-in dev identity)")
	rootCmd.AddCommand(runCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	// Load without validation so the CLI flag can override dev mode first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg.Server, cfg.DevMode)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled, do not use in production")
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("sark stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry.Tracing {
		exporter, err := stdouttrace.New()
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	stores, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	// Audit pipeline. Everything downstream emits through the stats tee so
	// the stats surface observes every event exactly once.
	sinks, recent, closeSinks, err := buildSinks(cfg.Audit, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	var fallback *service.FallbackWriter
	if cfg.Audit.FallbackDir != "" {
		fallback, err = service.NewFallbackWriter(cfg.Audit.FallbackDir, 0, logger)
		if err != nil {
			return fmt.Errorf("create fallback writer: %w", err)
		}
	}

	alerts := service.NewAlertManager(0)
	alerts.Register("sink-error-burst",
		func(recent []service.SinkError) bool {
			cutoff := time.Now().Add(-time.Minute)
			n := 0
			for _, e := range recent {
				if e.At.After(cutoff) {
					n++
				}
			}
			return n >= 10
		},
		func(recent []service.SinkError) {
			logger.Error("audit sink error burst", "errors_last_minute", len(recent))
		},
		5*time.Minute,
	)

	auditPipe := service.NewPipeline(sinks, service.SinkOptions{
		BatchSize:    cfg.Audit.BatchSize,
		BatchTimeout: parseDuration(cfg.Audit.FlushInterval, 2*time.Second, "audit.flush_interval", logger),
		SendTimeout:  parseDuration(cfg.Audit.SendTimeout, 10*time.Second, "audit.send_timeout", logger),
		QueueSize:    cfg.Audit.ChannelSize,
	}, fallback, alerts, logger)
	auditPipe.Start(ctx)
	defer auditPipe.Stop()

	decisions, sweeper := buildCache(cfg.Cache, logger)
	if sweeper != nil {
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	stats := service.NewStatsService(decisions, auditPipe, recent)
	emitter := stats.Tee(auditPipe)

	engine, rollouts, err := buildPolicyEngine(ctx, cfg.Policy, emitter, logger)
	if err != nil {
		return err
	}

	emergency := governance.NewEmergencySwitch()
	allowlist := governance.NewAllowlist(cfg.Governance.Allowlist)
	breakglass := governance.NewBreakGlass()
	timeRules, err := governance.NewTimeRuleSet(cfg.Governance.Rules(), cfg.Budget.Location())
	if err != nil {
		return fmt.Errorf("time rules: %w", err)
	}

	tracker := budget.NewTracker(stores.ledger, cfg.Budget.Caps(), cfg.Budget.Location(), logger)
	costs := cost.NewRegistry(logger)
	for _, est := range cfg.Cost.Estimators() {
		costs.Register(est)
	}

	var (
		apiMetrics  *api.Metrics
		gatherer    prometheus.Gatherer
		enforceOpts []enforce.Option
	)
	if cfg.Telemetry.Metrics {
		reg := prometheus.NewRegistry()
		apiMetrics = api.NewMetrics(reg)
		enforceOpts = append(enforceOpts, enforce.WithMetrics(enforce.NewMetrics(reg)))
		gatherer = reg
	}

	// The HTTP middleware is the single rate-limit enforcement point, so
	// the pipeline's own rate stage stays disabled.
	enforcer := enforce.NewPipeline(enforce.Deps{
		Cache:      decisions,
		Emergency:  emergency,
		Allowlist:  allowlist,
		BreakGlass: breakglass,
		TimeRules:  timeRules,
		Budget:     tracker,
		Limits:     enforce.RateLimits{Enabled: false},
		Engine:     engine,
		Costs:      costs,
		Emitter:    emitter,
		Logger:     logger,
	}, enforceOpts...)

	catalog := registry.NewRegistry(stores.registry, emitter, logger)
	approvals := approval.NewWorkflow(stores.approvals, emitter, logger)

	adapters := protocol.NewRegistry()
	defer func() { _ = adapters.Close() }()
	discovery := service.NewDiscoveryService(adapters, catalog, logger)
	bootServers(ctx, cfg.Servers, adapters, discovery, logger)

	invoker := service.NewInvocationService(enforcer, catalog, adapters, approvals, tracker, costs, emitter, logger)

	tokens := buildTokenService(cfg.Auth, logger)

	limiter, closeLimiter, err := buildLimiter(cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	server := api.NewServer(api.Deps{
		Tokens:     tokens,
		Enforcer:   enforcer,
		Invoker:    invoker,
		Catalog:    catalog,
		Approvals:  approvals,
		Emergency:  emergency,
		BreakGlass: breakglass,
		Rollouts:   rollouts,
		Stats:      stats,
		Sweeper:    sweeper,
		Emitter:    emitter,
		Limiter:    limiter,
		Limits:     cfg.RateLimit.Limits(),
		Metrics:    apiMetrics,
		Gatherer:   gatherer,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("sark started",
		"version", Version,
		"addr", cfg.Server.HTTPAddr,
		"policy_engine", cfg.Policy.Engine,
		"storage", cfg.Storage.Driver,
		"protocols", adapters.Protocols(),
		"dev_mode", cfg.DevMode,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeoutDuration())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// storeSet bundles the persistence ports with the shared connection.
type storeSet struct {
	registry  registry.Store
	approvals approval.Store
	ledger    budget.LedgerStore
	db        *sqlx.DB
}

func (s *storeSet) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*storeSet, error) {
	if cfg.Driver == "memory" {
		return &storeSet{
			registry:  memory.NewRegistryStore(),
			approvals: memory.NewApprovalStore(),
			ledger:    memory.NewLedgerStore(),
		}, nil
	}
	db, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	logger.Info("storage opened", "driver", cfg.Driver)
	return &storeSet{
		registry:  sqlstore.NewRegistryStore(db),
		approvals: sqlstore.NewApprovalStore(db),
		ledger:    sqlstore.NewLedgerStore(db),
		db:        db,
	}, nil
}

// buildSinks creates the configured audit sinks. The first file sink also
// serves as the recent-events source for the stats surface.
func buildSinks(cfg config.AuditConfig, logger *slog.Logger) ([]audit.Sink, service.RecentSource, func(), error) {
	var (
		sinks   []audit.Sink
		recent  service.RecentSource
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, sink.NewStdoutSink())
		case "file":
			fs, err := sink.NewFileSink(sink.FileConfig{
				Dir:           sc.Dir,
				RetentionDays: sc.RetentionDays,
			}, logger)
			if err != nil {
				closeAll()
				return nil, nil, nil, fmt.Errorf("create file sink: %w", err)
			}
			sinks = append(sinks, fs)
			closers = append(closers, fs.Close)
			if recent == nil {
				recent = fs
			}
		case "datadog":
			ds, err := sink.NewDatadogSink(sink.DatadogConfig{
				URL:      sc.URL,
				APIKey:   sc.APIKey,
				Compress: sc.Compress,
			})
			if err != nil {
				closeAll()
				return nil, nil, nil, fmt.Errorf("create datadog sink: %w", err)
			}
			sinks = append(sinks, ds)
		case "hec":
			hs, err := sink.NewHECSink(sink.HECConfig{
				URL:      sc.URL,
				Token:    sc.Token,
				Index:    sc.Index,
				Compress: sc.Compress,
			})
			if err != nil {
				closeAll()
				return nil, nil, nil, fmt.Errorf("create hec sink: %w", err)
			}
			sinks = append(sinks, hs)
		}
	}
	return sinks, recent, closeAll, nil
}

// buildCache creates the decision cache and its background sweeper. Both
// are nil when caching is disabled; the pipeline and health surface treat
// nil as "no cache".
func buildCache(cfg config.CacheConfig, logger *slog.Logger) (*cache.DecisionCache, *cache.Sweeper) {
	if !cfg.Enabled {
		return nil, nil
	}
	decisions := cache.New(cfg.CacheOptions()...)
	return decisions, cache.NewSweeper(decisions, 0, logger)
}

// buildPolicyEngine creates the configured engine. When a rollout is
// configured, the remote engine is the candidate and the embedded CEL
// engine stays the legacy fallback.
func buildPolicyEngine(ctx context.Context, cfg config.PolicyConfig, emitter audit.Emitter, logger *slog.Logger) (policy.Engine, *policy.Rollouts, error) {
	var celEngine *cel.Engine
	if cfg.Engine == "cel" || cfg.RolloutPercent > 0 {
		var err error
		celEngine, err = cel.NewEngine(logger, cel.WithEmitter(emitter))
		if err != nil {
			return nil, nil, fmt.Errorf("create policy engine: %w", err)
		}
		if err := celEngine.LoadDir(cfg.Dir); err != nil {
			return nil, nil, fmt.Errorf("load policies: %w", err)
		}
		if cfg.Watch {
			if err := celEngine.Watch(ctx, cfg.Dir, logger); err != nil {
				logger.Warn("policy watch disabled", "error", err)
			}
		}
	}

	var remoteEngine *remote.Engine
	if cfg.Engine == "remote" || cfg.RolloutPercent > 0 {
		remoteEngine = remote.NewEngine(cfg.RemoteURL, logger,
			remote.WithHTTPClient(&http.Client{Timeout: cfg.RemoteTimeoutDuration()}))
	}

	if cfg.RolloutPercent > 0 {
		router := policy.NewRouter("remote_engine", remoteEngine, celEngine, cfg.RolloutPercent, nil)
		return router, policy.NewRollouts(router), nil
	}
	if cfg.Engine == "remote" {
		return remoteEngine, policy.NewRollouts(), nil
	}
	return celEngine, policy.NewRollouts(), nil
}

// bootServers registers one adapter per configured server and runs
// discovery for it. Failures are logged, not fatal: the gateway still
// serves its API and the operator can fix the backend.
func bootServers(ctx context.Context, specs []config.ServerSpec, adapters *protocol.Registry, discovery *service.DiscoveryService, logger *slog.Logger) {
	seen := make(map[string]bool)
	for _, spec := range specs {
		if seen[spec.Protocol] {
			logger.Warn("one backend per protocol, replacing adapter",
				"protocol", spec.Protocol, "server", spec.Name)
		}
		adapter, err := buildAdapter(spec)
		if err != nil {
			logger.Error("server adapter setup failed", "server", spec.Name, "error", err)
			continue
		}
		adapters.Register(adapter)
		seen[spec.Protocol] = true

		if _, err := discovery.Discover(ctx, spec.Protocol, spec.OwnerID, spec.Tags); err != nil {
			logger.Error("server discovery failed", "server", spec.Name, "error", err)
		}
	}
}

func buildAdapter(spec config.ServerSpec) (protocol.Adapter, error) {
	switch spec.Protocol {
	case "mcp":
		mcpCfg := protocol.MCPConfig{Name: spec.Name, Endpoint: spec.Endpoint}
		if spec.Command != "" {
			mcpCfg.Command = append([]string{spec.Command}, spec.Args...)
		}
		return protocol.NewMCPAdapter(mcpCfg), nil

	case "http":
		specURL := spec.SpecURL
		if specURL == "" {
			specURL = strings.TrimRight(spec.Endpoint, "/") + "/openapi.json"
		}
		return protocol.NewHTTPAdapter(protocol.HTTPConfig{
			Name:    spec.Name,
			BaseURL: spec.Endpoint,
			SpecURL: specURL,
		}), nil

	case "grpc":
		conn, err := grpc.NewClient(spec.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", spec.Endpoint, err)
		}
		return protocol.NewGRPCAdapter(conn, protocol.GRPCConfig{Name: spec.Name}), nil

	case "database":
		driver := "sqlite"
		if strings.HasPrefix(spec.Endpoint, "postgres://") || strings.HasPrefix(spec.Endpoint, "postgresql://") {
			driver = "postgres"
		}
		db, err := sqlx.Open(driver, spec.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		return protocol.NewDatabaseAdapter(db, protocol.DatabaseConfig{Name: spec.Name}), nil

	default:
		return nil, fmt.Errorf("unknown protocol %q", spec.Protocol)
	}
}

func buildTokenService(cfg config.AuthConfig, logger *slog.Logger) *api.TokenService {
	users := make([]api.StaticUser, 0, len(cfg.Users))
	byID := make(map[string]authz.Principal, len(cfg.Users))
	for _, u := range cfg.Users {
		p := authz.Principal{ID: u.ID, Email: u.Email, Roles: u.Roles, Teams: u.Teams}
		users = append(users, api.StaticUser{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Principal:    p,
		})
		byID[u.ID] = p
	}
	keys := make([]api.APIKeyEntry, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, api.APIKeyEntry{ID: k.ID, KeyHash: k.KeyHash, Principal: byID[k.UserID]})
	}
	return api.NewTokenService([]api.IdentityProvider{api.NewStaticProvider(users)}, keys, logger,
		api.WithTokenTTLs(cfg.AccessTTLDuration(), cfg.RefreshTTLDuration()))
}

func buildLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, func(), error) {
	if cfg.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redisstore.NewLimiter(client), func() { _ = client.Close() }, nil
	}
	l := memory.NewRateLimiter()
	return l, l.Close, nil
}

func newLogger(cfg config.ServerConfig, dev bool) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(s string, fallback time.Duration, key string, logger *slog.Logger) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", s, "default", fallback)
		return fallback
	}
	return d
}
