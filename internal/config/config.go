// Package config provides the file-and-environment configuration schema
// for the sark gateway.
//
// Configuration is read from sark.yaml (or the file named by --config),
// with every scalar key overridable through SARK_-prefixed environment
// variables, e.g. SARK_SERVER_HTTP_ADDR overrides server.http_addr.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the sark gateway.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures file-based identities and API keys.
	// Optional: when empty, only unauthenticated public routes work.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Policy selects and configures the policy engine back-end.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Cache configures the decision cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// RateLimit configures per-identity rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Budget configures default spend caps for cost enforcement.
	Budget BudgetConfig `yaml:"budget" mapstructure:"budget"`

	// Cost configures the per-provider cost estimators.
	Cost CostConfig `yaml:"cost" mapstructure:"cost" validate:"omitempty"`

	// Governance configures the standing override and time-window rules.
	Governance GovernanceConfig `yaml:"governance" mapstructure:"governance"`

	// Audit configures the audit sinks and delivery pipeline.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Storage selects the persistence back-end for the catalog, approvals,
	// and the cost ledger.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Servers are registered into the catalog at boot, before discovery.
	Servers []ServerSpec `yaml:"servers" mapstructure:"servers" validate:"omitempty,dive"`

	// Telemetry configures tracing and metrics exposure.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development defaults (debug logging, a built-in
	// identity, and an in-memory store).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server. TLS is out of scope; terminate
// it at a reverse proxy.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects "json" or "text" log output. Defaults to "json".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=json text"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "15s"). Defaults to "15s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// AuthConfig configures file-based authentication.
type AuthConfig struct {
	// Users defines the static login identities.
	Users []UserConfig `yaml:"users" mapstructure:"users" validate:"omitempty,dive"`

	// APIKeys defines API keys that authenticate as a principal directly.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`

	// AccessTTL is the access-token lifetime (e.g. "1h"). Defaults to "1h".
	AccessTTL string `yaml:"access_ttl" mapstructure:"access_ttl" validate:"omitempty,duration"`

	// RefreshTTL is the refresh-token lifetime (e.g. "24h"). Defaults to "24h".
	RefreshTTL string `yaml:"refresh_ttl" mapstructure:"refresh_ttl" validate:"omitempty,duration"`
}

// UserConfig defines one static identity.
type UserConfig struct {
	// ID is the unique principal identifier.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Username is the login name.
	Username string `yaml:"username" mapstructure:"username" validate:"required"`

	// PasswordHash is the argon2id encoded hash of the password.
	// Generate with: sark hash-pin
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash" validate:"required,startswith=$argon2id$"`

	// Email is attached to audit events for this principal.
	Email string `yaml:"email" mapstructure:"email" validate:"omitempty,email"`

	// Roles are used by policy evaluation and the admin guard.
	Roles []string `yaml:"roles" mapstructure:"roles"`

	// Teams are matched against time-rule and policy predicates.
	Teams []string `yaml:"teams" mapstructure:"teams"`
}

// APIKeyConfig defines an API key presented in the X-API-Key header as
// "<id>.<secret>".
type APIKeyConfig struct {
	// ID is the public key identifier (the part before the dot).
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// KeyHash is the argon2id encoded hash of the secret part.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=$argon2id$"`

	// UserID references the identity this key authenticates as.
	// Must match an ID in Auth.Users.
	UserID string `yaml:"user_id" mapstructure:"user_id" validate:"required"`
}

// PolicyConfig selects the policy engine.
type PolicyConfig struct {
	// Engine is the back-end: "cel" compiles local policy documents,
	// "remote" posts evaluations to a sidecar service. Defaults to "cel".
	Engine string `yaml:"engine" mapstructure:"engine" validate:"omitempty,oneof=cel remote"`

	// Dir is the directory of CEL policy YAML documents. Required when
	// engine is "cel".
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Watch reloads the policy directory on file changes. Defaults to true
	// for the cel engine.
	Watch bool `yaml:"watch" mapstructure:"watch"`

	// RemoteURL is the sidecar base URL. Required when engine is "remote".
	RemoteURL string `yaml:"remote_url" mapstructure:"remote_url" validate:"omitempty,url"`

	// RemoteTimeout bounds one remote evaluation (e.g. "15s"). Defaults to "15s".
	RemoteTimeout string `yaml:"remote_timeout" mapstructure:"remote_timeout" validate:"omitempty,duration"`

	// RolloutPercent routes this share of principals to the remote engine
	// when both engines are configured, keyed by a stable hash so a
	// principal always sees the same engine. 0 disables the split.
	RolloutPercent int `yaml:"rollout_percent" mapstructure:"rollout_percent" validate:"min=0,max=100"`
}

// CacheConfig configures the decision cache.
type CacheConfig struct {
	// Enabled turns decision caching on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// MaxEntries bounds the LRU. Defaults to 10000.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"omitempty,min=1"`

	// TTLs maps sensitivity levels to cache lifetimes (e.g. low: "5m").
	// Levels absent from the map use DefaultTTL.
	TTLs map[string]string `yaml:"ttls" mapstructure:"ttls" validate:"omitempty,dive,keys,sensitivity,endkeys,duration"`

	// DefaultTTL is the lifetime for levels not in TTLs (e.g. "60s").
	DefaultTTL string `yaml:"default_ttl" mapstructure:"default_ttl" validate:"omitempty,duration"`
}

// RateLimitConfig configures per-identity rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Backend selects the window store: "memory" or "redis".
	// Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis"`

	// RedisAddr is the redis host:port. Required when backend is "redis".
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`

	// APIKeyMax is the per-window request cap per API key. Defaults to 1000.
	APIKeyMax int `yaml:"api_key_max" mapstructure:"api_key_max" validate:"omitempty,min=1"`

	// UserMax is the per-window cap per authenticated user. Defaults to 5000.
	UserMax int `yaml:"user_max" mapstructure:"user_max" validate:"omitempty,min=1"`

	// IPMax is the per-window cap per client IP. Defaults to 500.
	IPMax int `yaml:"ip_max" mapstructure:"ip_max" validate:"omitempty,min=1"`

	// Window is the sliding window size (e.g. "1m"). Defaults to "1m".
	Window string `yaml:"window" mapstructure:"window" validate:"omitempty,duration"`

	// AdminBypass exempts principals with the admin role.
	AdminBypass bool `yaml:"admin_bypass" mapstructure:"admin_bypass"`
}

// BudgetConfig configures default spend caps.
type BudgetConfig struct {
	// DailyCap is the default daily spend cap as a decimal string
	// (e.g. "25.00"). Empty means uncapped.
	DailyCap string `yaml:"daily_cap" mapstructure:"daily_cap" validate:"omitempty,money"`

	// MonthlyCap is the default monthly spend cap. Empty means uncapped.
	MonthlyCap string `yaml:"monthly_cap" mapstructure:"monthly_cap" validate:"omitempty,money"`

	// Timezone anchors the daily and monthly windows (IANA name).
	// Defaults to "UTC".
	Timezone string `yaml:"timezone" mapstructure:"timezone" validate:"omitempty,timezone"`
}

// CostConfig configures per-provider estimators.
type CostConfig struct {
	// Providers lists the priced providers. Unlisted providers estimate
	// as free.
	Providers []ProviderPricing `yaml:"providers" mapstructure:"providers" validate:"omitempty,dive"`
}

// ProviderPricing prices one provider, either flat per call or per token.
type ProviderPricing struct {
	// Provider is the name matched against invocation context.
	Provider string `yaml:"provider" mapstructure:"provider" validate:"required"`

	// Kind is "fixed" (flat per-call) or "token" (per-1k-token rates).
	Kind string `yaml:"kind" mapstructure:"kind" validate:"required,oneof=fixed token"`

	// Amount is the per-call cost for kind "fixed".
	Amount string `yaml:"amount" mapstructure:"amount" validate:"omitempty,money"`

	// Currency defaults to "USD".
	Currency string `yaml:"currency" mapstructure:"currency"`

	// Models maps model names to per-million-token rates for kind "token".
	// Include a "default" row for unknown models.
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models" validate:"omitempty,dive"`
}

// ModelPricing is a per-million-token rate pair.
type ModelPricing struct {
	InputPer1M  string `yaml:"input_per_1m" mapstructure:"input_per_1m" validate:"required,money"`
	OutputPer1M string `yaml:"output_per_1m" mapstructure:"output_per_1m" validate:"required,money"`
}

// GovernanceConfig configures standing governance controls.
type GovernanceConfig struct {
	// Allowlist names principal IDs that skip policy evaluation.
	Allowlist []string `yaml:"allowlist" mapstructure:"allowlist"`

	// TimeRules restrict tagged principals to time windows.
	TimeRules []TimeRuleConfig `yaml:"time_rules" mapstructure:"time_rules" validate:"omitempty,dive"`
}

// TimeRuleConfig is one time-window rule. Start and End are "HH:MM" in the
// budget timezone; End before Start crosses midnight.
type TimeRuleConfig struct {
	Name  string `yaml:"name" mapstructure:"name" validate:"required"`
	Start string `yaml:"start" mapstructure:"start" validate:"required,clock"`
	End   string `yaml:"end" mapstructure:"end" validate:"required,clock"`

	// Days lists applicable weekdays ("monday".."sunday"); empty means
	// every day.
	Days []string `yaml:"days" mapstructure:"days" validate:"omitempty,dive,weekday"`

	// AppliesTo lists principal roles or teams; empty means everyone.
	AppliesTo []string `yaml:"applies_to" mapstructure:"applies_to"`

	// Action is "allow", "block", or "alert".
	Action string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow block alert"`
}

// AuditConfig configures the audit delivery pipeline.
type AuditConfig struct {
	// Sinks lists the delivery targets. Defaults to a single stdout sink.
	Sinks []SinkConfig `yaml:"sinks" mapstructure:"sinks" validate:"omitempty,dive"`

	// ChannelSize is the buffer between emitters and the pipeline.
	// Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize flushes a batch at this many events. Defaults to 50.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval flushes a non-empty batch after this long (e.g. "2s").
	// Defaults to "2s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout bounds one delivery attempt (e.g. "10s"). Defaults to "10s".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// FallbackDir receives events when every sink is down. Empty disables
	// the disk fallback.
	FallbackDir string `yaml:"fallback_dir" mapstructure:"fallback_dir"`
}

// SinkConfig configures one audit sink.
type SinkConfig struct {
	// Type is "stdout", "file", "datadog", or "hec".
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=stdout file datadog hec"`

	// Dir is the output directory for the file sink.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays keeps file-sink output this many days. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// URL is the intake endpoint for the datadog and hec sinks.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// APIKey authenticates the datadog sink.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// Token authenticates the hec sink.
	Token string `yaml:"token" mapstructure:"token"`

	// Index is the target index for the hec sink.
	Index string `yaml:"index" mapstructure:"index"`

	// Compress enables gzip for large payloads on HTTP sinks.
	Compress bool `yaml:"compress" mapstructure:"compress"`
}

// StorageConfig selects the persistence back-end.
type StorageConfig struct {
	// Driver is "memory", "sqlite", or "postgres". Defaults to "memory".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=memory sqlite postgres"`

	// DSN is the connection string: a file path for sqlite, a
	// postgres URL or key=value DSN for postgres.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// ServerSpec registers one upstream server in the catalog at boot.
type ServerSpec struct {
	// Name is the unique server name.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Protocol names the adapter: "mcp", "http", "grpc", or "database".
	Protocol string `yaml:"protocol" mapstructure:"protocol" validate:"required,oneof=mcp http grpc database"`

	// Endpoint is the server address; empty for stdio MCP servers.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// SpecURL locates the OpenAPI document for http servers. Defaults to
	// endpoint + "/openapi.json".
	SpecURL string `yaml:"spec_url" mapstructure:"spec_url" validate:"omitempty,url"`

	// Command spawns a stdio MCP server subprocess.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are passed to the subprocess.
	Args []string `yaml:"args" mapstructure:"args"`

	// OwnerID, Teams, and Tags annotate the catalog record.
	OwnerID string   `yaml:"owner_id" mapstructure:"owner_id"`
	Teams   []string `yaml:"teams" mapstructure:"teams"`
	Tags    []string `yaml:"tags" mapstructure:"tags"`
}

// TelemetryConfig configures observability exposure.
type TelemetryConfig struct {
	// Tracing enables the stdout trace exporter. Defaults to false.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`

	// Metrics exposes /metrics. Defaults to true.
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only; network exposure is an explicit choice.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "json"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "15s"
	}

	if c.Auth.AccessTTL == "" {
		c.Auth.AccessTTL = "1h"
	}
	if c.Auth.RefreshTTL == "" {
		c.Auth.RefreshTTL = "24h"
	}

	if c.Policy.Engine == "" {
		c.Policy.Engine = "cel"
	}
	if c.Policy.RemoteTimeout == "" {
		c.Policy.RemoteTimeout = "15s"
	}
	// Watch defaults to true for the cel engine unless explicitly disabled.
	if c.Policy.Engine == "cel" && !viper.IsSet("policy.watch") {
		c.Policy.Watch = true
	}

	if !viper.IsSet("cache.enabled") {
		c.Cache.Enabled = true
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.DefaultTTL == "" {
		c.Cache.DefaultTTL = "60s"
	}

	// Rate limiting is on by default.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.APIKeyMax == 0 {
		c.RateLimit.APIKeyMax = 1000
	}
	if c.RateLimit.UserMax == 0 {
		c.RateLimit.UserMax = 5000
	}
	if c.RateLimit.IPMax == 0 {
		c.RateLimit.IPMax = 500
	}
	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "1m"
	}
	if !viper.IsSet("rate_limit.admin_bypass") {
		c.RateLimit.AdminBypass = true
	}

	if c.Budget.Timezone == "" {
		c.Budget.Timezone = "UTC"
	}

	if len(c.Audit.Sinks) == 0 {
		c.Audit.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 50
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "2s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "10s"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if !viper.IsSet("telemetry.metrics") {
		c.Telemetry.Metrics = true
	}
}

// SetDevDefaults applies permissive defaults for development mode, applied
// before validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"
	c.Server.LogFormat = "text"

	// A built-in identity so the API is usable with zero auth config.
	// Password: "dev-password", hashed with the default argon2id params.
	if len(c.Auth.Users) == 0 {
		c.Auth.Users = []UserConfig{{
			ID:           "dev-user",
			Username:     "dev",
			PasswordHash: "$argon2id$v=19$m=65536,t=1,p=4$c2Fyay1kZXYtc2FsdA$nE9nc0dGLOeAWFZh5PIoZRbteYBIAF4kHW1mE3/1mDc",
			Email:        "dev@localhost",
			Roles:        []string{"admin"},
		}}
	}
}

// Durations parsed from the string fields. SetDefaults and Validate run
// first, so parse errors cannot occur here.

// ShutdownTimeoutDuration returns the parsed graceful-shutdown bound.
func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(c.ShutdownTimeout, 15*time.Second)
}

// AccessTTLDuration returns the parsed access-token lifetime.
func (c AuthConfig) AccessTTLDuration() time.Duration {
	return mustDuration(c.AccessTTL, time.Hour)
}

// RefreshTTLDuration returns the parsed refresh-token lifetime.
func (c AuthConfig) RefreshTTLDuration() time.Duration {
	return mustDuration(c.RefreshTTL, 24*time.Hour)
}

// WindowDuration returns the parsed rate-limit window.
func (c RateLimitConfig) WindowDuration() time.Duration {
	return mustDuration(c.Window, time.Minute)
}

// RemoteTimeoutDuration returns the parsed remote-evaluation bound.
func (c PolicyConfig) RemoteTimeoutDuration() time.Duration {
	return mustDuration(c.RemoteTimeout, 15*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
