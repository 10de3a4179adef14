package cmd

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sark-gateway/sark/internal/config"
)

func TestCommands_Registered(t *testing.T) {
	want := map[string]bool{"run": false, "version": false, "hash-pin": false}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestRunCmd_Flags(t *testing.T) {
	devFlag := runCmd.Flags().Lookup("dev")
	if devFlag == nil {
		t.Fatal("dev flag not registered")
	}
	if devFlag.DefValue != "false" {
		t.Errorf("dev default = %q, want %q", devFlag.DefValue, "false")
	}

	configFlag := rootCmd.PersistentFlags().Lookup("config")
	if configFlag == nil {
		t.Fatal("config persistent flag not registered")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	if got := parseDuration("3s", time.Second, "k", logger); got != 3*time.Second {
		t.Errorf("parseDuration(3s) = %v", got)
	}
	if got := parseDuration("", time.Second, "k", logger); got != time.Second {
		t.Errorf("parseDuration(empty) = %v, want fallback", got)
	}
	if got := parseDuration("soon", time.Second, "k", logger); got != time.Second {
		t.Errorf("parseDuration(invalid) = %v, want fallback", got)
	}
}

func TestBuildAdapter(t *testing.T) {
	tests := []struct {
		name     string
		spec     config.ServerSpec
		wantName string
		wantErr  bool
	}{
		{
			name:     "stdio mcp",
			spec:     config.ServerSpec{Name: "vault", Protocol: "mcp", Command: "/usr/bin/vault-mcp"},
			wantName: "mcp",
		},
		{
			name:     "http",
			spec:     config.ServerSpec{Name: "billing", Protocol: "http", Endpoint: "http://localhost:9000"},
			wantName: "http",
		},
		{
			name:     "grpc",
			spec:     config.ServerSpec{Name: "ledger", Protocol: "grpc", Endpoint: "localhost:9001"},
			wantName: "grpc",
		},
		{
			name:     "database",
			spec:     config.ServerSpec{Name: "warehouse", Protocol: "database", Endpoint: "file:test.db?mode=memory"},
			wantName: "database",
		},
		{
			name:    "unknown protocol",
			spec:    config.ServerSpec{Name: "x", Protocol: "carrier-pigeon"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := buildAdapter(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("buildAdapter() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildAdapter() error: %v", err)
			}
			defer adapter.Close()
			if adapter.ProtocolName() != tt.wantName {
				t.Errorf("ProtocolName() = %q, want %q", adapter.ProtocolName(), tt.wantName)
			}
		})
	}
}

func TestBuildSinks(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	sinks, recent, closeAll, err := buildSinks(config.AuditConfig{
		Sinks: []config.SinkConfig{
			{Type: "stdout"},
			{Type: "file", Dir: t.TempDir()},
		},
	}, logger)
	if err != nil {
		t.Fatalf("buildSinks() error: %v", err)
	}
	defer closeAll()

	if len(sinks) != 2 {
		t.Errorf("sinks = %d, want 2", len(sinks))
	}
	if recent == nil {
		t.Error("file sink should serve as the recent-events source")
	}
}

func TestBuildCache(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	decisions, sweeper := buildCache(config.CacheConfig{Enabled: true}, logger)
	if decisions == nil || sweeper == nil {
		t.Fatalf("enabled cache: decisions=%v sweeper=%v, want both non-nil", decisions, sweeper)
	}
	sweeper.Start(context.Background())
	if !sweeper.Healthy() {
		t.Error("started sweeper should report healthy")
	}
	sweeper.Stop()

	decisions, sweeper = buildCache(config.CacheConfig{Enabled: false}, logger)
	if decisions != nil || sweeper != nil {
		t.Errorf("disabled cache: decisions=%v sweeper=%v, want both nil", decisions, sweeper)
	}
}

func TestBuildLimiter_MemoryBackend(t *testing.T) {
	limiter, closeLimiter, err := buildLimiter(config.RateLimitConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("buildLimiter() error: %v", err)
	}
	defer closeLimiter()
	if limiter == nil {
		t.Fatal("buildLimiter() returned nil limiter")
	}
}

func TestBuildTokenService(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tokens := buildTokenService(config.AuthConfig{
		Users: []config.UserConfig{{
			ID:           "u-1",
			Username:     "ops",
			PasswordHash: "$argon2id$v=19$m=65536,t=1,p=4$salt$hash",
			Roles:        []string{"admin"},
		}},
		APIKeys: []config.APIKeyConfig{{
			ID:      "key-1",
			KeyHash: "$argon2id$v=19$m=65536,t=1,p=4$salt$hash",
			UserID:  "u-1",
		}},
		AccessTTL:  "1h",
		RefreshTTL: "24h",
	}, logger)
	if tokens == nil {
		t.Fatal("buildTokenService() returned nil")
	}
}
