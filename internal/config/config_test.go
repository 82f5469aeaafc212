package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
orchestrator:
  arena_concurrency: 8
  default_batch_size: 10
  call_timeout_seconds: 45
  ingest_topic: ingest-test
credentials:
  acquire_timeout_seconds: 5
  default_cooldown_seconds: 120
ratelimit:
  slot_timeout_seconds: 10
  default:
    rps: 2
    burst: 4
  providers:
    reddit:
      rps: 0.5
      burst: 1
      min_interval_ms: 1200
dedup:
  near_threshold: 8
  near_window: 500
storage:
  backend: postgres
  dsn: postgres://localhost/arena
rawstore:
  backend: gcs
  bucket: arena-raw
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Orchestrator.ArenaConcurrency != 8 || cfg.Orchestrator.IngestTopic != "ingest-test" {
		t.Fatalf("expected orchestrator overrides to apply: %+v", cfg.Orchestrator)
	}
	reddit, ok := cfg.RateLimit.Providers["reddit"]
	if !ok || reddit.RPS != 0.5 || reddit.MinIntervalMs != 1200 {
		t.Fatalf("expected reddit provider pacing to be loaded: %+v", cfg.RateLimit.Providers)
	}
	if cfg.Dedup.NearThreshold != 8 || cfg.Dedup.NearWindow != 500 {
		t.Fatalf("expected dedup overrides to apply: %+v", cfg.Dedup)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("expected postgres storage config: %+v", cfg.Storage)
	}
	if cfg.RawStore.Backend != "gcs" || cfg.RawStore.Bucket != "arena-raw" {
		t.Fatalf("expected gcs rawstore config: %+v", cfg.RawStore)
	}
	if got := cfg.CallTimeout(); got != 45*time.Second {
		t.Fatalf("expected call timeout 45s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.ArenaConcurrency != 4 || cfg.Orchestrator.MaxPages != 50 {
		t.Fatalf("expected orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Storage.Backend != "memory" || cfg.RawStore.Backend != "none" {
		t.Fatalf("expected in-memory defaults: storage=%q rawstore=%q", cfg.Storage.Backend, cfg.RawStore.Backend)
	}
	if cfg.RateLimit.Default.RPS != 1 || cfg.RateLimit.Default.Burst != 1 {
		t.Fatalf("expected conservative rate defaults: %+v", cfg.RateLimit.Default)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:       ServerConfig{Port: 8080},
		Orchestrator: OrchestratorConfig{ArenaConcurrency: 4},
		Storage:      StorageConfig{Backend: "memory"},
		RawStore:     RawStoreConfig{Backend: "none"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Orchestrator.ArenaConcurrency = 0
				return c
			}(),
			want: "orchestrator.arena_concurrency",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "postgres missing dsn",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "postgres"
				return c
			}(),
			want: "storage.dsn",
		},
		{
			name: "unknown storage backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "sqlite"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "local rawstore missing base dir",
			cfg: func() Config {
				c := base
				c.RawStore.Backend = "local"
				return c
			}(),
			want: "rawstore.base_dir",
		},
		{
			name: "gcs rawstore missing bucket",
			cfg: func() Config {
				c := base
				c.RawStore.Backend = "gcs"
				return c
			}(),
			want: "rawstore.bucket",
		},
		{
			name: "near threshold out of range",
			cfg: func() Config {
				c := base
				c.Dedup.NearThreshold = 65
				return c
			}(),
			want: "dedup.near_threshold",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
