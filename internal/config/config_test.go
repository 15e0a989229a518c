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
  request_timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
orchestrator:
  auto_checkpoint_interval: 50
  keep_checkpoints: 5
  failure_threshold: 0.25
  min_failure_sample: 20
events:
  ring_capacity: 500
  subscriber_buffer: 64
checkpoints:
  backend: fs
  dir: /var/lib/crawlcore/checkpoints
fingerprints:
  backend: redis
  redis_addr: redis:6379
  redis_db: 2
db:
  dsn: postgres://crawlcore@localhost/crawlcore
  max_conns: 16
pubsub:
  enabled: true
  project_id: test-project
  topic_name: crawl-events
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
	if cfg.Orchestrator.AutoCheckpointInterval != 50 || cfg.Orchestrator.FailureThreshold != 0.25 {
		t.Fatalf("expected orchestrator overrides to apply: %+v", cfg.Orchestrator)
	}
	if cfg.Events.RingCapacity != 500 || cfg.Events.SubscriberBuffer != 64 {
		t.Fatalf("expected event bus overrides to apply: %+v", cfg.Events)
	}
	if cfg.Checkpoints.Backend != "fs" || cfg.Checkpoints.Dir == "" {
		t.Fatalf("expected fs checkpoint backend: %+v", cfg.Checkpoints)
	}
	if cfg.Fingerprints.Backend != "redis" || cfg.Fingerprints.RedisDB != 2 {
		t.Fatalf("expected redis fingerprint backend: %+v", cfg.Fingerprints)
	}
	if cfg.PubSub.ProjectID != "test-project" || cfg.PubSub.TopicName != "crawl-events" {
		t.Fatalf("expected pubsub overrides to apply: %+v", cfg.PubSub)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected request timeout 30s, got %v", got)
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
	if cfg.Orchestrator.AutoCheckpointInterval != 100 || cfg.Orchestrator.KeepCheckpoints != 3 {
		t.Fatalf("unexpected orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Events.RingCapacity != 1000 {
		t.Fatalf("expected default ring capacity 1000, got %d", cfg.Events.RingCapacity)
	}
	if cfg.Checkpoints.Backend != "memory" || cfg.Fingerprints.Backend != "memory" {
		t.Fatalf("expected memory backends by default: %+v %+v", cfg.Checkpoints, cfg.Fingerprints)
	}
	if cfg.Fetcher.TimeoutSeconds != 15 || cfg.Fetcher.PerHostRPS != 2.0 {
		t.Fatalf("unexpected fetcher defaults: %+v", cfg.Fetcher)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:       ServerConfig{Port: 8080, RequestTimeoutSeconds: 60},
		Checkpoints:  CheckpointConfig{Backend: "memory"},
		Fingerprints: FingerprintConfig{Backend: "memory"},
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
			name: "invalid request timeout",
			cfg: func() Config {
				c := base
				c.Server.RequestTimeoutSeconds = 0
				return c
			}(),
			want: "server.request_timeout_seconds",
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
			name: "failure threshold out of range",
			cfg: func() Config {
				c := base
				c.Orchestrator.FailureThreshold = 1.5
				return c
			}(),
			want: "failure_threshold",
		},
		{
			name: "fs checkpoint backend without dir",
			cfg: func() Config {
				c := base
				c.Checkpoints.Backend = "fs"
				return c
			}(),
			want: "checkpoints.dir",
		},
		{
			name: "unknown fingerprint backend",
			cfg: func() Config {
				c := base
				c.Fingerprints.Backend = "dynamo"
				return c
			}(),
			want: "fingerprints.backend",
		},
		{
			name: "negative per-host rps",
			cfg: func() Config {
				c := base
				c.Fetcher.PerHostRPS = -1
				return c
			}(),
			want: "fetcher.per_host_rps",
		},
		{
			name: "pubsub missing topic",
			cfg: func() Config {
				c := base
				c.PubSub.Enabled = true
				c.PubSub.ProjectID = "p"
				return c
			}(),
			want: "pubsub",
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
