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
fetch:
  max_bytes: 1048576
  probe_timeout_seconds: 3
  transfer_timeout_seconds: 30
  user_agent: scan-agent
  host_rps: 2
  host_burst: 1
worker:
  concurrency: 8
  wait_seconds: 5
queue:
  backend: pubsub
  work_topic: work
  scan_topic: scan
  work_subscription: work-sub
pubsub:
  project_id: demo
storage:
  backend: s3
  bucket: blobs
  region: us-east-1
  public_read: false
store:
  backend: leveldb
leveldb:
  path: /tmp/scanfetch
logging:
  development: false
  level: debug
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
	if cfg.Fetch.MaxBytes != 1<<20 || cfg.Fetch.UserAgent != "scan-agent" {
		t.Fatalf("expected fetch overrides to apply: %+v", cfg.Fetch)
	}
	if got := cfg.Fetch.ProbeTimeout(); got != 3*time.Second {
		t.Fatalf("expected probe timeout 3s, got %v", got)
	}
	if got := cfg.Worker.Wait(); got != 5*time.Second {
		t.Fatalf("expected wait 5s, got %v", got)
	}
	if cfg.Queue.Backend != BackendPubSub || cfg.PubSub.ProjectID != "demo" {
		t.Fatalf("expected pubsub queue: %+v %+v", cfg.Queue, cfg.PubSub)
	}
	if cfg.Storage.Backend != BackendS3 || cfg.Storage.PublicRead {
		t.Fatalf("expected private s3 storage: %+v", cfg.Storage)
	}
	if cfg.Store.Backend != BackendLevelDB || cfg.LevelDB.Path != "/tmp/scanfetch" {
		t.Fatalf("expected leveldb store: %+v", cfg.LevelDB)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected production debug logging: %+v", cfg.Logging)
	}
	if cfg.Polling.DefaultTimeoutSeconds != 60 {
		t.Fatalf("expected default polling timeout, got %d", cfg.Polling.DefaultTimeoutSeconds)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Backend != BackendMemory || cfg.Storage.Backend != BackendMemory || cfg.Store.Backend != BackendMemory {
		t.Fatalf("expected memory backends by default: %+v", cfg)
	}
	if cfg.DB.VerdictsTable != "scan_verdicts" {
		t.Fatalf("expected default verdict table, got %q", cfg.DB.VerdictsTable)
	}
	if !cfg.Storage.PublicRead {
		t.Fatal("expected public_read by default")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SCANFETCH_WORKER_CONCURRENCY", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Concurrency != 12 {
		t.Fatalf("expected env override to apply, got %d", cfg.Worker.Concurrency)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Fetch:   FetchConfig{MaxBytes: 10, ProbeTimeoutSeconds: 1, TransferTimeoutSeconds: 1},
		Worker:  WorkerConfig{Concurrency: 1},
		Polling: PollingConfig{DefaultTimeoutSeconds: 60},
		Queue:   QueueConfig{Backend: BackendMemory, WorkTopic: "w", ScanTopic: "s"},
		Storage: StorageConfig{Backend: BackendMemory},
		Store:   StoreConfig{Backend: BackendMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid max bytes", mutate: func(c *Config) { c.Fetch.MaxBytes = 0 }, want: "fetch.max_bytes"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "missing scan topic", mutate: func(c *Config) { c.Queue.ScanTopic = "" }, want: "queue.work_topic"},
		{name: "pubsub without project", mutate: func(c *Config) { c.Queue.Backend = BackendPubSub }, want: "pubsub.project_id"},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, want: "queue.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.bucket"},
		{name: "minio without endpoint", mutate: func(c *Config) { c.Storage.Backend = BackendMinio; c.Storage.Bucket = "b" }, want: "storage.endpoint"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "storage.local_dir"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, want: "storage.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = BackendPostgres }, want: "db.dsn"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "redis" }, want: "store.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
