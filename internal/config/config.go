// Package config loads and validates scanfetch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the queue, storage and store sections.
const (
	BackendMemory   = "memory"
	BackendPubSub   = "pubsub"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendLocal    = "local"
	BackendMinio    = "minio"
	BackendPostgres = "postgres"
	BackendLevelDB  = "leveldb"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Queue     QueueConfig     `mapstructure:"queue"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	LevelDB   LevelDBConfig   `mapstructure:"leveldb"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP front door.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// FetchConfig bounds upstream fetches.
type FetchConfig struct {
	MaxBytes               int64   `mapstructure:"max_bytes"`
	ProbeTimeoutSeconds    int     `mapstructure:"probe_timeout_seconds"`
	TransferTimeoutSeconds int     `mapstructure:"transfer_timeout_seconds"`
	UserAgent              string  `mapstructure:"user_agent"`
	HostRPS                float64 `mapstructure:"host_rps"`
	HostBurst              int     `mapstructure:"host_burst"`
}

// WorkerConfig governs the work-queue consumers.
type WorkerConfig struct {
	Concurrency         int     `mapstructure:"concurrency"`
	WaitSeconds         int     `mapstructure:"wait_seconds"`
	ReceiveRPS          float64 `mapstructure:"receive_rps"`
	ErrorBackoffSeconds int     `mapstructure:"error_backoff_seconds"`
	QueueCapacity       int     `mapstructure:"queue_capacity"`
}

// PollingConfig controls verdict polling.
type PollingConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	// UnitMillis is the length of one backoff step and one timeout second.
	UnitMillis int `mapstructure:"unit_ms"`
}

// QueueConfig selects the queue backend and names its topics.
type QueueConfig struct {
	Backend          string `mapstructure:"backend"`
	WorkTopic        string `mapstructure:"work_topic"`
	ScanTopic        string `mapstructure:"scan_topic"`
	WorkSubscription string `mapstructure:"work_subscription"`
}

// PubSubConfig holds Pub/Sub connection metadata.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// StorageConfig selects and configures blob persistence.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	Bucket     string `mapstructure:"bucket"`
	Prefix     string `mapstructure:"prefix"`
	Region     string `mapstructure:"region"`
	Endpoint   string `mapstructure:"endpoint"`
	PublicRead bool   `mapstructure:"public_read"`
	LocalDir   string `mapstructure:"local_dir"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// StoreConfig selects the verdict/result/status backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	VerdictsTable          string `mapstructure:"verdicts_table"`
	ResultsTable           string `mapstructure:"results_table"`
	StatusTable            string `mapstructure:"status_table"`
}

// LevelDBConfig locates the embedded store.
type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service for traces. An empty project_id keeps spans local.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("fetch.max_bytes", 32<<20)
	v.SetDefault("fetch.probe_timeout_seconds", 10)
	v.SetDefault("fetch.transfer_timeout_seconds", 120)
	v.SetDefault("fetch.user_agent", "scanfetch/0.1")
	v.SetDefault("fetch.host_rps", 5)
	v.SetDefault("fetch.host_burst", 5)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.wait_seconds", 20)
	v.SetDefault("worker.receive_rps", 0)
	v.SetDefault("worker.error_backoff_seconds", 1)
	v.SetDefault("worker.queue_capacity", 256)
	v.SetDefault("polling.default_timeout_seconds", 60)
	v.SetDefault("polling.unit_ms", 1000)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.work_topic", "fetch-work")
	v.SetDefault("queue.scan_topic", "scan-requests")
	v.SetDefault("queue.work_subscription", "fetch-work-sub")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "blobs")
	v.SetDefault("storage.public_read", true)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.verdicts_table", "scan_verdicts")
	v.SetDefault("db.results_table", "scan_results")
	v.SetDefault("db.status_table", "scan_status")
	v.SetDefault("leveldb.path", "./data/leveldb")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "scanfetch")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be > 0")
	}
	if c.Fetch.ProbeTimeoutSeconds <= 0 || c.Fetch.TransferTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch timeouts must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Polling.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("polling.default_timeout_seconds must be > 0")
	}
	if c.Queue.WorkTopic == "" || c.Queue.ScanTopic == "" {
		return fmt.Errorf("queue.work_topic and queue.scan_topic are required")
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub queue")
		}
		if c.Queue.WorkSubscription == "" {
			return fmt.Errorf("queue.work_subscription is required for the pubsub queue")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendGCS, BackendS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the %s backend", c.Storage.Backend)
		}
	case BackendMinio:
		if c.Storage.Bucket == "" || c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.bucket and storage.endpoint are required for the minio backend")
		}
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres store")
		}
	case BackendLevelDB:
		if c.LevelDB.Path == "" {
			return fmt.Errorf("leveldb.path is required for the leveldb store")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}

// ProbeTimeout returns the HEAD probe budget.
func (c FetchConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// TransferTimeout returns the GET streaming budget.
func (c FetchConfig) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutSeconds) * time.Second
}

// Wait returns the queue long-poll window.
func (c WorkerConfig) Wait() time.Duration {
	return time.Duration(c.WaitSeconds) * time.Second
}

// ErrorBackoff returns the pause after a failed iteration.
func (c WorkerConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSeconds) * time.Second
}

// Unit returns the polling step length.
func (c PollingConfig) Unit() time.Duration {
	return time.Duration(c.UnitMillis) * time.Millisecond
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// MaxConnLifetime returns the pool connection lifetime.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeMinutes) * time.Minute
}
