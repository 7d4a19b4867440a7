package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Images   ImagesConfig   `yaml:"images"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Sync     SyncConfig     `yaml:"sync"`
	Queue    QueueConfig    `yaml:"queue"`
}

// ServerConfig holds the local status/control HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// APIConfig holds the remote backend API settings.
type APIConfig struct {
	BaseURL  string `yaml:"base_url"`
	LotID    int64  `yaml:"lot_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Fallback capacity when the lot lookup is unavailable.
	LotCapacity int `yaml:"lot_capacity"`

	ProbeConnectTimeoutMS  int `yaml:"probe_connect_timeout_ms"`
	ProbeReadTimeoutMS     int `yaml:"probe_read_timeout_ms"`
	LoginConnectTimeoutMS  int `yaml:"login_connect_timeout_ms"`
	LoginReadTimeoutMS     int `yaml:"login_read_timeout_ms"`
	UploadConnectTimeoutMS int `yaml:"upload_connect_timeout_ms"`
	UploadReadTimeoutMS    int `yaml:"upload_read_timeout_ms"`
}

// DatabaseConfig holds the embedded database configuration.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// ImagesConfig holds the local image store configuration.
type ImagesConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// MonitorConfig holds the connectivity monitor settings.
type MonitorConfig struct {
	HealthIntervalSeconds int     `yaml:"health_interval_seconds"`
	MaxProbeFailures      int     `yaml:"max_probe_failures"`
	InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `yaml:"max_backoff_seconds"`
	BackoffFactor         float64 `yaml:"backoff_factor"`
	BackoffJitter         float64 `yaml:"backoff_jitter"`

	HealthInterval time.Duration `yaml:"-"` // Ignored by YAML parser
}

// SyncConfig holds the synchronization engine settings.
type SyncConfig struct {
	BatchSize                  int `yaml:"batch_size"`
	MinTokenRefreshSeconds     int `yaml:"min_token_refresh_seconds"`
	PollIntervalMS             int `yaml:"poll_interval_ms"`
	ShutdownSyncTimeoutSeconds int `yaml:"shutdown_sync_timeout_seconds"`
}

// QueueConfig holds the database operation queue settings.
type QueueConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	Depth            int `yaml:"depth"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued settings.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.API.LotID <= 0 {
		cfg.API.LotID = 1
	}
	if cfg.API.LotCapacity <= 0 {
		cfg.API.LotCapacity = 50
	}
	if cfg.API.ProbeConnectTimeoutMS <= 0 {
		cfg.API.ProbeConnectTimeoutMS = 1000
	}
	if cfg.API.ProbeReadTimeoutMS <= 0 {
		cfg.API.ProbeReadTimeoutMS = 2000
	}
	if cfg.API.LoginConnectTimeoutMS <= 0 {
		cfg.API.LoginConnectTimeoutMS = 3000
	}
	if cfg.API.LoginReadTimeoutMS <= 0 {
		cfg.API.LoginReadTimeoutMS = 5000
	}
	if cfg.API.UploadConnectTimeoutMS <= 0 {
		cfg.API.UploadConnectTimeoutMS = 5000
	}
	if cfg.API.UploadReadTimeoutMS <= 0 {
		cfg.API.UploadReadTimeoutMS = 15000
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./local_data.db"
	}
	if cfg.Database.BusyTimeoutMS <= 0 {
		cfg.Database.BusyTimeoutMS = 5000
	}

	if cfg.Images.Dir == "" {
		cfg.Images.Dir = "./offline_images"
	}
	if cfg.Images.RetentionDays <= 0 {
		cfg.Images.RetentionDays = 7
	}

	if cfg.Monitor.HealthIntervalSeconds <= 0 {
		cfg.Monitor.HealthIntervalSeconds = 10
	}
	if cfg.Monitor.MaxProbeFailures <= 0 {
		cfg.Monitor.MaxProbeFailures = 5
	}
	if cfg.Monitor.InitialBackoffSeconds <= 0 {
		cfg.Monitor.InitialBackoffSeconds = 2
	}
	if cfg.Monitor.MaxBackoffSeconds <= 0 {
		cfg.Monitor.MaxBackoffSeconds = 300
	}
	if cfg.Monitor.BackoffFactor <= 1 {
		cfg.Monitor.BackoffFactor = 1.5
	}
	if cfg.Monitor.BackoffJitter <= 0 {
		cfg.Monitor.BackoffJitter = 0.1
	}
	cfg.Monitor.HealthInterval = time.Duration(cfg.Monitor.HealthIntervalSeconds) * time.Second

	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 20
	}
	if cfg.Sync.MinTokenRefreshSeconds <= 0 {
		cfg.Sync.MinTokenRefreshSeconds = 5
	}
	if cfg.Sync.PollIntervalMS <= 0 {
		cfg.Sync.PollIntervalMS = 100
	}
	if cfg.Sync.ShutdownSyncTimeoutSeconds <= 0 {
		cfg.Sync.ShutdownSyncTimeoutSeconds = 30
	}

	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RetryBaseDelayMS <= 0 {
		cfg.Queue.RetryBaseDelayMS = 1000
	}
	if cfg.Queue.Depth <= 0 {
		cfg.Queue.Depth = 64
	}
}
