package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the automation engine
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	SES          SESConfig          `yaml:"ses"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Automation   AutomationConfig   `yaml:"automation"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the connection lifetime as a duration.
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds Redis settings. An empty URL disables Redis: workers
// poll instead of waiting for wakeups, locks fall back to Postgres and
// segment counts are not cached.
type RedisConfig struct {
	URL           string `yaml:"url"`
	WakeupChannel string `yaml:"wakeup_channel"`
}

// SESConfig holds AWS SES configuration
type SESConfig struct {
	Enabled          bool   `yaml:"enabled"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	Region           string `yaml:"region"`
	ConfigurationSet string `yaml:"configuration_set"`

	// Sending quota shared by every worker; zero disables the window.
	MaxSendRate  int `yaml:"max_send_rate"`
	MaxDailySend int `yaml:"max_daily_send"`
}

// JobsConfig tunes the job queue and worker pool
type JobsConfig struct {
	Workers               int `yaml:"workers"`
	BatchSize             int `yaml:"batch_size"`
	PollIntervalMs        int `yaml:"poll_interval_ms"`
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
	BackoffBaseSeconds    int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds     int `yaml:"backoff_max_seconds"`
	RecoveryIntervalSec   int `yaml:"recovery_interval_seconds"`
	StaleAfterSeconds     int `yaml:"stale_after_seconds"`

	CompletedRetentionHours int   `yaml:"completed_retention_hours"`
	FailedRetentionDays     int   `yaml:"failed_retention_days"`
	MaxQueueDepth           int64 `yaml:"max_queue_depth"`
}

func (j JobsConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalMs) * time.Millisecond
}

func (j JobsConfig) AttemptTimeout() time.Duration {
	return time.Duration(j.AttemptTimeoutSeconds) * time.Second
}

func (j JobsConfig) BackoffBase() time.Duration {
	return time.Duration(j.BackoffBaseSeconds) * time.Second
}

func (j JobsConfig) BackoffMax() time.Duration {
	return time.Duration(j.BackoffMaxSeconds) * time.Second
}

func (j JobsConfig) RecoveryInterval() time.Duration {
	return time.Duration(j.RecoveryIntervalSec) * time.Second
}

func (j JobsConfig) StaleAfter() time.Duration {
	return time.Duration(j.StaleAfterSeconds) * time.Second
}

func (j JobsConfig) CompletedRetention() time.Duration {
	return time.Duration(j.CompletedRetentionHours) * time.Hour
}

func (j JobsConfig) FailedRetention() time.Duration {
	return time.Duration(j.FailedRetentionDays) * 24 * time.Hour
}

// AutomationConfig holds the trigger scanner configuration
type AutomationConfig struct {
	ScanEnabled    bool   `yaml:"scan_enabled"`
	ScanSchedule   string `yaml:"scan_schedule"`
	ScanBatchSize  int    `yaml:"scan_batch_size"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the scan lock TTL as a duration.
func (a AutomationConfig) LockTTL() time.Duration {
	return time.Duration(a.LockTTLSeconds) * time.Second
}

// SegmentationConfig holds segment preview settings
type SegmentationConfig struct {
	CountCacheTTLSeconds int `yaml:"count_cache_ttl_seconds"`
}

// CountCacheTTL returns the preview count cache TTL.
func (s SegmentationConfig) CountCacheTTL() time.Duration {
	return time.Duration(s.CountCacheTTLSeconds) * time.Second
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// ShouldRedactPII defaults to true when unset.
func (l LoggingConfig) ShouldRedactPII() bool {
	return l.RedactPII == nil || *l.RedactPII
}

// Load reads and parses the configuration file. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.WakeupChannel == "" {
		cfg.Redis.WakeupChannel = "automation:jobs:wake"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 8
	}
	if cfg.Jobs.BatchSize == 0 {
		cfg.Jobs.BatchSize = 10
	}
	if cfg.Jobs.PollIntervalMs == 0 {
		cfg.Jobs.PollIntervalMs = 1000
	}
	if cfg.Jobs.AttemptTimeoutSeconds == 0 {
		cfg.Jobs.AttemptTimeoutSeconds = 60
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 5
	}
	if cfg.Jobs.BackoffBaseSeconds == 0 {
		cfg.Jobs.BackoffBaseSeconds = 10
	}
	if cfg.Jobs.BackoffMaxSeconds == 0 {
		cfg.Jobs.BackoffMaxSeconds = 600
	}
	if cfg.Jobs.RecoveryIntervalSec == 0 {
		cfg.Jobs.RecoveryIntervalSec = 120
	}
	if cfg.Jobs.StaleAfterSeconds == 0 {
		cfg.Jobs.StaleAfterSeconds = 900
	}
	if cfg.Jobs.CompletedRetentionHours == 0 {
		cfg.Jobs.CompletedRetentionHours = 7 * 24
	}
	if cfg.Jobs.FailedRetentionDays == 0 {
		cfg.Jobs.FailedRetentionDays = 30
	}
	if cfg.Jobs.MaxQueueDepth == 0 {
		cfg.Jobs.MaxQueueDepth = 100000
	}
	if cfg.Automation.ScanSchedule == "" {
		cfg.Automation.ScanSchedule = "@every 5m"
	}
	if cfg.Automation.ScanBatchSize == 0 {
		cfg.Automation.ScanBatchSize = 500
	}
	if cfg.Automation.LockTTLSeconds == 0 {
		cfg.Automation.LockTTLSeconds = 600
	}
	if cfg.Segmentation.CountCacheTTLSeconds == 0 {
		cfg.Segmentation.CountCacheTTLSeconds = 300
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("AWS_SES_CONFIGURATION_SET"); v != "" {
		cfg.SES.ConfigurationSet = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("WORKER_CONCURRENCY must be a positive integer, got %q", v)
		}
		cfg.Jobs.Workers = n
	}

	return cfg, nil
}

// Validate reports settings the worker cannot start without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1")
	}
	// A claimed batch runs serially, so its last job may start this long
	// after the claim. Recovery must not consider it stale before then.
	if window := time.Duration(c.Jobs.BatchSize) * c.Jobs.AttemptTimeout(); c.Jobs.StaleAfter() <= window {
		return fmt.Errorf("jobs.stale_after_seconds (%s) must exceed batch_size x attempt_timeout (%s)",
			c.Jobs.StaleAfter(), window)
	}
	return nil
}
