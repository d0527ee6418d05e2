// Package config is the ingestion pipeline's settings struct (spec.md
// §6), ported from
// _examples/original_source/config/settings.py's Pydantic
// BaseSettings sections into a struct-of-structs, the shape
// _examples/infodancer-pop3d/internal/config/config.go uses for its
// own server config. Loading goes through github.com/spf13/viper
// instead of go-toml/flag: viper and fsnotify are already direct
// dependencies in the teacher's own go.mod (unused in the retrieved
// teacher source), and viper's env-var + file + watch support covers
// the same ground settings.py's env_prefix/env_file handling does.
package config

import "time"

// Config aggregates every configuration section the producer and
// worker processes read from (spec.md §6).
type Config struct {
	Redis         RedisConfig         `mapstructure:"redis"`
	IMAP          IMAPConfig          `mapstructure:"imap"`
	OAuth2        OAuth2Config        `mapstructure:"oauth2"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	DLQ           DLQConfig           `mapstructure:"dlq"`
	Recovery      RecoveryConfig      `mapstructure:"recovery"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Processor     ProcessorConfig     `mapstructure:"processor"`
	ShutdownTimeoutSeconds int        `mapstructure:"shutdown_timeout_seconds"`
}

// RedisConfig is the stream store's connection and sizing settings
// (settings.py's RedisSettings, env_prefix REDIS_).
type RedisConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	StreamName      string `mapstructure:"stream_name"`
	MaxStreamLength int64  `mapstructure:"max_stream_length"`
}

// IMAPConfig is the mailbox connection settings (IMAPSettings, env_prefix IMAP_).
type IMAPConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Mailbox            string `mapstructure:"mailbox"`
	PollIntervalSeconds int   `mapstructure:"poll_interval_seconds"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	AuthMode           string `mapstructure:"auth_mode"` // "password" or "xoauth2"
	UseTLS             bool   `mapstructure:"use_tls"`
}

// OAuth2Config is the XOAUTH2 credential set (OAuth2Settings, env_prefix GOOGLE_).
type OAuth2Config struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	TokenFile    string `mapstructure:"token_file"`
}

// WorkerConfig is the consumer-group identity and batching settings (WorkerSettings).
type WorkerConfig struct {
	ConsumerGroupName string `mapstructure:"consumer_group_name"`
	ConsumerName      string `mapstructure:"consumer_name"`
	BatchSize         int64  `mapstructure:"batch_size"`
	BlockTimeoutMS    int    `mapstructure:"block_timeout_ms"`
}

// IdempotencyConfig tunes the duplicate-message filter (IdempotencySettings).
type IdempotencyConfig struct {
	TTLSeconds int  `mapstructure:"ttl_seconds"`
	Backend    string `mapstructure:"backend"` // "redis" or "local"
}

// DLQConfig tunes dead-letter routing and the per-message retry curve
// (DLQSettings — the backoff fields double as the spec.md §4.5 retry
// controller's config since the source keys both off the same struct).
type DLQConfig struct {
	StreamName            string `mapstructure:"stream_name"`
	MaxLength             int64  `mapstructure:"max_length"`
	MaxRetryAttempts      int    `mapstructure:"max_retry_attempts"`
	InitialBackoffSeconds int    `mapstructure:"initial_backoff_seconds"`
	MaxBackoffSeconds     int    `mapstructure:"max_backoff_seconds"`
}

// RecoveryConfig tunes the orphan sweep (referenced by worker.py's
// settings.recovery.*, not defined in the distilled settings.py —
// supplemented here since OrphanedMessageRecovery requires it).
type RecoveryConfig struct {
	MinIdleMS            int   `mapstructure:"min_idle_ms"`
	MaxClaimCount        int64 `mapstructure:"max_claim_count"`
	MaxDeliveryCount     int64 `mapstructure:"max_delivery_count"`
	CheckIntervalSeconds int   `mapstructure:"check_interval_seconds"`
	WatchdogIntervalSeconds int `mapstructure:"watchdog_interval_seconds"`
	WatchdogMaxFailures     int `mapstructure:"watchdog_max_failures"`
}

// CircuitBreakerConfig tunes every named breaker (referenced by
// worker.py's settings.circuit_breaker.*, supplemented for the same
// reason as RecoveryConfig).
type CircuitBreakerConfig struct {
	FailureThreshold       uint32 `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int    `mapstructure:"recovery_timeout_seconds"`
	SuccessThreshold       uint32 `mapstructure:"success_threshold"`
}

// MonitoringConfig is the health/metrics HTTP bind settings (MonitoringSettings).
type MonitoringConfig struct {
	MetricsPort     int `mapstructure:"metrics_port"`
	HealthCheckPort int `mapstructure:"health_check_port"`
}

// LoggingConfig tunes structured logging (LoggingSettings, plus
// rotation fields internal/logging.Config needs that settings.py never
// named).
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ProcessorConfig tunes the business-logic stage (referenced by
// processor.py's create_processor_from_config, not modeled in
// settings.py — supplemented here).
type ProcessorConfig struct {
	OutputStreamName  string `mapstructure:"output_stream_name"`
	MaxEmailSizeBytes int64  `mapstructure:"max_email_size_bytes"`
}

// Default returns a Config populated with the same defaults
// settings.py's Field(default=...) declarations carry.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Host: "localhost", Port: 6379, DB: 0,
			StreamName: "email_ingestion_stream", MaxStreamLength: 10_000,
		},
		IMAP: IMAPConfig{
			Host: "imap.gmail.com", Port: 993, Mailbox: "INBOX",
			PollIntervalSeconds: 60, AuthMode: "password", UseTLS: true,
		},
		OAuth2: OAuth2Config{RedirectURI: "http://localhost:8080", TokenFile: "tokens/gmail_token.json"},
		Worker: WorkerConfig{
			ConsumerGroupName: "email_processor_group", ConsumerName: "worker_01",
			BatchSize: 10, BlockTimeoutMS: 5000,
		},
		Idempotency: IdempotencyConfig{TTLSeconds: 86_400, Backend: "redis"},
		DLQ: DLQConfig{
			StreamName: "email_ingestion_dlq", MaxLength: 10_000,
			MaxRetryAttempts: 3, InitialBackoffSeconds: 2, MaxBackoffSeconds: 3600,
		},
		Recovery: RecoveryConfig{
			MinIdleMS: 300_000, MaxClaimCount: 50, MaxDeliveryCount: 10,
			CheckIntervalSeconds: 300, WatchdogIntervalSeconds: 30, WatchdogMaxFailures: 3,
		},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeoutSeconds: 60, SuccessThreshold: 3},
		Monitoring:     MonitoringConfig{MetricsPort: 9090, HealthCheckPort: 8080},
		Logging:        LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Processor:      ProcessorConfig{MaxEmailSizeBytes: 26_214_400},
		ShutdownTimeoutSeconds: 30,
	}
}

// RecoveryTimeout returns CircuitBreaker.RecoveryTimeoutSeconds as a Duration.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// BlockTimeout returns Worker.BlockTimeoutMS as a Duration.
func (c WorkerConfig) BlockTimeout() time.Duration {
	return time.Duration(c.BlockTimeoutMS) * time.Millisecond
}

// MinIdle returns Recovery.MinIdleMS as a Duration.
func (c RecoveryConfig) MinIdle() time.Duration {
	return time.Duration(c.MinIdleMS) * time.Millisecond
}

// CheckInterval returns Recovery.CheckIntervalSeconds as a Duration.
func (c RecoveryConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// WatchdogInterval returns Recovery.WatchdogIntervalSeconds as a Duration.
func (c RecoveryConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

// TTL returns Idempotency.TTLSeconds as a Duration.
func (c IdempotencyConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// InitialBackoff returns DLQ.InitialBackoffSeconds as a Duration.
func (c DLQConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSeconds) * time.Second
}

// MaxBackoff returns DLQ.MaxBackoffSeconds as a Duration.
func (c DLQConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// PollInterval returns IMAP.PollIntervalSeconds as a Duration.
func (c IMAPConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ShutdownTimeout returns ShutdownTimeoutSeconds as a Duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Validate checks required fields are set, matching the guard rails
// Pydantic's required fields (no default) enforce for OAuth2Settings
// when auth_mode is xoauth2.
func (c Config) Validate() error {
	if c.Redis.Host == "" {
		return errRequired("redis.host")
	}
	if c.IMAP.Host == "" {
		return errRequired("imap.host")
	}
	if c.IMAP.AuthMode == "xoauth2" {
		if c.OAuth2.ClientID == "" {
			return errRequired("oauth2.client_id")
		}
		if c.OAuth2.ClientSecret == "" {
			return errRequired("oauth2.client_secret")
		}
	}
	if c.Worker.ConsumerGroupName == "" {
		return errRequired("worker.consumer_group_name")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errRequired(field string) error {
	return configError(field + " is required")
}
