package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads configuration from path (if non-empty), overlaying
// environment variables and finally the built-in defaults, mirroring
// settings.py's BaseSettings precedence (env_file < actual environment
// < explicit overrides). With an empty path, finding no config file in
// the search paths is tolerated: env vars and defaults alone are enough
// to run. Any other read error, including a missing explicit path, is
// returned.
func Load(path string) (Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mail-ingestion")
	}

	v.SetEnvPrefix("EMAIL_INGESTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every field of d with viper under its
// mapstructure key so env vars and partial config files only need to
// override what differs from Default().
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.stream_name", d.Redis.StreamName)
	v.SetDefault("redis.max_stream_length", d.Redis.MaxStreamLength)

	v.SetDefault("imap.host", d.IMAP.Host)
	v.SetDefault("imap.port", d.IMAP.Port)
	v.SetDefault("imap.mailbox", d.IMAP.Mailbox)
	v.SetDefault("imap.poll_interval_seconds", d.IMAP.PollIntervalSeconds)
	v.SetDefault("imap.username", d.IMAP.Username)
	v.SetDefault("imap.password", d.IMAP.Password)
	v.SetDefault("imap.auth_mode", d.IMAP.AuthMode)
	v.SetDefault("imap.use_tls", d.IMAP.UseTLS)

	v.SetDefault("oauth2.client_id", d.OAuth2.ClientID)
	v.SetDefault("oauth2.client_secret", d.OAuth2.ClientSecret)
	v.SetDefault("oauth2.redirect_uri", d.OAuth2.RedirectURI)
	v.SetDefault("oauth2.token_file", d.OAuth2.TokenFile)

	v.SetDefault("worker.consumer_group_name", d.Worker.ConsumerGroupName)
	v.SetDefault("worker.consumer_name", d.Worker.ConsumerName)
	v.SetDefault("worker.batch_size", d.Worker.BatchSize)
	v.SetDefault("worker.block_timeout_ms", d.Worker.BlockTimeoutMS)

	v.SetDefault("idempotency.ttl_seconds", d.Idempotency.TTLSeconds)
	v.SetDefault("idempotency.backend", d.Idempotency.Backend)

	v.SetDefault("dlq.stream_name", d.DLQ.StreamName)
	v.SetDefault("dlq.max_length", d.DLQ.MaxLength)
	v.SetDefault("dlq.max_retry_attempts", d.DLQ.MaxRetryAttempts)
	v.SetDefault("dlq.initial_backoff_seconds", d.DLQ.InitialBackoffSeconds)
	v.SetDefault("dlq.max_backoff_seconds", d.DLQ.MaxBackoffSeconds)

	v.SetDefault("recovery.min_idle_ms", d.Recovery.MinIdleMS)
	v.SetDefault("recovery.max_claim_count", d.Recovery.MaxClaimCount)
	v.SetDefault("recovery.max_delivery_count", d.Recovery.MaxDeliveryCount)
	v.SetDefault("recovery.check_interval_seconds", d.Recovery.CheckIntervalSeconds)
	v.SetDefault("recovery.watchdog_interval_seconds", d.Recovery.WatchdogIntervalSeconds)
	v.SetDefault("recovery.watchdog_max_failures", d.Recovery.WatchdogMaxFailures)

	v.SetDefault("circuit_breaker.failure_threshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.recovery_timeout_seconds", d.CircuitBreaker.RecoveryTimeoutSeconds)
	v.SetDefault("circuit_breaker.success_threshold", d.CircuitBreaker.SuccessThreshold)

	v.SetDefault("monitoring.metrics_port", d.Monitoring.MetricsPort)
	v.SetDefault("monitoring.health_check_port", d.Monitoring.HealthCheckPort)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("processor.output_stream_name", d.Processor.OutputStreamName)
	v.SetDefault("processor.max_email_size_bytes", d.Processor.MaxEmailSizeBytes)

	v.SetDefault("shutdown_timeout_seconds", d.ShutdownTimeoutSeconds)
}

// WatchForChanges calls onChange with the freshly reloaded Config
// whenever the underlying file at path changes, using fsnotify via
// viper.WatchConfig. Reload failures are swallowed in favor of keeping
// the last-known-good Config and are reported through onError instead.
func WatchForChanges(path string, onChange func(Config), onError func(error)) error {
	if path == "" {
		return fmt.Errorf("config: WatchForChanges requires a config file path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg := Default()
		if err := v.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("config: reload unmarshal: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onError(fmt.Errorf("config: reload validate: %w", err))
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
