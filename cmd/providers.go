package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kepler9870u0987/mail-ingestion/config"
	"github.com/kepler9870u0987/mail-ingestion/internal/breaker"
	"github.com/kepler9870u0987/mail-ingestion/internal/consumer"
	"github.com/kepler9870u0987/mail-ingestion/internal/health"
	"github.com/kepler9870u0987/mail-ingestion/internal/idempotency"
	"github.com/kepler9870u0987/mail-ingestion/internal/imapadapter"
	"github.com/kepler9870u0987/mail-ingestion/internal/logging"
	"github.com/kepler9870u0987/mail-ingestion/internal/mailstate"
	"github.com/kepler9870u0987/mail-ingestion/internal/metrics"
	"github.com/kepler9870u0987/mail-ingestion/internal/processor"
	"github.com/kepler9870u0987/mail-ingestion/internal/producer"
	"github.com/kepler9870u0987/mail-ingestion/internal/retry"
	"github.com/kepler9870u0987/mail-ingestion/internal/shutdown"
	"github.com/kepler9870u0987/mail-ingestion/internal/streamstore"
)

// ProvideLogger builds the process-wide structured logger (cfg.Logging,
// spec.md §6), replacing the teacher's removed ProvideLogger that wired
// watermill's adapter logger instead.
func ProvideLogger(cfg config.Config) *slog.Logger {
	return logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}

// ProvideShutdownManager returns the process-wide shutdown.Manager.
func ProvideShutdownManager(cfg config.Config, log *slog.Logger) *shutdown.Manager {
	return shutdown.Get(cfg.ShutdownTimeout(), log)
}

// ProvideMetrics registers every collector against the default
// Prometheus registry.
func ProvideMetrics() *metrics.Collector {
	return metrics.New(prometheus.DefaultRegisterer)
}

// ProvideRedisClient dials the Redis instance backing both the stream
// store and the mailbox-state store.
func ProvideRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ProvideStreamStore wraps the Redis client as the email/DLQ stream store.
func ProvideStreamStore(client *redis.Client) streamstore.Store {
	return streamstore.New(client)
}

// ProvideMailboxState wraps the Redis client as the producer's
// UID/UIDVALIDITY watermark store.
func ProvideMailboxState(cfg config.Config, client *redis.Client) *mailstate.Store {
	return mailstate.New(client, cfg.IMAP.Username)
}

// ProvideIMAPClient builds the IMAP adapter, resolving the configured
// auth mode into either a static password or a refreshing XOAUTH2 token
// source (imapadapter.google.go).
func ProvideIMAPClient(cfg config.Config) (*imapadapter.Client, error) {
	imapCfg := imapadapter.Config{
		Host:   cfg.IMAP.Host,
		Port:   cfg.IMAP.Port,
		UseTLS: cfg.IMAP.UseTLS,
	}

	switch cfg.IMAP.AuthMode {
	case "xoauth2":
		refreshToken, clientID, clientSecret, err := imapadapter.LoadGoogleTokenFile(cfg.OAuth2.TokenFile)
		if err != nil {
			return nil, err
		}
		if clientID == "" {
			clientID = cfg.OAuth2.ClientID
		}
		if clientSecret == "" {
			clientSecret = cfg.OAuth2.ClientSecret
		}
		imapCfg.Username = cfg.IMAP.Username
		imapCfg.Mode = imapadapter.AuthXOAuth2
		imapCfg.Tokens = imapadapter.NewRefreshingTokenSource(refreshToken, imapadapter.GoogleRefreshFunc(clientID, clientSecret))
	default:
		imapCfg.Username = cfg.IMAP.Username
		imapCfg.Password = cfg.IMAP.Password
		imapCfg.Mode = imapadapter.AuthPassword
	}

	return imapadapter.New(imapCfg), nil
}

// IMAPBreaker and StreamBreaker give the two per-dependency breaker
// instances (spec.md §4.2) distinct types: fx resolves constructor
// arguments by type, and both would otherwise be an indistinguishable
// *breaker.Breaker.
type IMAPBreaker struct{ *breaker.Breaker }
type StreamBreaker struct{ *breaker.Breaker }

func ProvideIMAPBreaker(cfg config.Config) IMAPBreaker {
	return IMAPBreaker{breaker.New("imap", breakerConfig(cfg))}
}

func ProvideStreamBreaker(cfg config.Config) StreamBreaker {
	return StreamBreaker{breaker.New("stream_store", breakerConfig(cfg))}
}

func breakerConfig(cfg config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout(),
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
	}
}

// ProvideIdempotencyFilter chooses the Redis-backed or in-process
// filter per cfg.Idempotency.Backend.
func ProvideIdempotencyFilter(cfg config.Config, client *redis.Client) idempotency.Filter {
	if cfg.Idempotency.Backend == "local" {
		return idempotency.NewLocalFilter(100_000, cfg.Idempotency.TTL())
	}
	return idempotency.NewRedisFilter(client, "email_ingestion:idempotency", cfg.Idempotency.TTL())
}

// ProvideRetryController builds the backoff curve from cfg.DLQ, the
// section backoff.py's BackoffManager is actually configured from.
func ProvideRetryController(cfg config.Config) *retry.Controller {
	return retry.NewController(retry.Config{
		InitialDelay: cfg.DLQ.InitialBackoff(),
		MaxDelay:     cfg.DLQ.MaxBackoff(),
		MaxRetries:   cfg.DLQ.MaxRetryAttempts,
	})
}

// ProvideProcessor builds the email business-logic stage.
func ProvideProcessor(cfg config.Config, store streamstore.Store) *processor.Processor {
	return processor.New(processor.Config{
		MaxEmailSizeBytes: cfg.Processor.MaxEmailSizeBytes,
		OutputStream:      cfg.Processor.OutputStreamName,
	}, store)
}

// ProvideDLQ builds the dead-letter queue writer.
func ProvideDLQ(cfg config.Config, store streamstore.Store) *consumer.DLQ {
	return consumer.NewDLQ(store, cfg.DLQ.StreamName, cfg.DLQ.MaxLength)
}

// ProvideRecovery builds the orphan-sweep helper bound to this
// worker's consumer identity.
func ProvideRecovery(cfg config.Config, store streamstore.Store, log *slog.Logger) *consumer.Recovery {
	return consumer.NewRecovery(
		store, cfg.Redis.StreamName, cfg.Worker.ConsumerGroupName, cfg.Worker.ConsumerName,
		cfg.Recovery.MinIdle(), cfg.Recovery.MaxClaimCount, cfg.Recovery.MaxDeliveryCount, log,
	)
}

// ProvideWorker assembles the consumer-group worker pipeline.
func ProvideWorker(cfg config.Config, store streamstore.Store, idem idempotency.Filter, backoff *retry.Controller, dlq *consumer.DLQ, proc *processor.Processor, recovery *consumer.Recovery, storeBrk StreamBreaker, m *metrics.Collector, log *slog.Logger) *consumer.Worker {
	return consumer.New(consumer.Config{
		StreamName:       cfg.Redis.StreamName,
		Group:            cfg.Worker.ConsumerGroupName,
		ConsumerName:     cfg.Worker.ConsumerName,
		BatchSize:        cfg.Worker.BatchSize,
		BlockTimeout:     cfg.Worker.BlockTimeout(),
		RecoveryInterval: cfg.Recovery.CheckInterval(),
	}, store, idem, backoff, dlq, proc, recovery, storeBrk.Breaker, m, log)
}

// ProvideProducerPipeline assembles the IMAP-to-stream poll loop.
func ProvideProducerPipeline(cfg config.Config, imapClient *imapadapter.Client, store streamstore.Store, state *mailstate.Store, imapBrk IMAPBreaker, storeBrk StreamBreaker, m *metrics.Collector, log *slog.Logger) *producer.Pipeline {
	return producer.New(producer.Config{
		Mailbox:         cfg.IMAP.Mailbox,
		BatchSize:       int(cfg.Worker.BatchSize),
		PollInterval:    cfg.IMAP.PollInterval(),
		StreamName:      cfg.Redis.StreamName,
		MaxStreamLength: cfg.Redis.MaxStreamLength,
	}, imapClient, store, state, imapBrk.Breaker, storeBrk.Breaker, m, log)
}

// ProvideProducerWatchdog wires the producer's connection watchdog:
// named "redis" and "imap" checks (spec.md §4.7/§5), each feeding
// outcomes back into the breaker its own dependency gates on, with the
// imap check additionally reconnecting on sustained failure
// (recovery.py's ConnectionWatchdog wiring in EmailProducer.__init__).
func ProvideProducerWatchdog(cfg config.Config, client *redis.Client, imapClient *imapadapter.Client, imapBrk IMAPBreaker, storeBrk StreamBreaker, log *slog.Logger) *consumer.Watchdog {
	wd := consumer.NewWatchdog(cfg.Recovery.WatchdogInterval(), cfg.Recovery.WatchdogMaxFailures, log)
	wd.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, nil, storeBrk.Breaker)
	wd.AddCheck("imap", func(ctx context.Context) error {
		return imapClient.Ping()
	}, func(ctx context.Context) error {
		_ = imapClient.Close()
		return imapClient.Connect(ctx)
	}, imapBrk.Breaker)
	return wd
}

// ProvideWorkerWatchdog wires the worker's connection watchdog: a
// single named "redis" check feeding the stream-store breaker the
// consumer loop itself reads (EmailWorker.__init__'s ConnectionWatchdog
// wiring — the worker never talks to IMAP).
func ProvideWorkerWatchdog(cfg config.Config, client *redis.Client, storeBrk StreamBreaker, log *slog.Logger) *consumer.Watchdog {
	wd := consumer.NewWatchdog(cfg.Recovery.WatchdogInterval(), cfg.Recovery.WatchdogMaxFailures, log)
	wd.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, nil, storeBrk.Breaker)
	return wd
}

// newHealthRegistry wires the dependency checks shared by both the
// producer and worker health surfaces.
func newHealthRegistry(component string, client *redis.Client) *health.Registry {
	reg := health.NewRegistry(component)
	reg.RegisterCheck(health.Check{
		Name:     "redis",
		Critical: true,
		Fn: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
	return reg
}

// ProvideProducerHealthRegistry and ProvideWorkerHealthRegistry exist
// as distinct fx providers (rather than one function parameterized by
// a bare string) since fx resolves constructor arguments by type, and
// the producer and worker apps each need their own Registry instance
// with a different component label.
func ProvideProducerHealthRegistry(client *redis.Client) *health.Registry {
	return newHealthRegistry("producer", client)
}

func ProvideWorkerHealthRegistry(client *redis.Client) *health.Registry {
	return newHealthRegistry("worker", client)
}
