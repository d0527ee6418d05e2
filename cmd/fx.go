// fx.go wires the producer and worker processes with go.uber.org/fx,
// following the teacher's cmd/fx.go pattern (fx.New(fx.Provide(...),
// fx.Invoke(...))) with the gRPC/postgres/discovery module graph
// replaced by this pipeline's own providers.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/fx"

	"github.com/kepler9870u0987/mail-ingestion/config"
	"github.com/kepler9870u0987/mail-ingestion/internal/consumer"
	"github.com/kepler9870u0987/mail-ingestion/internal/health"
	"github.com/kepler9870u0987/mail-ingestion/internal/producer"
	"github.com/kepler9870u0987/mail-ingestion/internal/shutdown"
)

// NewProducerApp wires the IMAP-to-stream poll loop process.
func NewProducerApp(cfg config.Config) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			ProvideLogger,
			ProvideShutdownManager,
			ProvideMetrics,
			ProvideRedisClient,
			ProvideStreamStore,
			ProvideMailboxState,
			ProvideIMAPClient,
			ProvideIMAPBreaker,
			ProvideStreamBreaker,
			ProvideProducerWatchdog,
			ProvideProducerHealthRegistry,
			ProvideProducerPipeline,
		),
		fx.Invoke(runProducer),
		fx.NopLogger,
	)
}

// NewWorkerApp wires the consumer-group worker process.
func NewWorkerApp(cfg config.Config) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.Provide(
			ProvideLogger,
			ProvideShutdownManager,
			ProvideMetrics,
			ProvideRedisClient,
			ProvideStreamStore,
			ProvideStreamBreaker,
			ProvideIdempotencyFilter,
			ProvideRetryController,
			ProvideDLQ,
			ProvideProcessor,
			ProvideRecovery,
			ProvideWorker,
			ProvideWorkerWatchdog,
			ProvideWorkerHealthRegistry,
		),
		fx.Invoke(runWorker),
		fx.NopLogger,
	)
}

// runProducer registers the poll loop, watchdog, and health server
// against fx's lifecycle and the process-wide shutdown.Manager, in the
// order EmailProducer.run establishes them.
func runProducer(lc fx.Lifecycle, cfg config.Config, pipeline *producer.Pipeline, wd *consumer.Watchdog, reg *health.Registry, mgr *shutdown.Manager, log *slog.Logger) {
	srv := health.NewServer(reg, fmt.Sprintf(":%d", cfg.Monitoring.HealthCheckPort))
	errCh := make(chan error, 1)

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.Start(errCh)
			wd.Start(runCtx)
			go func() {
				defer close(runDone)
				if err := pipeline.Run(runCtx); err != nil && err != context.Canceled {
					log.Error("producer pipeline stopped", "error", err)
				}
			}()
			mgr.Register("producer-pipeline", shutdown.PriorityStopIntake, func() error {
				cancel()
				<-runDone
				return nil
			})
			mgr.Register("health-server", shutdown.PriorityCloseExternal, func() error {
				return srv.Stop(context.Background())
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			wd.Stop()
			mgr.Initiate()
			mgr.WaitForShutdown(cfg.ShutdownTimeout())
			return nil
		},
	})
}

// runWorker registers the consumer-group loop, watchdog, and health
// server, mirroring EmailWorker.run's startup sequence.
func runWorker(lc fx.Lifecycle, cfg config.Config, w *consumer.Worker, wd *consumer.Watchdog, reg *health.Registry, mgr *shutdown.Manager, log *slog.Logger) {
	srv := health.NewServer(reg, fmt.Sprintf(":%d", cfg.Monitoring.HealthCheckPort))
	errCh := make(chan error, 1)

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})

	reg.RegisterStatsProvider("worker", func() any { return w.Stats() })

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.Start(errCh)
			wd.Start(runCtx)
			go func() {
				defer close(runDone)
				if err := w.Run(runCtx); err != nil && err != context.Canceled {
					log.Error("worker loop stopped", "error", err)
				}
			}()
			mgr.Register("worker-loop", shutdown.PriorityStopIntake, func() error {
				cancel()
				<-runDone
				return nil
			})
			mgr.Register("health-server", shutdown.PriorityCloseExternal, func() error {
				return srv.Stop(context.Background())
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			wd.Stop()
			mgr.Initiate()
			mgr.WaitForShutdown(cfg.ShutdownTimeout())
			return nil
		},
	})
}
