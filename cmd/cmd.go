package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/urfave/cli/v2"

	"github.com/kepler9870u0987/mail-ingestion/config"
)

const (
	ServiceName      = "mail-ingestion"
	ServiceNamespace = "email-ingestion"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run builds and executes the CLI app: a "producer" command polling
// IMAP into the stream store, and a "worker" command consuming it.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "At-least-once email ingestion pipeline",
		Commands: []*cli.Command{
			producerCmd(),
			workerCmd(),
		},
	}

	return app.Run(os.Args)
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the configuration file (YAML); env vars and defaults fill in the rest",
	}
}

func producerCmd() *cli.Command {
	return &cli.Command{
		Name:  "producer",
		Usage: "Poll the configured mailbox and push new emails into the stream store",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			return runApp(c.Context, NewProducerApp(cfg), cfg)
		},
	}
}

func workerCmd() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume the email stream under a consumer group, processing and dead-lettering messages",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			disambiguateConsumerName(&cfg)
			return runApp(c.Context, NewWorkerApp(cfg), cfg)
		},
	}
}

// disambiguateConsumerName appends a short random suffix to an
// unconfigured worker.consumer_name so that multiple worker replicas
// started from the same config don't collide on one Redis consumer
// group identity. Left untouched when the operator has set it
// explicitly (anything other than Default()'s placeholder).
func disambiguateConsumerName(cfg *config.Config) {
	if cfg.Worker.ConsumerName != config.Default().Worker.ConsumerName {
		return
	}
	cfg.Worker.ConsumerName = cfg.Worker.ConsumerName + "-" + shortuuid.New()[:8]
}

// runApp starts an fx.App, blocks until SIGINT/SIGTERM, then stops it
// within the configured shutdown timeout.
func runApp(ctx context.Context, app interface {
	Start(context.Context) error
	Stop(context.Context) error
}, cfg config.Config) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}
