package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/engine"
	"github.com/sicko7947/hubflow/events"
	"github.com/sicko7947/hubflow/ingress"
	"github.com/sicko7947/hubflow/registry"
	"github.com/sicko7947/hubflow/server"
	"github.com/sicko7947/hubflow/store"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the HTTP API, bus consumer and worker pool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "HTTP listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("HUBFLOW_ADDR"),
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Persistence backend (memory, postgres, dynamodb)",
				Value:   "memory",
				Sources: cli.EnvVars("HUBFLOW_STORE"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection URL",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "dynamodb-table",
				Usage:   "DynamoDB table name",
				Value:   "hubflow",
				Sources: cli.EnvVars("HUBFLOW_DYNAMODB_TABLE"),
			},
			&cli.StringFlag{
				Name:    "dynamodb-endpoint",
				Usage:   "DynamoDB endpoint override, e.g. for DynamoDB Local",
				Sources: cli.EnvVars("DYNAMODB_ENDPOINT"),
			},
			&cli.BoolFlag{
				Name:    "dynamodb-create-table",
				Usage:   "Create the DynamoDB table when missing",
				Sources: cli.EnvVars("HUBFLOW_DYNAMODB_CREATE_TABLE"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the idempotency cache; in-memory when empty",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Sources: cli.EnvVars("REDIS_DB"),
			},
			&cli.DurationFlag{
				Name:    "dedup-window",
				Usage:   "How long an idempotency key is remembered",
				Value:   hubflow.DefaultDedupWindow,
				Sources: cli.EnvVars("HUBFLOW_DEDUP_WINDOW"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Message bus (none, gochannel, kafka)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "kafka-group",
				Usage:   "Kafka consumer group",
				Value:   "cg-hubflow",
				Sources: cli.EnvVars("KAFKA_CONSUMER_GROUP"),
			},
			&cli.StringFlag{
				Name:    "definitions",
				Usage:   "Directory of workflow definition YAML files",
				Value:   "./definitions",
				Sources: cli.EnvVars("HUBFLOW_DEFINITIONS"),
			},
			&cli.StringFlag{
				Name:    "sources",
				Usage:   "Source systems YAML file; any source is accepted when empty",
				Sources: cli.EnvVars("HUBFLOW_SOURCES"),
			},
			&cli.StringFlag{
				Name:    "actions",
				Usage:   "HTTP actions YAML file",
				Sources: cli.EnvVars("HUBFLOW_ACTIONS"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Worker pool size",
				Value:   engine.DefaultEngineConfig.Workers,
				Sources: cli.EnvVars("HUBFLOW_WORKERS"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Value:   hubflow.DefaultLeaseTTL,
				Sources: cli.EnvVars("HUBFLOW_LEASE_TTL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Value:   engine.DefaultEngineConfig.PollInterval,
				Sources: cli.EnvVars("HUBFLOW_POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "Delete terminal runs older than this; 0 keeps them forever",
				Sources: cli.EnvVars("HUBFLOW_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "retention-schedule",
				Value:   engine.DefaultRetentionSchedule,
				Sources: cli.EnvVars("HUBFLOW_RETENTION_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces over OTLP/HTTP (configured by OTEL_EXPORTER_OTLP_* variables)",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "service-name",
				Value:   "hubflow",
				Sources: cli.EnvVars("OTEL_SERVICE_NAME"),
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Logger

	if command.Bool("otel") {
		tp, err := setupTracing(ctx, command.String("service-name"))
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	backend, err := openStore(ctx, command)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}()

	reg := registry.New(registry.WithLogger(logger))
	if err := loadDefinitions(reg, command.String("definitions")); err != nil {
		return err
	}

	mux, err := loadAdapters(command)
	if err != nil {
		return err
	}

	bus, err := openBus(command)
	if err != nil {
		return err
	}
	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close event bus")
			}
		}()
	}

	engineOpts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithTracerProvider(otel.GetTracerProvider()),
		engine.WithConfig(engine.EngineConfig{
			Workers:      command.Int("workers"),
			LeaseTTL:     command.Duration("lease-ttl"),
			PollInterval: command.Duration("poll-interval"),
			ClaimBatch:   engine.DefaultEngineConfig.ClaimBatch,
		}),
	}
	monitor := engine.NewMonitor(engine.DefaultRecentNotifications)
	notifiers := []engine.Notifier{monitor}
	if bus != nil {
		notifiers = append(notifiers, events.NewNotifier(bus.Publisher, ""))
	}
	engineOpts = append(engineOpts, engine.WithNotifier(engine.MultiNotifier(notifiers...)))
	eng := engine.NewEngine(backend.store, reg, mux, engineOpts...)

	dedup, closeDedup, err := openDedup(ctx, command)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDedup(); err != nil {
			logger.Error().Err(err).Msg("Failed to close idempotency cache")
		}
	}()

	ingressOpts := []ingress.Option{
		ingress.WithLogger(logger),
		ingress.WithDedupCache(dedup),
		ingress.WithDedupWindow(command.Duration("dedup-window")),
	}
	sources := command.String("sources")
	if sources == "" {
		ingressOpts = append(ingressOpts, ingress.WithOpenSources())
	}
	in := ingress.New(backend.store, reg, eng, ingressOpts...)
	if sources != "" {
		if err := in.LoadSources(sources); err != nil {
			return err
		}
	}

	if period := command.Duration("retention"); period > 0 {
		retention := engine.NewRetention(backend.store, period, logger)
		if err := retention.Start(ctx, command.String("retention-schedule")); err != nil {
			return err
		}
		defer retention.Stop()
	}

	// Workers drain through Stop, not through the signal context
	if err := eng.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	consumerDone := make(chan error, 1)
	if bus != nil {
		consumer := events.NewConsumer(bus.Subscriber, in, "", logger)
		go func() { consumerDone <- consumer.Run(ctx) }()
	} else {
		close(consumerDone)
	}

	serverOpts := []server.Option{server.WithLogger(logger), server.WithActivity(monitor)}
	if pinger, ok := backend.store.(store.Pinger); ok {
		serverOpts = append(serverOpts, server.WithHealth(pinger))
	}
	srv := server.New(eng, in, reg, serverOpts...)

	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.Listen(command.String("addr")) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-listenErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}
	stop()

	var errs []error
	if err := srv.Shutdown(5 * time.Second); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		errs = append(errs, err)
	}
	if err := <-consumerDone; err != nil {
		errs = append(errs, err)
	}

	logger.Info().Msg("Stopped")
	return errors.Join(errs...)
}

func loadDefinitions(reg *registry.Registry, dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("dir", dir).Msg("Definitions directory not found; no workflows registered")
		return nil
	}
	defs, err := reg.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		log.Info().Str("definition", def.Key()).Int("steps", len(def.Steps)).Msg("Definition registered")
	}
	return nil
}
