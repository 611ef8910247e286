package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/adapter"
	"github.com/sicko7947/hubflow/events"
	"github.com/sicko7947/hubflow/ingress"
	"github.com/sicko7947/hubflow/store"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
}

// backend is the selected store plus its shutdown hook
type backend struct {
	store hubflow.Store
	close func() error
}

func openStore(ctx context.Context, command *cli.Command) (*backend, error) {
	logger := log.Logger.With().Str("component", "store").Logger()

	switch kind := command.String("store"); kind {
	case "memory":
		logger.Warn().Msg("Using in-memory store; runs are lost on restart")
		return &backend{store: store.NewMemoryStore(), close: func() error { return nil }}, nil

	case "postgres":
		url := command.String("database-url")
		if url == "" {
			return nil, fmt.Errorf("--database-url is required for the postgres store")
		}
		pg, err := store.NewPostgresStore(ctx, url, logger)
		if err != nil {
			return nil, err
		}
		return &backend{store: pg, close: pg.Close}, nil

	case "dynamodb":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		endpoint := command.String("dynamodb-endpoint")
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})

		table := command.String("dynamodb-table")
		if command.Bool("dynamodb-create-table") {
			if err := store.EnsureTable(ctx, client, table); err != nil {
				return nil, err
			}
		}
		logger.Info().Str("table", table).Msg("Using DynamoDB store")
		return &backend{store: store.NewDynamoDBStore(client, table), close: func() error { return nil }}, nil

	default:
		return nil, fmt.Errorf("unknown store %q (memory, postgres, dynamodb)", kind)
	}
}

func openDedup(ctx context.Context, command *cli.Command) (ingress.DedupCache, func() error, error) {
	addr := command.String("redis-addr")
	if addr == "" {
		dedup := ingress.NewMemoryDedup()
		if err := dedup.StartSweeper(ingress.DefaultDedupSweepSchedule, log.Logger); err != nil {
			return nil, nil, err
		}
		return dedup, func() error {
			dedup.Stop()
			return nil
		}, nil
	}

	dedup, err := ingress.DialRedisDedup(ctx, addr, command.String("redis-password"), command.Int("redis-db"))
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("addr", addr).Msg("Using Redis idempotency cache")
	return dedup, dedup.Close, nil
}

func openBus(command *cli.Command) (*events.PubSub, error) {
	logger := events.NewLogger(log.Logger)

	switch kind := command.String("event-bus"); kind {
	case "", "none":
		return nil, nil
	case "gochannel":
		return events.NewGoChannel(logger), nil
	case "kafka":
		return events.NewKafka(events.KafkaConfig{
			Brokers:       command.StringSlice("kafka-brokers"),
			ConsumerGroup: command.String("kafka-group"),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown event bus %q (none, gochannel, kafka)", kind)
	}
}

func loadAdapters(command *cli.Command) (*adapter.Mux, error) {
	mux := adapter.NewMux()

	path := command.String("actions")
	if path == "" {
		return mux, nil
	}

	actions, err := adapter.LoadActions(path)
	if err != nil {
		return nil, err
	}
	httpAdapter, err := adapter.NewHTTPAdapter(actions,
		adapter.WithHTTPLogger(log.Logger.With().Str("component", "http_adapter").Logger()),
	)
	if err != nil {
		return nil, err
	}
	httpAdapter.Register(mux)

	log.Info().Strs("actions", mux.Actions()).Msg("HTTP actions loaded")
	return mux, nil
}

func setupTracing(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))
	return tp, nil
}
