package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "policy-list reconciliation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "store-host",
			Usage:   "method, hostname, and port of the state store",
			Value:   "https://store.vigil.localhost",
			EnvVars: []string{"WARDEN_STORE_HOST"},
		},
		&cli.StringFlag{
			Name:    "stream-host",
			Usage:   "websocket host for the store's notification stream (defaults to store-host with ws scheme)",
			EnvVars: []string{"WARDEN_STREAM_HOST"},
		},
		&cli.StringFlag{
			Name:    "store-token",
			Usage:   "bearer token for the state store",
			EnvVars: []string{"WARDEN_STORE_TOKEN"},
		},
		&cli.IntFlag{
			Name:    "store-rate-limit",
			Usage:   "max state store requests per second",
			Value:   100,
			EnvVars: []string{"WARDEN_STORE_RATE_LIMIT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "container",
			Usage:   "policy container ID to track (may be repeated)",
			EnvVars: []string{"WARDEN_CONTAINERS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for counters and stream cursors; optional",
			EnvVars: []string{"WARDEN_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the admin API",
			Value:   ":3899",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3898",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "coalesce-poll-interval",
			Usage:   "quiescence granularity for change coalescing",
			Value:   200 * time.Millisecond,
			EnvVars: []string{"WARDEN_COALESCE_POLL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "coalesce-max-delay",
			Usage:   "ceiling on reconciliation trigger latency under continuous traffic",
			Value:   3 * time.Second,
			EnvVars: []string{"WARDEN_COALESCE_MAX_DELAY"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				return fmt.Errorf("failed to create trace exporter: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("warden"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		containers := cctx.StringSlice("container")
		if len(containers) == 0 {
			return fmt.Errorf("at least one --container is required")
		}

		srv, err := NewServer(Config{
			StoreHost:      cctx.String("store-host"),
			StreamHost:     cctx.String("stream-host"),
			StoreToken:     cctx.String("store-token"),
			StoreRateLimit: cctx.Int("store-rate-limit"),
			Containers:     containers,
			RedisURL:       cctx.String("redis-url"),
			PollInterval:   cctx.Duration("coalesce-poll-interval"),
			MaxDelay:       cctx.Duration("coalesce-max-delay"),
			Logger:         logger,
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()
		go func() {
			if err := srv.RunAdmin(cctx.String("bind")); err != nil {
				slog.Error("failed to start admin API", "error", err)
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run warden service: %w", err)
		}
		return nil
	},
}
