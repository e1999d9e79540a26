package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "ruleflow",
		Usage:                 "Evaluate rules against domain events and run their flows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			workerCommand(),
			apiCommand(),
			simulateCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		stop()
		panic(err)
	}
}

func databaseFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL for persistence (postgres://... or a directory)",
		Required: required,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "engine-config",
			Usage:   "Path to the engine YAML file (retry policy, timeouts, concurrency)",
			Sources: cli.EnvVars("ENGINE_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "users-file",
			Usage:   "Path to the YAML user directory resolving $USER_* placeholders",
			Sources: cli.EnvVars("USERS_FILE"),
		},
		&cli.StringFlag{
			Name:    "content-base-url",
			Usage:   "Base URL of the content UI used by $CONTENT_URL",
			Sources: cli.EnvVars("CONTENT_BASE_URL"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing action plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
	}
}

func busFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "event-bus",
			Usage:    "Event bus type (kafka, memory)",
			Required: required,
			Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
	}
}

func tracingFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "tracing",
		Usage:   "Export traces over OTLP/HTTP (configured by the OTEL_EXPORTER_OTLP_* variables)",
		Sources: cli.EnvVars("TRACING_ENABLED"),
	}
}

func flags(groups ...[]cli.Flag) []cli.Flag {
	var all []cli.Flag

	for _, group := range groups {
		all = append(all, group...)
	}

	return all
}
