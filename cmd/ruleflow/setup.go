package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/ruleflow/pkg/cmd"
	"github.com/dukex/ruleflow/pkg/config"
	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/log"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/otelhelper"
	"github.com/dukex/ruleflow/pkg/persistence"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

// runtime holds the collaborators shared by the commands.
type runtime struct {
	logger *slog.Logger
	config config.Engine
	store  persistence.Persistence
	bus    eventbus.EventBus
	engine *cmd.Engine

	shutdownTracer func(context.Context) error
}

func setup(ctx context.Context, command *cli.Command, service, instanceID string) (*runtime, error) {
	log.Setup(command.String("log-level"))

	rt := &runtime{logger: log.WithModule(service)}

	cfg, err := config.Load(command.String("engine-config"))
	if err != nil {
		return nil, err
	}

	rt.config = cfg

	var tracer trace.Tracer

	if command.Bool("tracing") {
		t, shutdown, err := otelhelper.NewTracer(ctx, "ruleflow-"+service)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}

		tracer, rt.shutdownTracer = t, shutdown
	}

	rt.store, err = cmd.NewPersistence(ctx, rt.logger, command.String("database-url"))
	if err != nil {
		rt.close(ctx)

		return nil, err
	}

	if provider := command.String("event-bus"); provider != "" {
		rt.bus, err = cmd.NewEventBus(provider, command.String("kafka-brokers"), instanceID, rt.logger)
		if err != nil {
			rt.close(ctx)

			return nil, err
		}
	}

	opts := cmd.EngineOptions{
		Config:         cfg,
		UsersFile:      command.String("users-file"),
		ContentBaseURL: command.String("content-base-url"),
		PluginsPath:    command.String("plugins-path"),
		Tracer:         tracer,
	}

	opts.Publisher = publisherOf(rt)

	rt.engine, err = cmd.NewEngine(rt.logger, rt.store, opts)
	if err != nil {
		rt.close(ctx)

		return nil, err
	}

	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	if rt.engine != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := rt.engine.Shutdown(shutdownCtx); err != nil {
			rt.logger.WarnContext(ctx, "Running executions were cancelled", "error", err)
		}
		cancel()

		if err := rt.engine.Close(); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to close action clients", "error", err)
		}
	}

	if rt.bus != nil {
		if err := rt.bus.Close(); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if rt.store != nil {
		if err := rt.store.Close(ctx); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	if rt.shutdownTracer != nil {
		if err := rt.shutdownTracer(ctx); err != nil {
			rt.logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
		}
	}
}

// dispatch hands scheduler events to the engine without waiting for the
// executions to finish.
func (rt *runtime) dispatch(ctx context.Context, event *models.DomainEvent) error {
	_, err := rt.engine.Enqueue(ctx, event)

	return err
}

func publisherOf(rt *runtime) eventbus.EventPublisher {
	if rt.bus == nil {
		return nil
	}

	return rt.bus
}
