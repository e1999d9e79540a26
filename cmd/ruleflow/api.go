package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/dukex/ruleflow/pkg/scheduler"
	"github.com/dukex/ruleflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func apiCommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Serve the HTTP API; without an event bus, events are handled in process",
		Flags: flags(
			[]cli.Flag{
				databaseFlag(true),
				tracingFlag(),
				&cli.IntFlag{
					Name:    "port",
					Aliases: []string{"p"},
					Usage:   "Port to run the API server on",
					Value:   defaultPort,
					Sources: cli.EnvVars("PORT"),
				},
			},
			engineFlags(),
			busFlags(false),
		),
		Action: runAPI,
	}
}

func runAPI(ctx context.Context, command *cli.Command) error {
	rt, err := setup(ctx, command, "api", "api-"+uuid.New().String()[:8])
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	rt.logger.InfoContext(ctx, "Initializing ruleflow API")

	g, ctx := errgroup.WithContext(ctx)

	sched := scheduler.New(rt.dispatch, scheduler.WithLogger(rt.logger))

	var schedules web.ScheduleLister = &storedSchedules{scheduler: sched, rules: rt.store.RuleRepository(), logger: rt.logger}

	if rt.bus == nil {
		// Single process mode: the API also fires cron rules.
		schedules = sched

		g.Go(func() error {
			return sched.Run(ctx, rt.store.RuleRepository(), rt.config.SyncInterval)
		})
	}

	handlers := web.NewAPIHandlers(
		rt.engine.Engine,
		rt.store,
		rt.engine.Registry,
		publisherOf(rt),
		schedules,
		validator.New(validator.WithRequiredStructEnabled()),
		rt.logger,
	)

	app := web.NewApp(handlers)

	g.Go(func() error {
		return app.Listen(":" + strconv.Itoa(int(command.Int("port"))))
	})

	g.Go(func() error {
		<-ctx.Done()
		rt.logger.Info("Shutting down ruleflow API")

		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// storedSchedules lists the schedules of the stored rules without firing them.
type storedSchedules struct {
	scheduler *scheduler.Scheduler
	rules     persistence.RuleRepository
	logger    *slog.Logger
}

func (s *storedSchedules) Schedules() []models.Schedule {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	rules, err := s.rules.AllRules(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load rules", "error", err)

		return nil
	}

	if err := s.scheduler.Sync(rules); err != nil {
		s.logger.WarnContext(ctx, "Some schedules are invalid", "error", err)
	}

	return s.scheduler.Schedules()
}
