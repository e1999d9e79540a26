package main

import (
	"context"
	"errors"

	"github.com/dukex/ruleflow/pkg/scheduler"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume domain events from the bus and fire cron rules",
		Flags: flags(
			[]cli.Flag{
				databaseFlag(true),
				tracingFlag(),
				&cli.StringFlag{
					Name:    "worker-id",
					Aliases: []string{"id"},
					Usage:   "Custom worker ID (auto-generated if not provided)",
					Sources: cli.EnvVars("WORKER_ID"),
				},
				&cli.BoolFlag{
					Name:    "scheduler",
					Usage:   "Fire CronJob rules from this worker",
					Value:   true,
					Sources: cli.EnvVars("SCHEDULER_ENABLED"),
				},
			},
			engineFlags(),
			busFlags(true),
		),
		Action: runWorker,
	}
}

func runWorker(ctx context.Context, command *cli.Command) error {
	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	rt, err := setup(ctx, command, "worker", workerID)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	logger := rt.logger.With("worker_id", workerID)
	logger.InfoContext(ctx, "Initializing ruleflow worker")

	if err := rt.engine.Subscribe(rt.bus); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.bus.Subscribe(ctx)
	})

	if command.Bool("scheduler") {
		sched := scheduler.New(rt.dispatch, scheduler.WithLogger(logger))

		g.Go(func() error {
			return sched.Run(ctx, rt.store.RuleRepository(), rt.config.SyncInterval)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down ruleflow worker")

		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
