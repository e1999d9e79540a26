package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/ruleflow/pkg/engine"
	"github.com/dukex/ruleflow/pkg/models"
	cli "github.com/urfave/cli/v3"
)

var errNoRules = errors.New("either --rules or --database-url is required")

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "Show which rules an event fires and the jobs they would dispatch, without running them",
		Flags: flags(
			[]cli.Flag{
				databaseFlag(false),
				&cli.StringFlag{
					Name:     "event",
					Usage:    "Path to a JSON domain event",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "rules",
					Usage: "Path to a JSON array of rules; defaults to the stored rules of the event's app",
				},
			},
			engineFlags(),
		),
		Action: runSimulate,
	}
}

func runSimulate(ctx context.Context, command *cli.Command) error {
	if command.String("rules") == "" && command.String("database-url") == "" {
		return errNoRules
	}

	var event models.DomainEvent
	if err := readJSON(command.String("event"), &event); err != nil {
		return err
	}

	rt, err := setup(ctx, command, "simulate", "")
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	var simulated []engine.SimulatedRule

	if path := command.String("rules"); path != "" {
		var rules []*models.Rule
		if err := readJSON(path, &rules); err != nil {
			return err
		}

		simulated, err = rt.engine.Simulate(ctx, &event, rules)
	} else {
		simulated, err = rt.engine.SimulateApp(ctx, &event)
	}

	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(simulated)
}

func readJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return nil
}
