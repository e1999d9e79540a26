package web

import (
	"errors"

	"github.com/dukex/ruleflow/pkg/engine"
	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine and persistence errors to problems.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsRuleNotFound(err):
		return notFound(c, "rule_not_found", "rule not found")
	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution_not_found", "execution not found")
	case errors.Is(err, persistence.ErrInvalidRule),
		errors.Is(err, engine.ErrInvalidEvent),
		errors.Is(err, flow.ErrNoSteps):
		return badRequest(c, err.Error())
	case errors.Is(err, engine.ErrRuleSkipped):
		return conflict(c, "rule_skipped", err.Error())
	case errors.Is(err, flow.ErrNotRunning):
		return conflict(c, "execution_not_running", err.Error())
	default:
		return internalError(c, err)
	}
}
