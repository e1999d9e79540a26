// Package web provides the HTTP API of the rule engine.
package web

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/ruleflow/pkg/engine"
	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/events"
	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// ScheduleLister reports the active cron schedules.
type ScheduleLister interface {
	Schedules() []models.Schedule
}

type APIHandlers struct {
	engine    *engine.Engine
	store     persistence.Persistence
	actions   flow.ActionLookup
	publisher eventbus.EventPublisher
	schedules ScheduleLister
	validator *validator.Validate
	logger    *slog.Logger
}

// NewAPIHandlers wires the handlers. Without a publisher, ingested events are
// handled inline; without a schedule lister, no schedules are reported.
func NewAPIHandlers(
	engine *engine.Engine,
	store persistence.Persistence,
	actions flow.ActionLookup,
	publisher eventbus.EventPublisher,
	schedules ScheduleLister,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		engine:    engine,
		store:     store,
		actions:   actions,
		publisher: publisher,
		schedules: schedules,
		validator: validator,
		logger:    logger.With("module", "web"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		repository = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetRules(c fiber.Ctx) error {
	rules, err := h.engine.Rules(c.Context(), c.Params("appId"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"rules": rules})
}

func (h *APIHandlers) GetRule(c fiber.Ctx) error {
	rule, err := h.store.RuleRepository().RuleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(rule)
}

// SaveRule creates or replaces the rule with the id of the path.
func (h *APIHandlers) SaveRule(c fiber.Ctx) error {
	id := c.Params("id")

	var req SaveRuleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()

	rule := &models.Rule{
		ID:        id,
		AppID:     req.AppID,
		Name:      req.Name,
		Enabled:   req.Enabled,
		Trigger:   req.Trigger,
		Action:    req.Action,
		Flow:      req.Flow,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.validateRule(rule); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.store.RuleRepository().RuleByID(c.Context(), id)

	switch {
	case err == nil:
		rule.CreatedAt = existing.CreatedAt
	case !persistence.IsRuleNotFound(err):
		return internalError(c, err)
	}

	if err := h.store.RuleRepository().SaveRule(c.Context(), rule); err != nil {
		return handleEngineError(c, err)
	}

	h.logger.InfoContext(c.Context(), "rule saved", "rule_id", id, "app_id", rule.AppID)

	return c.JSON(rule)
}

func (h *APIHandlers) validateRule(rule *models.Rule) error {
	if rule.Flow != nil {
		if err := rule.Flow.Validate(); err != nil {
			return err
		}
	}

	for _, step := range rule.Steps() {
		if _, err := h.actions.Action(step.Action.Kind); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}

		if err := h.actions.ValidateAction(step.Action); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
	}

	if rule.Trigger.Kind == models.TriggerCronJob {
		if _, err := models.NewSchedule(rule, time.Now()); err != nil {
			return err
		}
	}

	return nil
}

func (h *APIHandlers) DeleteRule(c fiber.Ctx) error {
	if err := h.store.RuleRepository().DeleteRule(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) TriggerRule(c fiber.Ctx) error {
	var req TriggerRuleRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	state, err := h.engine.TriggerManually(c.Context(), c.Params("id"), req.Value)
	if err != nil && state == nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(state)
}

func (h *APIHandlers) GetRuleExecutions(c fiber.Ctx) error {
	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			return badRequest(c, "Invalid query parameters: limit must be a positive number")
		}

		limit = l
	}

	ruleID := c.Params("id")

	if _, err := h.store.RuleRepository().RuleByID(c.Context(), ruleID); err != nil {
		return handleEngineError(c, err)
	}

	executions, err := h.engine.History(c.Context(), ruleID, limit)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	state, err := h.engine.Execution(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(state)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.engine.Cancel(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	h.logger.InfoContext(c.Context(), "execution cancel requested", "execution_id", id)

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) Simulate(c fiber.Ctx) error {
	var req SimulateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var (
		simulated []engine.SimulatedRule
		err       error
	)

	if len(req.Rules) > 0 {
		simulated, err = h.engine.Simulate(c.Context(), req.Event, req.Rules)
	} else {
		simulated, err = h.engine.SimulateApp(c.Context(), req.Event)
	}

	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(SimulateResponse{EventID: req.Event.Headers.EventID, Rules: simulated})
}

// IngestEvent accepts a domain event. With a bus it is queued for the
// workers, otherwise its executions are stored and run in the background.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var event models.DomainEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.engine.ValidateEvent(&event); err != nil {
		return badRequest(c, err.Error())
	}

	if h.publisher == nil {
		outcome, err := h.engine.Enqueue(c.Context(), &event)
		if outcome == nil {
			return handleEngineError(c, err)
		}

		if err != nil {
			h.logger.WarnContext(c.Context(), "event accepted with errors", "event_id", event.Headers.EventID, "error", err)
		}

		return c.Status(fiber.StatusAccepted).JSON(newEventResponse(outcome))
	}

	appID := event.App().ID

	err := h.publisher.Publish(c.Context(), appID, events.DomainEventReceived{
		BaseEvent: events.NewBaseEvent(events.DomainEventReceivedEvent, appID, "", time.Now().UTC()),
		Event:     &event,
	})
	if err != nil {
		return internalError(c, errors.New("failed to queue event"))
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{EventID: event.Headers.EventID, Status: "queued"})
}

func (h *APIHandlers) GetSchedules(c fiber.Ctx) error {
	schedules := []models.Schedule{}
	if h.schedules != nil {
		schedules = h.schedules.Schedules()
	}

	return c.JSON(fiber.Map{"schedules": schedules})
}
