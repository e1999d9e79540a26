package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp mounts the API routes.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("ruleflow API")
	})

	app.Get("/apps/:appId/rules", handlers.GetRules)

	r := app.Group("/rules")
	r.Get("/:id", handlers.GetRule)
	r.Put("/:id", handlers.SaveRule)
	r.Delete("/:id", handlers.DeleteRule)
	r.Post("/:id/trigger", handlers.TriggerRule)
	r.Get("/:id/executions", handlers.GetRuleExecutions)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	app.Post("/events", handlers.IngestEvent)
	app.Post("/simulate", handlers.Simulate)
	app.Get("/schedules", handlers.GetSchedules)

	return app
}
