package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AssignmentHandler *handler.AssignmentHandler
	SubmissionHandler *handler.SubmissionHandler
	GradingHandler    *handler.GradingHandler
	TrainingHandler   *handler.TrainingHandler
	// GradingLimiter guards the routes that start sandbox runs or retrains.
	GradingLimiter fiber.Handler
	HealthProbes   map[string]handler.HealthProbe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))
	api.Get("/metrics", observability.MetricsHandler())

	var guards []fiber.Handler
	if deps.GradingLimiter != nil {
		guards = append(guards, deps.GradingLimiter)
	}

	assignments := api.Group("/assignments")
	submissions := api.Group("/submissions")

	if deps.AssignmentHandler != nil {
		deps.AssignmentHandler.Register(assignments)
	}
	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(assignments)
	}
	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(assignments, submissions, guards...)
	}
	if deps.TrainingHandler != nil {
		deps.TrainingHandler.Register(assignments, submissions, guards...)
	}
}
