package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-marking-api/internal/config"
	"github.com/noah-isme/gema-marking-api/internal/handler"
	"github.com/noah-isme/gema-marking-api/internal/middleware"
	"github.com/noah-isme/gema-marking-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	MarkingWebhookHandler    *handler.MarkingWebhookHandler
	MarkingQueueHandler      *handler.MarkingQueueHandler
	SubmissionHandler        *handler.SubmissionHandler
	AssignmentResultsHandler *handler.AssignmentResultsHandler
	AuditHandler             *handler.AuditHandler
	JWTMiddleware            fiber.Handler
	HealthProbes             []handler.HealthProbe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))
	var queueDepth observability.QueueDepthFunc
	if deps.MarkingQueueHandler != nil {
		queueDepth = deps.MarkingQueueHandler.QueueDepth
	}
	app.Get("/metrics", observability.MetricsHandler(queueDepth))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	teacherOnly := middleware.RequireStaff()

	// Machine-to-machine marking routes, each with its own shared secret.
	marking := app.Group("/api/v2/marking")
	if deps.MarkingWebhookHandler != nil {
		deps.MarkingWebhookHandler.Register(marking, middleware.SharedSecret(middleware.HeaderMarkServiceKey, cfg.MarkServiceKey))
	}
	if deps.MarkingQueueHandler != nil {
		deps.MarkingQueueHandler.RegisterTrigger(marking, middleware.SharedSecret(middleware.HeaderQueueProcessorKey, cfg.QueueProcessorSecret))
	}

	// Operator views
	admin := app.Group("/api/v2/admin", jwtMiddleware, middleware.Guard(middleware.AuthOptions{Role: middleware.AuthRoleStaff}))
	if deps.MarkingQueueHandler != nil {
		deps.MarkingQueueHandler.RegisterAdmin(admin.Group("/marking"))
	}
	if deps.AuditHandler != nil {
		deps.AuditHandler.Register(admin.Group("/audit-logs"))
	}

	// Learner answers and teacher marking actions
	if deps.SubmissionHandler != nil {
		activities := app.Group("/api/v2/activities",
			jwtMiddleware,
			middleware.Guard(middleware.AuthOptions{RequireUser: true}),
			middleware.RateLimit("answers", cfg.AnswerRateLimit, time.Minute))
		deps.SubmissionHandler.RegisterLearner(activities)

		submissions := app.Group("/api/v2/submissions", jwtMiddleware, teacherOnly)
		deps.SubmissionHandler.RegisterTeacher(submissions)
	}

	// Results view with live updates
	if deps.AssignmentResultsHandler != nil {
		assignments := app.Group("/api/v2/assignments", jwtMiddleware, teacherOnly)
		deps.AssignmentResultsHandler.Register(assignments)
	}
}
