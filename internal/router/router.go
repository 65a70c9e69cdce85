package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/markm8/grading-api/internal/config"
	"github.com/markm8/grading-api/internal/handler"
	"github.com/markm8/grading-api/internal/middleware"
	"github.com/markm8/grading-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EssayHandler  *handler.EssayHandler
	GradeHandler  *handler.GradeHandler
	CreditHandler *handler.CreditHandler
	JWTMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	api.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.EssayHandler != nil {
		essays := api.Group("/essays", jwtMiddleware)
		deps.EssayHandler.Register(essays)

		if deps.GradeHandler != nil {
			// Grading submission is rate limited per user; a cycle fans out
			// several provider calls, so bursts are kept small.
			deps.GradeHandler.RegisterEssayRoutes(essays,
				middleware.RateLimit("grade-submit", 5, time.Minute))
		}
	}

	if deps.GradeHandler != nil {
		grades := api.Group("/grades", jwtMiddleware)
		deps.GradeHandler.RegisterGradeRoutes(grades)
	}

	if deps.CreditHandler != nil {
		credits := api.Group("/credits", jwtMiddleware)
		deps.CreditHandler.Register(credits)

		admin := api.Group("/admin/credits", jwtMiddleware, middleware.RequireRole("admin", "billing"))
		deps.CreditHandler.RegisterAdmin(admin)
	}
}
