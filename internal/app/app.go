package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"

	"superslice/internal/handlers"
	u "superslice/internal/utils"
)

// SetupApp creates and configures a new Fiber app instance
func SetupApp(cfg u.Config, redis *redis.Client) *fiber.App {
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		BodyLimit:             cfg.Limits.MaxUploadBytes,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			detail := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				detail = e.Message
			}

			u.Warn("Request failed", "path", c.Path(), "status", code, "detail", detail)

			// Error bodies carry a single detail string, never partial
			// result fields.
			return c.Status(code).JSON(fiber.Map{
				"detail": detail,
			})
		},
	})

	RegisterMiddleware(app, cfg)
	RegisterRoutes(app, cfg, redis)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// RegisterRoutes mounts all route handlers to the app
func RegisterRoutes(app *fiber.App, cfg u.Config, redis *redis.Client) {
	// One shared service instance so all routes share the filament table and
	// the lazily created invoker.
	svc := handlers.NewSliceService(cfg, redis)

	app.Get("/", svc.HandleRoot)
	app.Get("/filament-types", svc.HandleFilamentTypes)
	app.Post("/slice", svc.HandleSlice)

	app.Get("/monitor", monitor.New())
}
