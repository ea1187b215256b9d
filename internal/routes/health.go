package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/otpgate/otpgate/internal/gateway"
)

// RegisterHealthRoutes adds the orchestrator-facing readiness probe. Callers of
// the gateway use ?path=health instead.
func RegisterHealthRoutes(app *fiber.App, svc *gateway.Service) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		store := "ok"
		status := http.StatusOK
		if err := svc.Health(ctx); err != nil {
			store = err.Error()
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"store": store},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
