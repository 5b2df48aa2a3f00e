package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthTimeout = 2 * time.Second

// RegisterHealthRoutes adds the readiness probe and the Prometheus scrape
// endpoint.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		redisStatus := "ok"
		chainStatus := "ok"
		var block uint64

		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()
		if err := d.Store.Ping(ctx); err != nil {
			redisStatus = err.Error()
		}
		head, err := d.Chain.HeaderByNumber(ctx, nil)
		if err != nil {
			chainStatus = err.Error()
		} else {
			block = head.Number.Uint64()
		}

		status := http.StatusOK
		if redisStatus != "ok" || chainStatus != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"redis": redisStatus, "chain": chainStatus},
			"block":     block,
			"chain_id":  d.ChainID.String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
