package routes

import (
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/beaconops/relay/internal/chain"
	"github.com/beaconops/relay/internal/config"
	"github.com/beaconops/relay/internal/middleware"
	"github.com/beaconops/relay/internal/operations"
	"github.com/beaconops/relay/internal/store"
	"github.com/beaconops/relay/internal/walletpool"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg        config.Config
	Store      store.Store
	Keys       store.Keys
	Chain      chain.Provider
	ChainID    *big.Int
	Wallets    *walletpool.Manager
	Operations operations.Operator
	Logger     *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Store == nil {
		return fmt.Errorf("store is required")
	}
	if d.Chain == nil || d.ChainID == nil {
		return fmt.Errorf("chain client is required")
	}
	if d.Wallets == nil || d.Operations == nil {
		return fmt.Errorf("wallet pool and operations are required")
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletpool.NewHandler(d.Wallets))

	// Only submissions need replay protection; admin writes are idempotent.
	idempotent := middleware.Idempotency(d.Store, d.Keys, d.Cfg.IdempotencyTTL, d.Logger)
	RegisterOperationRoutes(api, operations.NewHandler(d.Operations), idempotent)

	return nil
}
