package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/beaconops/relay/internal/walletpool"
)

// RegisterWalletRoutes wires wallet pool and designation administration.
func RegisterWalletRoutes(r fiber.Router, h *walletpool.Handler) {
	r.Get("/wallets", h.List)
	r.Post("/wallets", h.Register)
	r.Delete("/wallets/:address", h.Remove)

	r.Get("/designations", h.Designations)
	r.Put("/designations/:beacon", h.Designate)
	r.Delete("/designations/:beacon", h.Undesignate)
}
