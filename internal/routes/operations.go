package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/beaconops/relay/internal/operations"
)

// RegisterOperationRoutes wires the beacon, perp and funding operations
// behind guard. Static segments are registered before their parameterised
// siblings.
func RegisterOperationRoutes(r fiber.Router, h *operations.Handler, guard fiber.Handler) {
	r.Post("/beacons", guard, h.CreateBeacon)
	r.Post("/beacons/updates", guard, h.BatchUpdateBeacons)
	r.Post("/beacons/:beacon/updates", guard, h.UpdateBeacon)

	r.Post("/perps", guard, h.DeployPerp)
	r.Post("/perps/deposits", guard, h.BatchDeposit)
	r.Post("/perps/:perp/deposits", guard, h.DepositLiquidity)

	r.Post("/fund", guard, h.FundWallet)
}
