package walletpool

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
)

// Handler exposes wallet pool administration endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler builds a wallet pool HTTP handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type registerRequest struct {
	Address      string `json:"address"`
	KeyReference string `json:"key_reference"`
}

type designateRequest struct {
	Wallet string `json:"wallet"`
}

type walletResponse struct {
	Address           string   `json:"address"`
	KeyReference      string   `json:"key_reference"`
	Status            string   `json:"status"`
	HolderID          string   `json:"holder_id,omitempty"`
	LockTTLSeconds    float64  `json:"lock_ttl_seconds,omitempty"`
	DesignatedBeacons []string `json:"designated_beacons"`
	CreatedAt         string   `json:"created_at"`
}

func toResponse(w Wallet) walletResponse {
	beacons := make([]string, 0, len(w.DesignatedBeacons))
	for _, b := range w.DesignatedBeacons {
		beacons = append(beacons, b.Hex())
	}
	return walletResponse{
		Address:           w.Address.Hex(),
		KeyReference:      w.KeyReference,
		Status:            string(w.Status.Kind),
		HolderID:          w.Status.HolderID,
		LockTTLSeconds:    w.Status.TTL.Seconds(),
		DesignatedBeacons: beacons,
		CreatedAt:         w.CreatedAt.Format(time.RFC3339),
	}
}

// List returns every wallet with its live status.
func (h *Handler) List(c *fiber.Ctx) error {
	wallets, err := h.manager.List(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, toResponse(w))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallets": out})
}

// Register adds a wallet to the pool.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !common.IsHexAddress(req.Address) {
		return fiber.NewError(http.StatusBadRequest, "address must be a hex address")
	}
	w, err := h.manager.Register(c.UserContext(), common.HexToAddress(req.Address), req.KeyReference)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(w))
}

// Remove drops a wallet from the pool.
func (h *Handler) Remove(c *fiber.Ctx) error {
	addr, err := addressParam(c, "address")
	if err != nil {
		return err
	}
	if err := h.manager.Remove(c.UserContext(), addr); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Designations lists beacon -> wallet bindings.
func (h *Handler) Designations(c *fiber.Ctx) error {
	designations, err := h.manager.Designations(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make(map[string]string, len(designations))
	for beacon, wallet := range designations {
		out[beacon.Hex()] = wallet.Hex()
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"designations": out})
}

// Designate binds a beacon to a wallet.
func (h *Handler) Designate(c *fiber.Ctx) error {
	beacon, err := addressParam(c, "beacon")
	if err != nil {
		return err
	}
	var req designateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !common.IsHexAddress(req.Wallet) {
		return fiber.NewError(http.StatusBadRequest, "wallet must be a hex address")
	}
	wallet := common.HexToAddress(req.Wallet)
	if err := h.manager.Designate(c.UserContext(), beacon, wallet); err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"beacon": beacon.Hex(), "wallet": wallet.Hex()})
}

// Undesignate removes a beacon binding.
func (h *Handler) Undesignate(c *fiber.Ctx) error {
	beacon, err := addressParam(c, "beacon")
	if err != nil {
		return err
	}
	if err := h.manager.Undesignate(c.UserContext(), beacon); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func addressParam(c *fiber.Ctx, name string) (common.Address, error) {
	raw := c.Params(name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fiber.NewError(http.StatusBadRequest, name+" must be a hex address")
	}
	return common.HexToAddress(raw), nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAddress):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrWalletLocked):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
