package operations

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gofiber/fiber/v2"

	"github.com/beaconops/relay/internal/signer"
	"github.com/beaconops/relay/internal/txpipeline"
	"github.com/beaconops/relay/internal/walletpool"
)

// Operator is implemented by *Service.
type Operator interface {
	CreateBeacon(ctx context.Context, in CreateBeaconInput) (Result, error)
	UpdateBeacon(ctx context.Context, in UpdateBeaconInput) (Result, error)
	BatchUpdateBeacons(ctx context.Context, in []UpdateBeaconInput) (Result, error)
	DeployPerp(ctx context.Context, in DeployPerpInput) (Result, error)
	DepositLiquidity(ctx context.Context, in DepositInput) (Result, error)
	BatchDeposit(ctx context.Context, in []DepositInput) (Result, error)
	FundWallet(ctx context.Context, in FundInput) (Result, error)
}

var _ Operator = (*Service)(nil)

// Handler exposes the operations over HTTP.
type Handler struct {
	ops Operator
}

// NewHandler builds an operations HTTP handler.
func NewHandler(ops Operator) *Handler {
	return &Handler{ops: ops}
}

type createBeaconRequest struct {
	Verifier   string `json:"verifier"`
	BindSigner bool   `json:"bind_signer"`
}

type updateBeaconRequest struct {
	Beacon        string `json:"beacon"`
	Proof         string `json:"proof"`
	PublicSignals string `json:"public_signals"`
}

type batchUpdateRequest struct {
	Updates []updateBeaconRequest `json:"updates"`
}

type deployPerpRequest struct {
	Beacon               string `json:"beacon"`
	TradingFee           uint32 `json:"trading_fee"`
	MinMargin            string `json:"min_margin"`
	MaxMargin            string `json:"max_margin"`
	MaxLeverage          string `json:"max_leverage"`
	StartingSqrtPriceX96 string `json:"starting_sqrt_price_x96"`
}

type depositRequest struct {
	PerpID    string `json:"perp_id"`
	Margin    string `json:"margin"`
	TickLower int32  `json:"tick_lower"`
	TickUpper int32  `json:"tick_upper"`
}

type batchDepositRequest struct {
	Deposits []depositRequest `json:"deposits"`
}

type fundRequest struct {
	To           string `json:"to"`
	NativeAmount string `json:"native_amount"`
	USDCAmount   string `json:"usdc_amount"`
}

type itemResponse struct {
	Index      int    `json:"index"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Beacon     string `json:"beacon,omitempty"`
	PerpID     string `json:"perp_id,omitempty"`
	PositionID string `json:"position_id,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
}

type resultResponse struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	TxHash        string         `json:"tx_hash,omitempty"`
	Wallet        string         `json:"wallet,omitempty"`
	BeaconAddress string         `json:"beacon_address,omitempty"`
	PerpID        string         `json:"perp_id,omitempty"`
	PositionID    string         `json:"position_id,omitempty"`
	Items         []itemResponse `json:"items,omitempty"`
}

func toResponse(res Result) resultResponse {
	out := resultResponse{
		Success:       res.Success,
		Message:       res.Message,
		TxHash:        hashString(res.TxHash),
		BeaconAddress: addressString(res.BeaconAddress),
		PerpID:        hashString(res.PerpID),
		PositionID:    bigString(res.PositionID),
	}
	if res.Wallet != (common.Address{}) {
		out.Wallet = res.Wallet.Hex()
	}
	for _, item := range res.Items {
		out.Items = append(out.Items, itemResponse{
			Index:      item.Index,
			Success:    item.Success,
			Message:    item.Message,
			Beacon:     addressString(item.Beacon),
			PerpID:     hashString(item.PerpID),
			PositionID: bigString(item.PositionID),
			TxHash:     hashString(item.TxHash),
		})
	}
	return out
}

// CreateBeacon handles POST /beacons.
func (h *Handler) CreateBeacon(c *fiber.Ctx) error {
	var req createBeaconRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	verifier, err := parseAddress("verifier", req.Verifier)
	if err != nil {
		return badRequest(c, err)
	}
	res, err := h.ops.CreateBeacon(c.UserContext(), CreateBeaconInput{Verifier: verifier, BindSigner: req.BindSigner})
	return reply(c, res, err)
}

// UpdateBeacon handles POST /beacons/:beacon/updates.
func (h *Handler) UpdateBeacon(c *fiber.Ctx) error {
	var req updateBeaconRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	req.Beacon = c.Params("beacon")
	in, err := req.input()
	if err != nil {
		return badRequest(c, err)
	}
	res, err := h.ops.UpdateBeacon(c.UserContext(), in)
	return reply(c, res, err)
}

// BatchUpdateBeacons handles POST /beacons/updates.
func (h *Handler) BatchUpdateBeacons(c *fiber.Ctx) error {
	var req batchUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	in := make([]UpdateBeaconInput, 0, len(req.Updates))
	for _, u := range req.Updates {
		parsed, err := u.input()
		if err != nil {
			return badRequest(c, err)
		}
		in = append(in, parsed)
	}
	res, err := h.ops.BatchUpdateBeacons(c.UserContext(), in)
	return reply(c, res, err)
}

// DeployPerp handles POST /perps.
func (h *Handler) DeployPerp(c *fiber.Ctx) error {
	var req deployPerpRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	in := DeployPerpInput{TradingFee: req.TradingFee}
	var err error
	if in.Beacon, err = parseAddress("beacon", req.Beacon); err != nil {
		return badRequest(c, err)
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"min_margin", req.MinMargin, &in.MinMargin},
		{"max_margin", req.MaxMargin, &in.MaxMargin},
		{"max_leverage", req.MaxLeverage, &in.MaxLeverage},
		{"starting_sqrt_price_x96", req.StartingSqrtPriceX96, &in.StartingSqrtPriceX96},
	} {
		if *f.dst, err = parseAmount(f.name, f.raw); err != nil {
			return badRequest(c, err)
		}
	}
	res, err := h.ops.DeployPerp(c.UserContext(), in)
	return reply(c, res, err)
}

// DepositLiquidity handles POST /perps/:perp/deposits.
func (h *Handler) DepositLiquidity(c *fiber.Ctx) error {
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	req.PerpID = c.Params("perp")
	in, err := req.input()
	if err != nil {
		return badRequest(c, err)
	}
	res, err := h.ops.DepositLiquidity(c.UserContext(), in)
	return reply(c, res, err)
}

// BatchDeposit handles POST /perps/deposits.
func (h *Handler) BatchDeposit(c *fiber.Ctx) error {
	var req batchDepositRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	in := make([]DepositInput, 0, len(req.Deposits))
	for _, d := range req.Deposits {
		parsed, err := d.input()
		if err != nil {
			return badRequest(c, err)
		}
		in = append(in, parsed)
	}
	res, err := h.ops.BatchDeposit(c.UserContext(), in)
	return reply(c, res, err)
}

// FundWallet handles POST /fund.
func (h *Handler) FundWallet(c *fiber.Ctx) error {
	var req fundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	var in FundInput
	var err error
	if in.To, err = parseAddress("to", req.To); err != nil {
		return badRequest(c, err)
	}
	if req.NativeAmount != "" {
		if in.NativeAmount, err = parseAmount("native_amount", req.NativeAmount); err != nil {
			return badRequest(c, err)
		}
	}
	if req.USDCAmount != "" {
		if in.USDCAmount, err = parseAmount("usdc_amount", req.USDCAmount); err != nil {
			return badRequest(c, err)
		}
	}
	res, err := h.ops.FundWallet(c.UserContext(), in)
	return reply(c, res, err)
}

func (r updateBeaconRequest) input() (UpdateBeaconInput, error) {
	beacon, err := parseAddress("beacon", r.Beacon)
	if err != nil {
		return UpdateBeaconInput{}, err
	}
	proof, err := parseBytes("proof", r.Proof)
	if err != nil {
		return UpdateBeaconInput{}, err
	}
	signals, err := parseBytes("public_signals", r.PublicSignals)
	if err != nil {
		return UpdateBeaconInput{}, err
	}
	return UpdateBeaconInput{Beacon: beacon, Proof: proof, PublicSignals: signals}, nil
}

func (r depositRequest) input() (DepositInput, error) {
	raw, err := hexutil.Decode(r.PerpID)
	if err != nil || len(raw) != common.HashLength {
		return DepositInput{}, invalid("perp_id must be a 32 byte hex value")
	}
	margin, err := parseAmount("margin", r.Margin)
	if err != nil {
		return DepositInput{}, err
	}
	return DepositInput{PerpID: common.BytesToHash(raw), Margin: margin, TickLower: r.TickLower, TickUpper: r.TickUpper}, nil
}

func reply(c *fiber.Ctx, res Result, err error) error {
	return c.Status(statusFor(err)).JSON(toResponse(res))
}

func badRequest(c *fiber.Ctx, err error) error {
	if !errors.Is(err, ErrInvalidInput) {
		err = invalid("%v", err)
	}
	res, err := rejected(err)
	return reply(c, res, err)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotConfigured),
		errors.Is(err, walletpool.ErrLockTimeout),
		errors.Is(err, walletpool.ErrNoWalletAvailable),
		errors.Is(err, txpipeline.ErrLockExpiring):
		return http.StatusServiceUnavailable
	case errors.Is(err, txpipeline.ErrReverted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, txpipeline.ErrNonceConflict):
		return http.StatusConflict
	case errors.Is(err, txpipeline.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, txpipeline.ErrBroadcast),
		errors.Is(err, txpipeline.ErrRPC),
		errors.Is(err, signer.ErrAPIRequest),
		errors.Is(err, signer.ErrMalformedSignature),
		errors.Is(err, signer.ErrSignerMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, invalid("%s must be a hex address", field)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, invalid("%s must be a base 10 integer", field)
	}
	return v, nil
}

func parseBytes(field, raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, invalid("%s must be 0x prefixed hex: %v", field, err)
	}
	return b, nil
}

func hashString(h *common.Hash) string {
	if h == nil {
		return ""
	}
	return h.Hex()
}

func addressString(a *common.Address) string {
	if a == nil {
		return ""
	}
	return a.Hex()
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
