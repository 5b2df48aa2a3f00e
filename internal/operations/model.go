package operations

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidInput is returned before any chain interaction.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotConfigured means a contract module address is missing.
	ErrNotConfigured = errors.New("module not configured")
	// ErrMissingEvent means a confirmed transaction did not emit the event
	// its result is read from.
	ErrMissingEvent = errors.New("expected event missing from receipt")
)

const (
	// maxTradingFee is 100% in hundredths of a basis point.
	maxTradingFee = 1_000_000
	minTick       = -887272
	maxTick       = 887272
)

// Modules are the contract addresses operations call. A zero address
// disables the operations that need it.
type Modules struct {
	BeaconFactory common.Address
	PerpManager   common.Address
	USDC          common.Address
}

type CreateBeaconInput struct {
	Verifier common.Address
	// BindSigner designates the new beacon to the wallet that created it.
	BindSigner bool
}

type UpdateBeaconInput struct {
	Beacon        common.Address
	Proof         []byte
	PublicSignals []byte
}

type DeployPerpInput struct {
	Beacon               common.Address
	TradingFee           uint32
	MinMargin            *big.Int
	MaxMargin            *big.Int
	MaxLeverage          *big.Int
	StartingSqrtPriceX96 *big.Int
}

// DepositInput deposits margin from the relay wallet; the position is
// owned by that wallet.
type DepositInput struct {
	PerpID    common.Hash
	Margin    *big.Int
	TickLower int32
	TickUpper int32
}

type FundInput struct {
	To           common.Address
	NativeAmount *big.Int
	USDCAmount   *big.Int
}

// Result is the outcome of one exposed operation.
type Result struct {
	Success bool
	Message string
	// TxHash is set whenever a transaction was broadcast, including
	// failures whose finality is unknown.
	TxHash        *common.Hash
	Wallet        common.Address
	BeaconAddress *common.Address
	PerpID        *common.Hash
	PositionID    *big.Int
	Items         []ItemResult
}

// ItemResult reports one entry of a batched or multi-step operation.
type ItemResult struct {
	Index      int
	Success    bool
	Message    string
	Beacon     *common.Address
	PerpID     *common.Hash
	PositionID *big.Int
	TxHash     *common.Hash
}
