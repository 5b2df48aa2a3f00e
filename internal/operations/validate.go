package operations

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notConfigured(module string) error {
	return fmt.Errorf("%w: %s address is not set", ErrNotConfigured, module)
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

func (in UpdateBeaconInput) validate() error {
	if in.Beacon == (common.Address{}) {
		return invalid("beacon address is required")
	}
	if len(in.PublicSignals) == 0 {
		return invalid("public signals are required")
	}
	return nil
}

func (in DeployPerpInput) validate() error {
	switch {
	case in.Beacon == (common.Address{}):
		return invalid("beacon address is required")
	case in.TradingFee >= maxTradingFee:
		return invalid("trading fee %d must be below %d", in.TradingFee, maxTradingFee)
	case !positive(in.MinMargin):
		return invalid("min margin must be positive")
	case !positive(in.MaxMargin) || in.MaxMargin.Cmp(in.MinMargin) < 0:
		return invalid("max margin must be at least min margin")
	case !positive(in.MaxLeverage):
		return invalid("max leverage must be positive")
	case !positive(in.StartingSqrtPriceX96) || in.StartingSqrtPriceX96.Cmp(maxUint160) > 0:
		return invalid("starting sqrt price must fit in uint160 and be positive")
	}
	return nil
}

func (in DepositInput) validate() error {
	switch {
	case in.PerpID == (common.Hash{}):
		return invalid("perp id is required")
	case !positive(in.Margin):
		return invalid("margin must be positive")
	case in.TickLower < minTick || in.TickUpper > maxTick:
		return invalid("ticks must be within [%d, %d]", minTick, maxTick)
	case in.TickLower >= in.TickUpper:
		return invalid("tick lower %d must be below tick upper %d", in.TickLower, in.TickUpper)
	}
	return nil
}

func (in FundInput) validate() error {
	if in.To == (common.Address{}) {
		return invalid("recipient address is required")
	}
	if (in.NativeAmount != nil && in.NativeAmount.Sign() < 0) || (in.USDCAmount != nil && in.USDCAmount.Sign() < 0) {
		return invalid("amounts must not be negative")
	}
	if !positive(in.NativeAmount) && !positive(in.USDCAmount) {
		return invalid("a native or USDC amount is required")
	}
	return nil
}
