package revert

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ratioScale    = big.NewInt(1_000_000)
	leverageScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	usdcScale     = big.NewInt(1_000_000)
)

var panicCodes = map[uint64]string{
	0x00: "generic compiler panic",
	0x01: "assertion failed",
	0x11: "arithmetic underflow or overflow",
	0x12: "division or modulo by zero",
	0x21: "invalid enum value",
	0x22: "corrupted storage byte array",
	0x31: "pop on empty array",
	0x32: "array index out of bounds",
	0x41: "out of memory",
	0x51: "call to zero-initialized function",
}

func init() {
	register("Error(string)", func(a []any) string {
		return "execution reverted: " + a[0].(string)
	})
	register("Panic(uint256)", func(a []any) string {
		code := a[0].(*big.Int)
		name := "unknown panic code"
		if code.IsUint64() {
			if n, ok := panicCodes[code.Uint64()]; ok {
				name = n
			}
		}
		return fmt.Sprintf("panic: %s (0x%02x)", name, code)
	})

	register("InvalidLiquidity(uint128)", func(a []any) string {
		return fmt.Sprintf("InvalidLiquidity: liquidity %s must be greater than zero and within pool bounds", a[0].(*big.Int))
	})
	register("MarginRatioOutOfBounds(uint256,uint256,uint256)", func(a []any) string {
		ratio, minRatio, maxRatio := a[0].(*big.Int), a[1].(*big.Int), a[2].(*big.Int)
		return fmt.Sprintf("MarginRatioOutOfBounds: position leverage %s is outside the allowed %s to %s",
			ratioLeverage(ratio), ratioLeverage(maxRatio), ratioLeverage(minRatio))
	})
	register("LeverageTooHigh(uint256,uint256)", func(a []any) string {
		return fmt.Sprintf("LeverageTooHigh: leverage %s exceeds maximum %s",
			fixedLeverage(a[0].(*big.Int)), fixedLeverage(a[1].(*big.Int)))
	})
	register("MarginBelowMinimum(uint256,uint256)", func(a []any) string {
		return fmt.Sprintf("MarginBelowMinimum: margin %s is below minimum %s", usdc(a[0].(*big.Int)), usdc(a[1].(*big.Int)))
	})

	register("ERC20InsufficientBalance(address,uint256,uint256)", func(a []any) string {
		return fmt.Sprintf("ERC20InsufficientBalance: %s has balance %s but needs %s",
			a[0].(common.Address).Hex(), a[1].(*big.Int), a[2].(*big.Int))
	})
	register("ERC20InsufficientAllowance(address,uint256,uint256)", func(a []any) string {
		return fmt.Sprintf("ERC20InsufficientAllowance: spender %s has allowance %s but needs %s",
			a[0].(common.Address).Hex(), a[1].(*big.Int), a[2].(*big.Int))
	})
	register("OwnableUnauthorizedAccount(address)", func(a []any) string {
		return fmt.Sprintf("OwnableUnauthorizedAccount: %s is not the owner", a[0].(common.Address).Hex())
	})

	register("UnauthorizedSigner(address)", func(a []any) string {
		return fmt.Sprintf("UnauthorizedSigner: %s is not the beacon's designated signer", a[0].(common.Address).Hex())
	})
	register("BeaconNotFound(address)", func(a []any) string {
		return fmt.Sprintf("BeaconNotFound: no beacon at %s", a[0].(common.Address).Hex())
	})
	register("InvalidProof()", func([]any) string {
		return "InvalidProof: proof verification failed"
	})
	register("StaleTimestamp(uint256,uint256)", func(a []any) string {
		return fmt.Sprintf("StaleTimestamp: update timestamp %s is not newer than %s", a[0].(*big.Int), a[1].(*big.Int))
	})

	register("PoolNotInitialized()", func([]any) string {
		return "PoolNotInitialized: perp pool has not been initialized"
	})
	register("PoolAlreadyInitialized()", func([]any) string {
		return "PoolAlreadyInitialized: perp pool already exists"
	})
	register("PositionNotFound(uint256)", func(a []any) string {
		return fmt.Sprintf("PositionNotFound: position %s does not exist", a[0].(*big.Int))
	})
	register("InvalidTickRange(int24,int24)", func(a []any) string {
		return fmt.Sprintf("InvalidTickRange: lower tick %s must be below upper tick %s", a[0].(*big.Int), a[1].(*big.Int))
	})
	register("ZeroAmount()", func([]any) string {
		return "ZeroAmount: amount must be greater than zero"
	})
}

// ratioLeverage renders a 1e6-scaled margin ratio as a leverage multiple.
func ratioLeverage(ratio *big.Int) string {
	if ratio.Sign() == 0 {
		return "unbounded"
	}
	return new(big.Rat).SetFrac(ratioScale, ratio).FloatString(2) + "x"
}

// fixedLeverage renders a 1e18 fixed-point leverage value.
func fixedLeverage(v *big.Int) string {
	return new(big.Rat).SetFrac(v, leverageScale).FloatString(2) + "x"
}

// usdc renders a 6-decimal token amount as dollars.
func usdc(v *big.Int) string {
	return "$" + new(big.Rat).SetFrac(v, usdcScale).FloatString(2)
}
