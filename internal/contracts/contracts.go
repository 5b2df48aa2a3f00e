// Package contracts holds the ABI declarations of the contracts the relay
// calls. They are parsed once at start-up.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicall3JSON = `[
  {"type":"function","name":"aggregate3","stateMutability":"payable",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}]}]}
]`

const erc20JSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]},
  {"type":"event","name":"Approval","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"spender","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]}
]`

const beaconFactoryJSON = `[
  {"type":"function","name":"createBeacon","stateMutability":"nonpayable",
   "inputs":[{"name":"verifier","type":"address"}],
   "outputs":[{"name":"beacon","type":"address"}]},
  {"type":"event","name":"BeaconCreated","anonymous":false,"inputs":[
    {"name":"beacon","type":"address","indexed":true},
    {"name":"creator","type":"address","indexed":true}]}
]`

const beaconJSON = `[
  {"type":"function","name":"updateData","stateMutability":"nonpayable",
   "inputs":[{"name":"proof","type":"bytes"},{"name":"publicSignals","type":"bytes"}],
   "outputs":[]},
  {"type":"event","name":"DataUpdated","anonymous":false,"inputs":[
    {"name":"dataHash","type":"bytes32","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}]}
]`

const perpManagerJSON = `[
  {"type":"function","name":"createPerp","stateMutability":"nonpayable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"beacon","type":"address"},
     {"name":"tradingFee","type":"uint24"},
     {"name":"minMargin","type":"uint256"},
     {"name":"maxMargin","type":"uint256"},
     {"name":"maxLeverage","type":"uint256"},
     {"name":"startingSqrtPriceX96","type":"uint160"}]}],
   "outputs":[{"name":"perpId","type":"bytes32"}]},
  {"type":"function","name":"depositLiquidity","stateMutability":"nonpayable",
   "inputs":[
     {"name":"perpId","type":"bytes32"},
     {"name":"owner","type":"address"},
     {"name":"margin","type":"uint256"},
     {"name":"tickLower","type":"int24"},
     {"name":"tickUpper","type":"int24"}],
   "outputs":[{"name":"positionId","type":"uint256"}]},
  {"type":"event","name":"PerpCreated","anonymous":false,"inputs":[
    {"name":"perpId","type":"bytes32","indexed":true},
    {"name":"beacon","type":"address","indexed":true},
    {"name":"creator","type":"address","indexed":false}]},
  {"type":"event","name":"LiquidityDeposited","anonymous":false,"inputs":[
    {"name":"perpId","type":"bytes32","indexed":true},
    {"name":"positionId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"margin","type":"uint256","indexed":false}]}
]`

var (
	Multicall3    = mustParse("Multicall3", multicall3JSON)
	ERC20         = mustParse("ERC20", erc20JSON)
	BeaconFactory = mustParse("BeaconFactory", beaconFactoryJSON)
	Beacon        = mustParse("Beacon", beaconJSON)
	PerpManager   = mustParse("PerpManager", perpManagerJSON)
)

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse %s abi: %v", name, err))
	}
	return parsed
}

// Call3 is one aggregate3 sub-call.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Call3Result is one aggregate3 return entry.
type Call3Result struct {
	Success    bool
	ReturnData []byte
}

// CreatePerpParams is the createPerp argument tuple.
type CreatePerpParams struct {
	Beacon               common.Address
	TradingFee           *big.Int
	MinMargin            *big.Int
	MaxMargin            *big.Int
	MaxLeverage          *big.Int
	StartingSqrtPriceX96 *big.Int
}

// UnpackAggregate3 decodes aggregate3 return data.
func UnpackAggregate3(data []byte) ([]Call3Result, error) {
	out, err := Multicall3.Unpack("aggregate3", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("aggregate3: expected 1 output, got %d", len(out))
	}
	return *abi.ConvertType(out[0], new([]Call3Result)).(*[]Call3Result), nil
}

// UnpackAggregate3Input decodes aggregate3 call data, selector included.
func UnpackAggregate3Input(data []byte) ([]Call3, error) {
	method := Multicall3.Methods["aggregate3"]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return nil, fmt.Errorf("aggregate3: unexpected selector")
	}
	out, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]Call3)).(*[]Call3), nil
}
