package chaintest

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/beaconops/relay/internal/contracts"
)

// multicallFailure is the revert Multicall3 raises when a sub-call with
// allowFailure=false fails; the sub-call's own reason is not bubbled.
var multicallFailure = mustErrorString("Multicall3: call failed")

// InstallMulticall emulates Multicall3.aggregate3 at addr. Sub-calls are
// dispatched to their handlers with addr as the sender.
func (p *Provider) InstallMulticall(addr common.Address) {
	p.Handle(addr, func(c Call) Result {
		calls, err := contracts.UnpackAggregate3Input(c.Data)
		if err != nil {
			return Result{Reverted: true}
		}

		results := make([]contracts.Call3Result, 0, len(calls))
		var logs []*types.Log
		for _, call := range calls {
			sub := p.Dispatch(Call{From: addr, To: call.Target, Data: call.CallData, Mined: c.Mined, Block: c.Block})
			if sub.reverted() {
				if !call.AllowFailure {
					return Result{RevertData: multicallFailure}
				}
				results = append(results, contracts.Call3Result{Success: false, ReturnData: sub.RevertData})
				continue
			}
			for _, l := range sub.Logs {
				entry := *l
				if entry.Address == (common.Address{}) {
					entry.Address = call.Target
				}
				logs = append(logs, &entry)
			}
			results = append(results, contracts.Call3Result{Success: true, ReturnData: sub.Return})
		}

		ret, err := contracts.Multicall3.Methods["aggregate3"].Outputs.Pack(results)
		if err != nil {
			return Result{Reverted: true}
		}
		return Result{Return: ret, Logs: logs}
	})
}

func mustErrorString(reason string) []byte {
	typ, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	packed, err := abi.Arguments{{Type: typ}}.Pack(reason)
	if err != nil {
		panic(err)
	}
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
}
