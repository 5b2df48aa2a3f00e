// Package operations implements the relay's exposed beacon and perp
// operations on top of the transaction pipeline and the multicall batcher.
package operations

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/beaconops/relay/internal/chain"
	"github.com/beaconops/relay/internal/contracts"
	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/multicall"
	"github.com/beaconops/relay/internal/txpipeline"
)

var (
	beaconCreated      = contracts.BeaconFactory.Events["BeaconCreated"]
	perpCreated        = contracts.PerpManager.Events["PerpCreated"]
	liquidityDeposited = contracts.PerpManager.Events["LiquidityDeposited"]
)

// Designations is the part of the wallet pool operations need.
type Designations interface {
	Designate(ctx context.Context, beacon, wallet common.Address) error
	Designation(ctx context.Context, beacon common.Address) (common.Address, bool, error)
}

// Service runs the exposed operations.
type Service struct {
	pipeline     *txpipeline.Pipeline
	batcher      *multicall.Batcher
	designations Designations
	provider     chain.Provider
	modules      Modules
	logger       *slog.Logger
}

// NewService wires the operations to a pipeline and batcher.
func NewService(pipeline *txpipeline.Pipeline, batcher *multicall.Batcher, designations Designations, modules Modules, logger *slog.Logger) *Service {
	return &Service{
		pipeline:     pipeline,
		batcher:      batcher,
		designations: designations,
		provider:     pipeline.Provider(),
		modules:      modules,
		logger:       logging.Component(logger, "operations"),
	}
}

// CreateBeacon deploys a beacon through the factory.
func (s *Service) CreateBeacon(ctx context.Context, in CreateBeaconInput) (Result, error) {
	factory := s.modules.BeaconFactory
	if factory == (common.Address{}) {
		return rejected(notConfigured("beacon factory"))
	}
	if in.Verifier == (common.Address{}) {
		return rejected(invalid("verifier address is required"))
	}
	data, err := contracts.BeaconFactory.Pack("createBeacon", in.Verifier)
	if err != nil {
		return rejected(invalid("encode createBeacon: %v", err))
	}

	var res Result
	err = s.pipeline.Session(ctx, nil, func(ctx context.Context, sess *txpipeline.Session) error {
		out, err := sess.Submit(ctx, txpipeline.Call{To: factory, Data: data, Label: "create_beacon"})
		if err != nil {
			res = failed(err, out)
			return err
		}
		log, err := eventLog(out.Receipt, factory, beaconCreated)
		if err != nil {
			res = failed(err, out)
			return err
		}
		beacon := common.BytesToAddress(log.Topics[1].Bytes())
		res = confirmed(out, "beacon created")
		res.BeaconAddress = &beacon

		if in.BindSigner {
			if err := s.designations.Designate(ctx, beacon, sess.From()); err != nil {
				res.Success = false
				res.Message = fmt.Sprintf("beacon %s created but designation failed: %v", beacon.Hex(), err)
				return fmt.Errorf("designate beacon %s: %w", beacon.Hex(), err)
			}
			res.Message = "beacon created and bound to " + sess.From().Hex()
		}
		s.logger.Info("beacon created", slog.String("beacon", beacon.Hex()), slog.String("wallet", sess.From().Hex()), slog.Bool("bound", in.BindSigner))
		return nil
	})
	return settle(res, err)
}

// UpdateBeacon submits a proof to a beacon from its designated wallet, or
// from the pool when it has none.
func (s *Service) UpdateBeacon(ctx context.Context, in UpdateBeaconInput) (Result, error) {
	if err := in.validate(); err != nil {
		return rejected(err)
	}
	data, err := contracts.Beacon.Pack("updateData", in.Proof, in.PublicSignals)
	if err != nil {
		return rejected(invalid("encode updateData: %v", err))
	}
	if err := s.requireContract(ctx, in.Beacon, "beacon"); err != nil {
		return rejected(err)
	}

	beacon := in.Beacon
	out, err := s.pipeline.Submit(ctx, txpipeline.Call{Beacon: &beacon, To: beacon, Data: data, Label: "update_beacon"})
	if err != nil {
		return failed(err, out), err
	}
	res := confirmed(out, "beacon updated")
	res.BeaconAddress = &beacon
	return res, nil
}

// BatchUpdateBeacons updates several beacons in one atomic multicall. The
// beacons must share a designated wallet, or all have none.
func (s *Service) BatchUpdateBeacons(ctx context.Context, in []UpdateBeaconInput) (Result, error) {
	if len(in) == 0 {
		return rejected(invalid("at least one update is required"))
	}
	items := make([]multicall.Item, len(in))
	for i, u := range in {
		if err := u.validate(); err != nil {
			return rejected(fmt.Errorf("update %d: %w", i, err))
		}
		data, err := contracts.Beacon.Pack("updateData", u.Proof, u.PublicSignals)
		if err != nil {
			return rejected(invalid("update %d: encode updateData: %v", i, err))
		}
		items[i] = multicall.Item{Index: i, Target: u.Beacon, CallData: data}
	}

	if err := s.sharedDesignation(ctx, in); err != nil {
		return rejected(err)
	}
	for _, u := range in {
		if err := s.requireContract(ctx, u.Beacon, "beacon"); err != nil {
			return rejected(err)
		}
	}

	route := in[0].Beacon
	got, out, err := s.batcher.BatchFor(ctx, s.pipeline, &route, items, "batch_update_beacons")
	res := batchResult(got, out, err, fmt.Sprintf("%d beacons updated", len(in)))
	for i := range res.Items {
		beacon := in[i].Beacon
		res.Items[i].Beacon = &beacon
	}
	return res, err
}

// DeployPerp creates a perp market on a beacon.
func (s *Service) DeployPerp(ctx context.Context, in DeployPerpInput) (Result, error) {
	manager := s.modules.PerpManager
	if manager == (common.Address{}) {
		return rejected(notConfigured("perp manager"))
	}
	if err := in.validate(); err != nil {
		return rejected(err)
	}
	data, err := contracts.PerpManager.Pack("createPerp", contracts.CreatePerpParams{
		Beacon:               in.Beacon,
		TradingFee:           new(big.Int).SetUint64(uint64(in.TradingFee)),
		MinMargin:            in.MinMargin,
		MaxMargin:            in.MaxMargin,
		MaxLeverage:          in.MaxLeverage,
		StartingSqrtPriceX96: in.StartingSqrtPriceX96,
	})
	if err != nil {
		return rejected(invalid("encode createPerp: %v", err))
	}
	if err := s.requireContract(ctx, in.Beacon, "beacon"); err != nil {
		return rejected(err)
	}

	out, err := s.pipeline.Submit(ctx, txpipeline.Call{To: manager, Data: data, Label: "deploy_perp"})
	if err != nil {
		return failed(err, out), err
	}
	log, err := eventLog(out.Receipt, manager, perpCreated)
	if err != nil {
		return failed(err, out), err
	}
	perpID := log.Topics[1]
	res := confirmed(out, "perp deployed")
	res.PerpID = &perpID
	beacon := in.Beacon
	res.BeaconAddress = &beacon
	return res, nil
}

// DepositLiquidity approves the margin and deposits it from one wallet.
func (s *Service) DepositLiquidity(ctx context.Context, in DepositInput) (Result, error) {
	if err := s.requireDepositModules(); err != nil {
		return rejected(err)
	}
	if err := in.validate(); err != nil {
		return rejected(err)
	}
	approve, err := contracts.ERC20.Pack("approve", s.modules.PerpManager, in.Margin)
	if err != nil {
		return rejected(invalid("encode approve: %v", err))
	}

	var res Result
	err = s.pipeline.Session(ctx, nil, func(ctx context.Context, sess *txpipeline.Session) error {
		data, err := packDeposit(in, sess.From())
		if err != nil {
			err = invalid("encode depositLiquidity: %v", err)
			res = failed(err, nil)
			return err
		}
		if out, err := sess.Submit(ctx, txpipeline.Call{To: s.modules.USDC, Data: approve, Label: "approve_margin"}); err != nil {
			res = failed(err, out)
			res.Message = "approve margin: " + res.Message
			return err
		}

		out, err := sess.Submit(ctx, txpipeline.Call{To: s.modules.PerpManager, Data: data, Label: "deposit_liquidity"})
		if err != nil {
			res = failed(err, out)
			return err
		}
		log, err := eventLog(out.Receipt, s.modules.PerpManager, liquidityDeposited)
		if err != nil {
			res = failed(err, out)
			return err
		}
		res = confirmed(out, "liquidity deposited")
		res.PerpID = &in.PerpID
		res.PositionID = log.Topics[2].Big()
		return nil
	})
	return settle(res, err)
}

// BatchDeposit approves the summed margin once, then deposits every entry
// in one atomic multicall from the same wallet.
func (s *Service) BatchDeposit(ctx context.Context, in []DepositInput) (Result, error) {
	if err := s.requireDepositModules(); err != nil {
		return rejected(err)
	}
	if len(in) == 0 {
		return rejected(invalid("at least one deposit is required"))
	}
	total := new(big.Int)
	for i, d := range in {
		if err := d.validate(); err != nil {
			return rejected(fmt.Errorf("deposit %d: %w", i, err))
		}
		total.Add(total, d.Margin)
	}
	approve, err := contracts.ERC20.Pack("approve", s.modules.PerpManager, total)
	if err != nil {
		return rejected(invalid("encode approve: %v", err))
	}

	var res Result
	err = s.pipeline.Session(ctx, nil, func(ctx context.Context, sess *txpipeline.Session) error {
		items := make([]multicall.Item, len(in))
		for i, d := range in {
			data, err := packDeposit(d, sess.From())
			if err != nil {
				err = invalid("deposit %d: encode depositLiquidity: %v", i, err)
				res = failed(err, nil)
				return err
			}
			items[i] = multicall.Item{Index: i, Target: s.modules.PerpManager, CallData: data, Event: &liquidityDeposited}
		}

		if out, err := sess.Submit(ctx, txpipeline.Call{To: s.modules.USDC, Data: approve, Label: "approve_margin"}); err != nil {
			res = failed(err, out)
			res.Message = "approve margin: " + res.Message
			return err
		}

		got, out, err := s.batcher.Batch(ctx, sess, items, "batch_deposit")
		res = batchResult(got, out, err, fmt.Sprintf("%d deposits confirmed", len(in)))
		for i := range res.Items {
			perpID := in[i].PerpID
			res.Items[i].PerpID = &perpID
			if l := got[i].Result.Log; l != nil && len(l.Topics) > 2 {
				res.Items[i].PositionID = l.Topics[2].Big()
			}
		}
		return err
	})
	return settle(res, err)
}

// FundWallet sends native currency and/or USDC from a pool wallet.
func (s *Service) FundWallet(ctx context.Context, in FundInput) (Result, error) {
	if err := in.validate(); err != nil {
		return rejected(err)
	}
	var transfer []byte
	if positive(in.USDCAmount) {
		if s.modules.USDC == (common.Address{}) {
			return rejected(notConfigured("USDC"))
		}
		var err error
		if transfer, err = contracts.ERC20.Pack("transfer", in.To, in.USDCAmount); err != nil {
			return rejected(invalid("encode transfer: %v", err))
		}
	}

	var calls []txpipeline.Call
	if positive(in.NativeAmount) {
		calls = append(calls, txpipeline.Call{To: in.To, Value: in.NativeAmount, Label: "fund_native"})
	}
	if transfer != nil {
		calls = append(calls, txpipeline.Call{To: s.modules.USDC, Data: transfer, Label: "fund_usdc"})
	}

	var res Result
	err := s.pipeline.Session(ctx, nil, func(ctx context.Context, sess *txpipeline.Session) error {
		res = Result{Success: true, Wallet: sess.From(), Message: "wallet funded"}
		for i, call := range calls {
			out, err := sess.Submit(ctx, call)
			item := ItemResult{Index: i, Success: err == nil, Message: call.Label + " confirmed"}
			if out != nil && out.Tx != nil && out.Tx.Hash != nil {
				item.TxHash = out.Tx.Hash
				res.TxHash = out.Tx.Hash
			}
			if err != nil {
				item.Message = failed(err, out).Message
				res.Items = append(res.Items, item)
				res.Success = false
				res.Message = call.Label + ": " + item.Message
				return err
			}
			res.Items = append(res.Items, item)
		}
		return nil
	})
	return settle(res, err)
}

func (s *Service) requireDepositModules() error {
	if s.modules.PerpManager == (common.Address{}) {
		return notConfigured("perp manager")
	}
	if s.modules.USDC == (common.Address{}) {
		return notConfigured("USDC")
	}
	return nil
}

func (s *Service) requireContract(ctx context.Context, addr common.Address, what string) error {
	ok, err := chain.IsContract(ctx, s.provider, addr)
	if err != nil {
		return fmt.Errorf("%w: code at %s: %v", txpipeline.ErrRPC, addr.Hex(), err)
	}
	if !ok {
		return invalid("no %s contract deployed at %s", what, addr.Hex())
	}
	return nil
}

func (s *Service) sharedDesignation(ctx context.Context, in []UpdateBeaconInput) error {
	first, firstOK, err := s.designations.Designation(ctx, in[0].Beacon)
	if err != nil {
		return err
	}
	for _, u := range in[1:] {
		wallet, ok, err := s.designations.Designation(ctx, u.Beacon)
		if err != nil {
			return err
		}
		if ok != firstOK || wallet != first {
			return invalid("beacons %s and %s are bound to different wallets", in[0].Beacon.Hex(), u.Beacon.Hex())
		}
	}
	return nil
}

func packDeposit(in DepositInput, owner common.Address) ([]byte, error) {
	return contracts.PerpManager.Pack("depositLiquidity", in.PerpID, owner, in.Margin,
		big.NewInt(int64(in.TickLower)), big.NewInt(int64(in.TickUpper)))
}

// eventLog returns the first log emitted by emitter for event.
func eventLog(receipt *types.Receipt, emitter common.Address, event abi.Event) (*types.Log, error) {
	indexed := 1
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed++
		}
	}
	if receipt != nil {
		for _, l := range receipt.Logs {
			if l.Address == emitter && len(l.Topics) >= indexed && l.Topics[0] == event.ID {
				return l, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s from %s", ErrMissingEvent, event.Name, emitter.Hex())
}

func rejected(err error) (Result, error) {
	return Result{Success: false, Message: err.Error()}, err
}

func confirmed(out *txpipeline.Outcome, message string) Result {
	res := Result{Success: true, Message: message}
	if out != nil && out.Tx != nil {
		res.TxHash = out.Tx.Hash
		res.Wallet = out.Tx.From
	}
	return res
}

// failed builds a failure result. Reverts carry only the decoded reason.
func failed(err error, out *txpipeline.Outcome) Result {
	res := Result{Success: false, Message: err.Error()}
	if re, ok := txpipeline.Revert(err); ok {
		res.Message = re.Decoded.Message
	}
	if out != nil && out.Tx != nil {
		res.TxHash = out.Tx.Hash
		res.Wallet = out.Tx.From
	}
	return res
}

// settle fills in a result for errors raised before the session callback
// ran, such as lock acquisition failures.
func settle(res Result, err error) (Result, error) {
	if err != nil && res.Message == "" {
		res = failed(err, nil)
	}
	return res, err
}

func batchResult(items []multicall.Item, out *txpipeline.Outcome, err error, message string) Result {
	var res Result
	if err != nil {
		res = failed(err, out)
	} else {
		res = confirmed(out, message)
	}
	res.Items = make([]ItemResult, len(items))
	for i, item := range items {
		res.Items[i] = ItemResult{Index: item.Index, Success: item.Result.Status == multicall.ResultSuccess}
		if item.Result.Error != nil {
			res.Items[i].Message = item.Result.Error.Message
		}
	}
	if err != nil && len(items) > 0 && items[0].Result.Error != nil {
		res.Message = items[0].Result.Error.Message
	}
	return res
}
