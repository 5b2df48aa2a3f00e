// Package txpipeline builds, signs, submits and confirms transactions while
// holding the sending wallet's lock.
package txpipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/beaconops/relay/internal/chain"
	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/metrics"
	"github.com/beaconops/relay/internal/revert"
	"github.com/beaconops/relay/internal/signer"
	"github.com/beaconops/relay/internal/walletpool"
)

const (
	defaultPollInterval   = time.Second
	defaultConfirmTimeout = time.Minute
	defaultSignTimeout    = 15 * time.Second
)

// WalletLocker runs a critical section while holding a wallet lock.
type WalletLocker interface {
	WithWallet(ctx context.Context, beacon *common.Address, fn func(context.Context, *walletpool.Handle) error) error
}

// Options bounds the pipeline's network round trips and retries.
type Options struct {
	SignTimeout          time.Duration
	ConfirmTimeout       time.Duration
	PollInterval         time.Duration
	NonceRetries         int
	GasMultiplierPercent int
}

// Pipeline submits calls on behalf of pooled wallets.
type Pipeline struct {
	provider chain.Provider
	wallets  WalletLocker
	signers  signer.Source
	chainID  *big.Int
	txSigner types.Signer
	opts     Options
	logger   *slog.Logger
}

// New builds a pipeline for one chain.
func New(provider chain.Provider, wallets WalletLocker, signers signer.Source, chainID *big.Int, opts Options, logger *slog.Logger) *Pipeline {
	if opts.SignTimeout <= 0 {
		opts.SignTimeout = defaultSignTimeout
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.NonceRetries < 0 {
		opts.NonceRetries = 0
	}
	if opts.GasMultiplierPercent < 100 {
		opts.GasMultiplierPercent = 100
	}
	return &Pipeline{
		provider: provider,
		wallets:  wallets,
		signers:  signers,
		chainID:  new(big.Int).Set(chainID),
		txSigner: types.LatestSignerForChainID(chainID),
		opts:     opts,
		logger:   logging.Component(logger, "txpipeline"),
	}
}

// Provider exposes the chain the pipeline submits to.
func (p *Pipeline) Provider() chain.Provider { return p.provider }

// Submit locks the wallet routed for call.Beacon and runs call through it.
func (p *Pipeline) Submit(ctx context.Context, call Call) (*Outcome, error) {
	var out *Outcome
	err := p.Session(ctx, call.Beacon, func(ctx context.Context, s *Session) error {
		var err error
		out, err = s.Submit(ctx, call)
		return err
	})
	return out, err
}

// Session holds one wallet for several sequential calls so their nonces
// follow each other.
func (p *Pipeline) Session(ctx context.Context, beacon *common.Address, fn func(context.Context, *Session) error) error {
	return p.wallets.WithWallet(ctx, beacon, func(ctx context.Context, h *walletpool.Handle) error {
		sgn, err := p.signers.SignerFor(h.Address(), h.Wallet.KeyReference)
		if err != nil {
			return fmt.Errorf("signer for %s: %w", h.Address().Hex(), err)
		}
		if sgn.Address() != h.Address() {
			return fmt.Errorf("%w: signer %s for wallet %s", signer.ErrSignerMismatch, sgn.Address().Hex(), h.Address().Hex())
		}
		if sgn.ChainID().Cmp(p.chainID) != 0 {
			return fmt.Errorf("signer chain id %s does not match %s", sgn.ChainID(), p.chainID)
		}
		return fn(ctx, &Session{pipeline: p, handle: h, signer: sgn})
	})
}

// Session is a held wallet. It is not safe for concurrent use.
type Session struct {
	pipeline *Pipeline
	handle   *walletpool.Handle
	signer   signer.Signer
}

// From is the session wallet's address.
func (s *Session) From() common.Address { return s.handle.Address() }

// Submit runs call from the session wallet and waits for its receipt.
// call.Beacon is ignored; routing happened when the session was opened.
func (s *Session) Submit(ctx context.Context, call Call) (*Outcome, error) {
	p := s.pipeline
	tx := &PendingTransaction{
		Label:    call.Label,
		From:     s.From(),
		To:       call.To,
		CallData: call.Data,
		Value:    call.Value,
		Status:   StatusBuilt,
	}
	logger := p.logger.With(slog.String("wallet", tx.From.Hex()), slog.String("label", call.Label))

	out, err := s.run(ctx, tx, call, logger)
	if out == nil {
		out = &Outcome{Tx: tx}
	}
	metrics.Transactions.WithLabelValues(string(tx.Status), string(tx.FailureReason)).Inc()
	return out, err
}

func (s *Session) run(ctx context.Context, tx *PendingTransaction, call Call, logger *slog.Logger) (*Outcome, error) {
	p := s.pipeline
	msg := ethereum.CallMsg{From: tx.From, To: &tx.To, Data: tx.CallData, Value: tx.Value}

	returnData, err := p.provider.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, s.readFailure(tx, "simulate", err, logger)
	}

	gas := call.GasLimit
	if gas == 0 {
		estimated, err := p.provider.EstimateGas(ctx, msg)
		if err != nil {
			return nil, s.readFailure(tx, "estimate gas", err, logger)
		}
		gas = estimated * uint64(p.opts.GasMultiplierPercent) / 100
	}

	fees, err := p.fees(ctx)
	if err != nil {
		return nil, fail(tx, ReasonRPC, fmt.Errorf("%w: fees: %v", ErrRPC, err))
	}

	var signed *types.Transaction
	for attempt := 0; ; attempt++ {
		tx.Attempts = attempt + 1
		if until := time.Until(s.handle.ExpiresAt()); until < p.opts.SignTimeout+p.opts.ConfirmTimeout {
			return nil, fail(tx, ReasonLockExpiring, fmt.Errorf("%w: %s left", ErrLockExpiring, until.Round(time.Millisecond)))
		}

		nonce, err := p.provider.PendingNonceAt(ctx, tx.From)
		if err != nil {
			return nil, fail(tx, ReasonRPC, fmt.Errorf("%w: pending nonce: %v", ErrRPC, err))
		}
		tx.Nonce = &nonce

		signed, err = s.sign(ctx, tx, fees.build(p.chainID, nonce, tx.To, gas, tx.Value, tx.CallData))
		if err != nil {
			logger.Error("signing failed", slog.Uint64("nonce", nonce), slog.Any("error", err))
			return nil, fail(tx, ReasonSigning, err)
		}

		err = p.provider.SendTransaction(ctx, signed)
		if err == nil || isAlreadyKnown(err) {
			break
		}
		if IsNonceError(err.Error()) {
			if attempt >= p.opts.NonceRetries {
				logger.Error("nonce conflict retries exhausted", slog.Uint64("nonce", nonce), slog.Int("attempts", tx.Attempts), slog.Any("error", err))
				return nil, fail(tx, ReasonNonceConflict, fmt.Errorf("%w: %v", ErrNonceConflict, err))
			}
			metrics.NonceRetries.Inc()
			logger.Warn("nonce conflict, refreshing nonce", slog.Uint64("nonce", nonce), slog.Int("attempt", tx.Attempts), slog.Any("error", err))
			continue
		}
		if decoded, ok := revert.FromError(err); ok {
			logger.Error("broadcast reverted", slog.String("reason", decoded.Message))
			return nil, fail(tx, ReasonReverted, &RevertError{Decoded: decoded})
		}
		logger.Error("broadcast failed", slog.Uint64("nonce", nonce), slog.Any("error", err))
		return nil, fail(tx, ReasonBroadcast, fmt.Errorf("%w: %v", ErrBroadcast, err))
	}

	hash := signed.Hash()
	tx.Hash = &hash
	tx.Status = StatusSubmitted
	logger = logger.With(slog.String("tx_hash", hash.Hex()), slog.Uint64("nonce", *tx.Nonce))
	logger.Info("transaction submitted")

	receipt, err := p.waitReceipt(ctx, hash, logger)
	if err != nil {
		logger.Warn("no receipt before timeout, finality unknown", slog.Any("error", err))
		return nil, fail(tx, ReasonTimeout, fmt.Errorf("%w: %w", ErrConfirmationTimeout, err))
	}

	out := &Outcome{Tx: tx, Receipt: receipt, ReturnData: returnData}
	if receipt.Status != types.ReceiptStatusSuccessful {
		decoded := p.replay(ctx, msg, receipt)
		logger.Error("transaction reverted on-chain", slog.String("reason", decoded.Message))
		return out, fail(tx, ReasonReverted, &RevertError{Decoded: decoded, OnChain: true})
	}

	tx.Status = StatusConfirmed
	logger.Info("transaction confirmed", slog.Uint64("block", receipt.BlockNumber.Uint64()), slog.Uint64("gas_used", receipt.GasUsed))
	return out, nil
}

func (s *Session) sign(ctx context.Context, tx *PendingTransaction, unsigned *types.Transaction) (*types.Transaction, error) {
	p := s.pipeline
	sctx, cancel := context.WithTimeout(ctx, p.opts.SignTimeout)
	defer cancel()

	digest := p.txSigner.Hash(unsigned)
	sig, err := s.signer.Sign(sctx, digest)
	if err != nil {
		return nil, err
	}
	signed, err := unsigned.WithSignature(p.txSigner, sig.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signer.ErrMalformedSignature, err)
	}
	tx.Signature = sig.Bytes()
	tx.Status = StatusSigned
	return signed, nil
}

// readFailure classifies a failed simulation or estimate.
func (s *Session) readFailure(tx *PendingTransaction, step string, err error, logger *slog.Logger) error {
	if decoded, ok := revert.FromError(err); ok {
		logger.Error("call would revert", slog.String("step", step), slog.String("reason", decoded.Message))
		return fail(tx, ReasonReverted, &RevertError{Decoded: decoded})
	}
	return fail(tx, ReasonRPC, fmt.Errorf("%w: %s: %v", ErrRPC, step, err))
}

// replay re-executes a reverted call at its block to recover the reason.
func (p *Pipeline) replay(ctx context.Context, msg ethereum.CallMsg, receipt *types.Receipt) revert.DecodedError {
	_, err := p.provider.CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		if decoded, ok := revert.FromError(err); ok {
			return decoded
		}
	}
	return revert.DecodedError{Message: "reverted on-chain; replay did not reproduce the reason"}
}

func (p *Pipeline) waitReceipt(ctx context.Context, hash common.Hash, logger *slog.Logger) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.provider.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			logger.Debug("receipt poll failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type feeQuote struct {
	tipCap   *big.Int
	feeCap   *big.Int
	gasPrice *big.Int
}

// fees quotes EIP-1559 fees when the head carries a base fee, legacy pricing otherwise.
func (p *Pipeline) fees(ctx context.Context) (feeQuote, error) {
	head, err := p.provider.HeaderByNumber(ctx, nil)
	if err != nil {
		return feeQuote{}, err
	}
	if head.BaseFee == nil {
		price, err := p.provider.SuggestGasPrice(ctx)
		if err != nil {
			return feeQuote{}, err
		}
		return feeQuote{gasPrice: price}, nil
	}
	tip, err := p.provider.SuggestGasTipCap(ctx)
	if err != nil {
		return feeQuote{}, err
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return feeQuote{tipCap: tip, feeCap: feeCap}, nil
}

func (f feeQuote) build(chainID *big.Int, nonce uint64, to common.Address, gas uint64, value *big.Int, data []byte) *types.Transaction {
	if value == nil {
		value = new(big.Int)
	}
	if f.gasPrice != nil {
		return types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: f.gasPrice, Gas: gas, To: &to, Value: value, Data: data})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: f.tipCap,
		GasFeeCap: f.feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
}

func fail(tx *PendingTransaction, reason FailureReason, err error) error {
	tx.Status = StatusFailed
	tx.FailureReason = reason
	return &FailureError{Tx: tx, Reason: reason, Err: err}
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}
