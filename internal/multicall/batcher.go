// Package multicall submits several calls as one atomic Multicall3
// aggregate3 transaction and fans the outcome back out per item.
//
// Every sub-call is sent with allowFailure=false: a batch either applies
// completely or every item reports the same failure.
package multicall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/beaconops/relay/internal/chain"
	"github.com/beaconops/relay/internal/contracts"
	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/metrics"
	"github.com/beaconops/relay/internal/revert"
	"github.com/beaconops/relay/internal/txpipeline"
)

const multicallFailedReason = "Multicall3: call failed"

var (
	// ErrEmptyBatch rejects batches without items.
	ErrEmptyBatch = errors.New("batch has no items")
	// ErrResultMismatch means the replayed results could not be matched one
	// to one with the submitted items.
	ErrResultMismatch = errors.New("multicall result count mismatch")
)

// ResultStatus is a BatchItem outcome.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// Result is filled in by Batch.
type Result struct {
	Status ResultStatus
	// Payload is the item's return data from replaying the mined batch, or
	// from the pre-send dry run when the replay is unavailable.
	Payload []byte
	// Log is the item's matched event when Item.Event is set.
	Log   *types.Log
	Error *revert.DecodedError
}

// Item is one call in a batch.
type Item struct {
	Index    int
	Target   common.Address
	CallData []byte
	// Event, when set, is matched against the receipt logs emitted by Target.
	Event  *abi.Event
	Result Result
}

// Submitter is satisfied by *txpipeline.Pipeline and *txpipeline.Session.
type Submitter interface {
	Submit(ctx context.Context, call txpipeline.Call) (*txpipeline.Outcome, error)
}

// Batcher encodes and submits aggregate3 batches.
type Batcher struct {
	address  common.Address
	provider chain.Provider
	logger   *slog.Logger
}

// New returns a batcher for the Multicall3 deployment at address. provider
// is used to pinpoint the failing item when a batch reverts.
func New(address common.Address, provider chain.Provider, logger *slog.Logger) *Batcher {
	return &Batcher{address: address, provider: provider, logger: logging.Component(logger, "multicall")}
}

// Address is the Multicall3 contract used.
func (b *Batcher) Address() common.Address { return b.address }

// BatchFor routes the batch through beacon's designated wallet.
func (b *Batcher) BatchFor(ctx context.Context, pipeline *txpipeline.Pipeline, beacon *common.Address, items []Item, label string) ([]Item, *txpipeline.Outcome, error) {
	return b.Batch(ctx, routed{pipeline: pipeline, beacon: beacon}, items, label)
}

type routed struct {
	pipeline *txpipeline.Pipeline
	beacon   *common.Address
}

func (r routed) Submit(ctx context.Context, call txpipeline.Call) (*txpipeline.Outcome, error) {
	call.Beacon = r.beacon
	return r.pipeline.Submit(ctx, call)
}

// Batch submits items atomically. The returned slice always has one entry
// per requested item, in request order.
func (b *Batcher) Batch(ctx context.Context, sub Submitter, items []Item, label string) ([]Item, *txpipeline.Outcome, error) {
	if len(items) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	out := make([]Item, len(items))
	copy(out, items)
	for i := range out {
		out[i].Result = Result{Status: ResultPending}
	}

	calls := make([]contracts.Call3, len(out))
	for i, item := range out {
		calls[i] = contracts.Call3{Target: item.Target, AllowFailure: false, CallData: item.CallData}
	}
	data, err := contracts.Multicall3.Pack("aggregate3", calls)
	if err != nil {
		return failAll(out, revert.DecodedError{Message: "encode aggregate3: " + err.Error()}), nil, err
	}

	if label == "" {
		label = "multicall"
	}
	outcome, err := sub.Submit(ctx, txpipeline.Call{To: b.address, Data: data, Label: label})
	if err != nil {
		if re, ok := txpipeline.Revert(err); ok {
			decoded := b.diagnose(ctx, out, re.Decoded)
			b.logger.Error("batch reverted", slog.Int("items", len(out)), slog.String("reason", decoded.Message))
			metrics.BatchItems.WithLabelValues(string(ResultFailed)).Observe(float64(len(out)))
			return failAll(out, decoded), outcome, err
		}
		metrics.BatchItems.WithLabelValues(string(ResultFailed)).Observe(float64(len(out)))
		return failAll(out, revert.DecodedError{Message: err.Error()}), outcome, err
	}

	if err := fanOut(out, b.minedReturnData(ctx, data, outcome), outcome.Receipt); err != nil {
		b.logger.Error("batch results could not be matched", slog.Int("items", len(out)), slog.Any("error", err))
		metrics.BatchItems.WithLabelValues(string(ResultFailed)).Observe(float64(len(out)))
		return failAll(out, revert.DecodedError{Message: "internal error: " + err.Error()}), outcome, err
	}
	metrics.BatchItems.WithLabelValues(string(ResultSuccess)).Observe(float64(len(out)))
	return out, outcome, nil
}

// minedReturnData re-executes the batch on the state its block was built
// on. When the replay fails the pre-send dry run's data is used.
func (b *Batcher) minedReturnData(ctx context.Context, data []byte, outcome *txpipeline.Outcome) []byte {
	receipt := outcome.Receipt
	if b.provider == nil || outcome.Tx == nil || receipt == nil || receipt.BlockNumber == nil || receipt.BlockNumber.Sign() <= 0 {
		return outcome.ReturnData
	}
	parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	msg := ethereum.CallMsg{From: outcome.Tx.From, To: &b.address, Data: data}
	ret, err := b.provider.CallContract(ctx, msg, parent)
	if err != nil {
		b.logger.Warn("replay of mined batch failed, using dry-run results",
			slog.String("block", receipt.BlockNumber.String()),
			slog.Any("error", err))
		return outcome.ReturnData
	}
	return ret
}

// fanOut matches return data by position and events by log order.
func fanOut(items []Item, returnData []byte, receipt *types.Receipt) error {
	results, err := contracts.UnpackAggregate3(returnData)
	if err != nil {
		return fmt.Errorf("%w: decode aggregate3 results: %v", ErrResultMismatch, err)
	}
	if len(results) != len(items) {
		return fmt.Errorf("%w: %d results for %d items", ErrResultMismatch, len(results), len(items))
	}

	var logs []*types.Log
	if receipt != nil {
		logs = receipt.Logs
	}
	cursor := 0
	for i := range items {
		if !results[i].Success {
			return fmt.Errorf("%w: item %d reported failure in an atomic batch", ErrResultMismatch, items[i].Index)
		}
		items[i].Result = Result{Status: ResultSuccess, Payload: results[i].ReturnData}

		if items[i].Event == nil {
			continue
		}
		matched := false
		for ; cursor < len(logs); cursor++ {
			l := logs[cursor]
			if l.Address == items[i].Target && len(l.Topics) > 0 && l.Topics[0] == items[i].Event.ID {
				items[i].Result.Log = l
				cursor++
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: no %s event for item %d", ErrResultMismatch, items[i].Event.Name, items[i].Index)
		}
	}
	return nil
}

// diagnose replaces Multicall3's generic failure with the first failing
// item's own reason. The result still applies to the whole batch.
func (b *Batcher) diagnose(ctx context.Context, items []Item, decoded revert.DecodedError) revert.DecodedError {
	if b.provider == nil || !strings.Contains(decoded.Message, multicallFailedReason) {
		return decoded
	}
	for _, item := range items {
		target := item.Target
		_, err := b.provider.CallContract(ctx, ethereum.CallMsg{From: b.address, To: &target, Data: item.CallData}, nil)
		if err == nil {
			continue
		}
		if inner, ok := revert.FromError(err); ok {
			return revert.DecodedError{
				Selector: inner.Selector,
				Name:     inner.Name,
				Message:  fmt.Sprintf("batch reverted at item %d: %s", item.Index, inner.Message),
			}
		}
		return decoded
	}
	return decoded
}

func failAll(items []Item, decoded revert.DecodedError) []Item {
	for i := range items {
		reason := decoded
		items[i].Result = Result{Status: ResultFailed, Error: &reason}
	}
	return items
}
