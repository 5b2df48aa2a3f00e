// Package chaintest provides an in-memory chain.Provider for tests. Contract
// behaviour is scripted per address with Handlers; transactions are mined
// immediately unless receipts are delayed.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/beaconops/relay/internal/chain"
)

const defaultGas = 100_000

// Call is a contract invocation observed by the fake chain. Mined is set when
// the call executes as part of a transaction; Block is set for historical calls.
type Call struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	Mined bool
	Block *big.Int
}

// Result is the scripted outcome of a Call.
type Result struct {
	Return   []byte
	Reverted bool
	// RevertData is the raw revert payload; setting it implies Reverted.
	RevertData []byte
	Logs       []*types.Log
}

func (r Result) reverted() bool { return r.Reverted || r.RevertData != nil }

// Handler scripts a contract.
type Handler func(Call) Result

// RevertError mimics the JSON-RPC error a node returns for a reverted call.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string {
	return "execution reverted"
}

// ErrorData returns the revert payload as a hex string, like geth.
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(e.Data)
}

// Provider is a scripted chain.
type Provider struct {
	mu sync.Mutex

	chainID  *big.Int
	signer   types.Signer
	legacy   bool
	block    uint64
	code     map[common.Address][]byte
	handlers map[common.Address]Handler
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	senders  []common.Address
	receipts map[common.Hash]*types.Receipt
	pending  map[common.Hash]int
	sendErrs []error

	// ReceiptDelay is the number of receipt polls answered with NotFound
	// before a mined receipt is returned. Negative never returns one.
	ReceiptDelay int
}

var _ chain.Provider = (*Provider)(nil)

// New returns an empty chain at block 1.
func New(chainID *big.Int) *Provider {
	return &Provider{
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
		block:    1,
		code:     make(map[common.Address][]byte),
		handlers: make(map[common.Address]Handler),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		pending:  make(map[common.Hash]int),
	}
}

// Legacy makes the head report no base fee so legacy transactions are built.
func (p *Provider) Legacy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.legacy = true
}

// Handle installs h for calls to addr and marks addr as a contract.
func (p *Provider) Handle(addr common.Address, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[addr] = h
	if _, ok := p.code[addr]; !ok {
		p.code[addr] = []byte{0x60, 0x80}
	}
}

// SetCode sets the code reported for addr.
func (p *Provider) SetCode(addr common.Address, code []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code[addr] = code
}

// FailSends queues errors returned by the next SendTransaction calls.
func (p *Provider) FailSends(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErrs = append(p.sendErrs, errs...)
}

// BumpNonce simulates a transaction from addr landing out of band.
func (p *Provider) BumpNonce(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonces[addr]++
}

// Sent returns the accepted transactions in order.
func (p *Provider) Sent() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Transaction(nil), p.sent...)
}

// Senders returns the recovered sender of each accepted transaction.
func (p *Provider) Senders() []common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]common.Address(nil), p.senders...)
}

func (p *Provider) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code[account], nil
}

func (p *Provider) CallContract(_ context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	res := p.dispatch(Call{From: msg.From, To: deref(msg.To), Data: msg.Data, Value: msg.Value, Block: blockNumber})
	if res.reverted() {
		return nil, &RevertError{Data: res.RevertData}
	}
	return res.Return, nil
}

func (p *Provider) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	res := p.dispatch(Call{From: msg.From, To: deref(msg.To), Data: msg.Data, Value: msg.Value})
	if res.reverted() {
		return 0, &RevertError{Data: res.RevertData}
	}
	return defaultGas, nil
}

func (p *Provider) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nonces[account], nil
}

func (p *Provider) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (p *Provider) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (p *Provider) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &types.Header{Number: new(big.Int).SetUint64(p.block)}
	if !p.legacy {
		h.BaseFee = big.NewInt(1_000_000_000)
	}
	return h, nil
}

func (p *Provider) SendTransaction(_ context.Context, tx *types.Transaction) error {
	from, err := types.Sender(p.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.ChainId().Cmp(p.chainID) != 0 {
		return fmt.Errorf("invalid chain id: have %s want %s", tx.ChainId(), p.chainID)
	}

	p.mu.Lock()
	if len(p.sendErrs) > 0 {
		err := p.sendErrs[0]
		p.sendErrs = p.sendErrs[1:]
		p.mu.Unlock()
		return err
	}
	if want := p.nonces[from]; tx.Nonce() != want {
		p.mu.Unlock()
		if tx.Nonce() < want {
			return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), want)
		}
		return fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), want)
	}
	p.nonces[from]++
	p.block++
	block := p.block
	p.sent = append(p.sent, tx)
	p.senders = append(p.senders, from)
	p.mu.Unlock()

	res := p.dispatch(Call{From: from, To: deref(tx.To()), Data: tx.Data(), Value: tx.Value(), Mined: true})

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		GasUsed:           defaultGas,
		CumulativeGasUsed: defaultGas,
		BlockNumber:       new(big.Int).SetUint64(block),
		BlockHash:         crypto.Keccak256Hash(new(big.Int).SetUint64(block).Bytes()),
	}
	if res.reverted() {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for i, l := range res.Logs {
			entry := *l
			if entry.Address == (common.Address{}) {
				entry.Address = deref(tx.To())
			}
			entry.TxHash = tx.Hash()
			entry.BlockNumber = block
			entry.Index = uint(i)
			receipt.Logs = append(receipt.Logs, &entry)
		}
	}

	p.mu.Lock()
	p.receipts[tx.Hash()] = receipt
	p.pending[tx.Hash()] = p.ReceiptDelay
	p.mu.Unlock()
	return nil
}

func (p *Provider) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	receipt, ok := p.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if remaining := p.pending[txHash]; remaining != 0 {
		if remaining > 0 {
			p.pending[txHash] = remaining - 1
		}
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (p *Provider) dispatch(c Call) Result {
	p.mu.Lock()
	h, ok := p.handlers[c.To]
	p.mu.Unlock()
	if !ok {
		return Result{}
	}
	return h(c)
}

// Dispatch runs the handler for c, for handlers that fan out to others.
func (p *Provider) Dispatch(c Call) Result {
	return p.dispatch(c)
}

func deref(addr *common.Address) common.Address {
	if addr == nil {
		return common.Address{}
	}
	return *addr
}

// IsRevert reports whether err is a scripted revert.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}
