package txpipeline

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/beaconops/relay/internal/revert"
)

var (
	// ErrNonceConflict is returned once nonce conflicts outlast the retry budget.
	ErrNonceConflict = errors.New("nonce conflict")
	// ErrReverted matches any revert, simulated or on-chain.
	ErrReverted = errors.New("transaction reverted")
	// ErrBroadcast is a non-nonce, non-revert submission failure.
	ErrBroadcast = errors.New("broadcast failed")
	// ErrRPC is a chain read that failed for reasons other than a revert.
	ErrRPC = errors.New("chain rpc failed")
	// ErrConfirmationTimeout means no receipt was seen in time. The
	// transaction may still land; check its hash before resubmitting.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrLockExpiring means the wallet lock would expire before signing and
	// confirmation could finish.
	ErrLockExpiring = errors.New("wallet lock too close to expiry")
)

// Status is a PendingTransaction lifecycle state.
type Status string

const (
	StatusBuilt     Status = "built"
	StatusSigned    Status = "signed"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// FailureReason qualifies StatusFailed.
type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonReverted      FailureReason = "reverted"
	ReasonNonceConflict FailureReason = "nonce_conflict"
	ReasonTimeout       FailureReason = "timeout"
	ReasonBroadcast     FailureReason = "broadcast"
	ReasonRPC           FailureReason = "rpc"
	ReasonSigning       FailureReason = "signing"
	ReasonLockExpiring  FailureReason = "lock_expiring"
)

// Call is one contract interaction to submit.
type Call struct {
	// Beacon routes the call to the beacon's designated wallet when set.
	Beacon *common.Address
	To     common.Address
	Data   []byte
	Value  *big.Int
	// GasLimit skips estimation when non-zero.
	GasLimit uint64
	Label    string
}

// PendingTransaction tracks one call through the pipeline. It is owned by
// the operation that created it.
type PendingTransaction struct {
	Label         string
	From          common.Address
	To            common.Address
	CallData      []byte
	Value         *big.Int
	Nonce         *uint64
	Signature     []byte
	Hash          *common.Hash
	Status        Status
	FailureReason FailureReason
	Attempts      int
}

// Outcome is a terminal pipeline result.
type Outcome struct {
	Tx      *PendingTransaction
	Receipt *types.Receipt
	// ReturnData is the call's return value from the pre-submission dry run.
	ReturnData []byte
}

// RevertError carries the decoded revert reason.
type RevertError struct {
	Decoded revert.DecodedError
	// OnChain is set when the transaction was mined and reverted, as opposed
	// to failing simulation.
	OnChain bool
}

func (e *RevertError) Error() string {
	if e.OnChain {
		return "reverted on-chain: " + e.Decoded.Message
	}
	return "reverted: " + e.Decoded.Message
}

func (e *RevertError) Is(target error) bool { return target == ErrReverted }

// FailureError is returned for every Failed transaction.
type FailureError struct {
	Tx     *PendingTransaction
	Reason FailureReason
	Err    error
}

func (e *FailureError) Error() string {
	label := e.Tx.Label
	if label == "" {
		label = "transaction"
	}
	if e.Tx.Hash != nil {
		return fmt.Sprintf("%s %s failed (%s): %v", label, e.Tx.Hash.Hex(), e.Reason, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", label, e.Reason, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Revert returns the decoded revert if err is one.
func Revert(err error) (*RevertError, bool) {
	var re *RevertError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
