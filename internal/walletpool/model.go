package walletpool

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAddress rejects zero addresses and blank key references.
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrWalletNotFound indicates the wallet is not registered in the pool.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrWalletLocked is returned when an administrative change targets a wallet in use.
	ErrWalletLocked = errors.New("wallet is locked")
	// ErrLockTimeout means the designated wallet stayed locked for every attempt.
	ErrLockTimeout = errors.New("wallet lock timeout")
	// ErrNoWalletAvailable means no undesignated wallet could be locked.
	ErrNoWalletAvailable = errors.New("no wallet available")
	// ErrLockLost is returned by Release when the record expired and was
	// reclaimed (or already removed) before the holder released it.
	ErrLockLost = errors.New("wallet lock lost before release")
)

// StatusKind enumerates wallet availability.
type StatusKind string

const (
	StatusAvailable StatusKind = "available"
	StatusLocked    StatusKind = "locked"
	StatusReserved  StatusKind = "reserved"
)

// Status describes a wallet's current availability. HolderID, AcquiredAt and
// TTL are set for Locked; ForBeacons for Reserved.
type Status struct {
	Kind       StatusKind
	HolderID   string
	AcquiredAt time.Time
	TTL        time.Duration
	ForBeacons []common.Address
}

// Wallet is a custody-backed signing identity.
type Wallet struct {
	Address           common.Address
	KeyReference      string
	Status            Status
	DesignatedBeacons []common.Address
	CreatedAt         time.Time
}

// LockRecord is the value stored under a wallet's lock key.
type LockRecord struct {
	ResourceID common.Address `json:"resource_id"`
	HolderID   string         `json:"holder_id"`
	AcquiredAt time.Time      `json:"acquired_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

func (r LockRecord) encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeLockRecord(raw string) (LockRecord, error) {
	var r LockRecord
	err := json.Unmarshal([]byte(raw), &r)
	return r, err
}

type walletMeta struct {
	Address      string    `json:"address"`
	KeyReference string    `json:"key_reference"`
	CreatedAt    time.Time `json:"created_at"`
}
