// Package store is the shared lock/KV store every relay instance coordinates
// through. It owns no durable state of its own: wallets, designations and lock
// records all live in the backing Redis.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Store defines the primitives the relay needs from its shared KV backend.
type Store interface {
	// SetNX atomically sets key to value with ttl if it does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	// Set writes value without expiry.
	Set(ctx context.Context, key, value string) error
	// SetTTL overwrites key with value and a fresh ttl.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	// TTL returns the remaining time to live, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Incr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error

	// Bind atomically points b.Key at b.Value and moves b.Member from the
	// reverse set of the previous value into the reverse set of b.Value. It
	// returns the previous value ("" when unset), or ErrNotFound when
	// b.Guard does not exist.
	Bind(ctx context.Context, b Binding) (string, error)
	// Unbind atomically deletes b.Key while it holds expected (any value
	// when expected is empty) and drops b.Member from the reverse set and
	// the index. It returns the value removed, or "" when nothing matched.
	Unbind(ctx context.Context, b Binding, expected string) (string, error)
}

// Binding describes a key -> value mapping kept in step with a reverse
// value -> members set (ReversePrefix + value) and an index of members.
type Binding struct {
	Key           string
	Value         string
	Member        string
	ReversePrefix string
	Index         string
	// Guard must exist for Bind to write anything.
	Guard string
}

// Keys builds namespaced keys under a fixed prefix.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder; prefix is used verbatim (e.g. "relay:v1:").
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// Wallets is the set of registered wallet addresses.
func (k Keys) Wallets() string { return k.prefix + "wallets" }

// Wallet holds per-wallet metadata.
func (k Keys) Wallet(addr common.Address) string { return k.prefix + "wallet:" + Normalize(addr) }

// Lock is the per-wallet mutual exclusion record.
func (k Keys) Lock(addr common.Address) string { return k.prefix + "lock:" + Normalize(addr) }

// Designation maps a beacon to its required signer.
func (k Keys) Designation(beacon common.Address) string {
	return k.prefix + "designation:" + Normalize(beacon)
}

// WalletBeacons is the reverse wallet -> beacons set.
func (k Keys) WalletBeacons(addr common.Address) string {
	return k.WalletBeaconsPrefix() + Normalize(addr)
}

// WalletBeaconsPrefix is WalletBeacons without the wallet suffix.
func (k Keys) WalletBeaconsPrefix() string { return k.prefix + "wallet_beacons:" }

// Designated is the set of every designated beacon.
func (k Keys) Designated() string { return k.prefix + "designated" }

// PoolCursor rotates the starting candidate across acquisitions.
func (k Keys) PoolCursor() string { return k.prefix + "pool_cursor" }

// Idempotency stores HTTP idempotency records.
func (k Keys) Idempotency(key string) string { return k.prefix + "idempotency:" + key }

// Normalize renders an address the way keys and set members store it.
func Normalize(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
