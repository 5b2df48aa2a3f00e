// Package signer provides the signing capability the submission pipeline
// uses. Backends are interchangeable and chosen at construction time.
package signer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrAPIRequest means the signing backend could not produce a signature.
	ErrAPIRequest = errors.New("signing api request failed")
	// ErrMalformedSignature means the backend answered with values that are
	// not a valid secp256k1 signature.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrSignerMismatch means the signature recovers to a different address
	// than the wallet it was requested for.
	ErrSignerMismatch = errors.New("signature does not recover to wallet address")
	// ErrUnknownKey is returned by a Source that holds no key for an address.
	ErrUnknownKey = errors.New("no signing key for wallet")
)

// Signer signs 32-byte digests for one address on one chain.
type Signer interface {
	Address() common.Address
	ChainID() *big.Int
	// Sign signs digest as is; it must never be hashed again.
	Sign(ctx context.Context, digest [32]byte) (Signature, error)
}

// Source hands out a Signer for a registered wallet.
type Source interface {
	SignerFor(address common.Address, keyRef string) (Signer, error)
}

// Signature is a secp256k1 signature with a normalized recovery id (0 or 1).
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// Bytes returns the 65-byte R || S || V form accepted by go-ethereum.
func (s Signature) Bytes() []byte {
	out := make([]byte, crypto.SignatureLength)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// NormalizeRecoveryID maps Ethereum-style v values onto 0 or 1.
func NormalizeRecoveryID(v uint64) (byte, error) {
	switch v {
	case 0, 1:
		return byte(v), nil
	case 27, 28:
		return byte(v - 27), nil
	default:
		return 0, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, v)
	}
}

// verify checks that sig over digest recovers to want.
func verify(digest [32]byte, sig Signature, want common.Address) error {
	pub, err := crypto.SigToPub(digest[:], sig.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != want {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignerMismatch, got.Hex(), want.Hex())
	}
	return nil
}
