package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/beaconops/relay/internal/metrics"
)

const backendLocal = "local"

// Local signs with an in-process key. Intended for development chains.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewLocal parses a hex secp256k1 private key.
func NewLocal(hexKey string, chainID *big.Int) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse local key: %w", err)
	}
	return NewLocalFromKey(key, chainID), nil
}

// NewLocalFromKey wraps an existing key.
func NewLocalFromKey(key *ecdsa.PrivateKey, chainID *big.Int) *Local {
	return &Local{key: key, address: crypto.PubkeyToAddress(key.PublicKey), chainID: new(big.Int).Set(chainID)}
}

func (l *Local) Address() common.Address { return l.address }

func (l *Local) ChainID() *big.Int { return new(big.Int).Set(l.chainID) }

func (l *Local) Sign(ctx context.Context, digest [32]byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	start := time.Now()
	raw, err := crypto.Sign(digest[:], l.key)
	if err != nil {
		metrics.SignDuration.WithLabelValues(backendLocal, "error").Observe(time.Since(start).Seconds())
		return Signature{}, fmt.Errorf("%w: %v", ErrAPIRequest, err)
	}
	metrics.SignDuration.WithLabelValues(backendLocal, "ok").Observe(time.Since(start).Seconds())

	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	return sig, nil
}

// LocalKey is one configured in-process key.
type LocalKey struct {
	Reference string
	Signer    *Local
}

// LocalSource resolves wallets to in-process keys by address.
type LocalSource struct {
	keys map[common.Address]LocalKey
}

// NewLocalSource parses keys given as reference -> hex private key.
func NewLocalSource(keys map[string]string, chainID *big.Int) (*LocalSource, error) {
	src := &LocalSource{keys: make(map[common.Address]LocalKey, len(keys))}
	for ref, hexKey := range keys {
		l, err := NewLocal(hexKey, chainID)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", ref, err)
		}
		src.keys[l.Address()] = LocalKey{Reference: ref, Signer: l}
	}
	return src, nil
}

// SignerFor ignores keyRef; the address alone identifies the key.
func (s *LocalSource) SignerFor(address common.Address, _ string) (Signer, error) {
	k, ok := s.keys[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, address.Hex())
	}
	return k.Signer, nil
}

// Keys lists the configured keys ordered by address, for wallet bootstrap.
func (s *LocalSource) Keys() []LocalKey {
	out := make([]LocalKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Signer.Address().Hex()) < strings.ToLower(out[j].Signer.Address().Hex())
	})
	return out
}
