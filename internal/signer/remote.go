package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/beaconops/relay/internal/custody"
	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/metrics"
)

const backendRemote = "remote"

// RawSigner is the custody capability Remote depends on.
type RawSigner interface {
	SignRawPayload(ctx context.Context, req custody.SignRequest) (custody.RawSignature, error)
}

// RemoteSource builds Remote signers that share one custody client.
type RemoteSource struct {
	Client         RawSigner
	OrganizationID string
	ChainID        *big.Int
	Timeout        time.Duration
	Logger         *slog.Logger
}

// SignerFor returns a custody-backed signer. keyRef is the custody key
// identifier; when empty the wallet address itself is used.
func (s RemoteSource) SignerFor(address common.Address, keyRef string) (Signer, error) {
	if keyRef == "" {
		keyRef = address.Hex()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		client:  s.Client,
		orgID:   s.OrganizationID,
		keyRef:  keyRef,
		address: address,
		chainID: new(big.Int).Set(s.ChainID),
		timeout: s.Timeout,
		logger:  logging.Component(logger, "signer").With(slog.String("wallet", address.Hex())),
	}, nil
}

// Remote signs through the custody service. Failures are never retried.
type Remote struct {
	client  RawSigner
	orgID   string
	keyRef  string
	address common.Address
	chainID *big.Int
	timeout time.Duration
	logger  *slog.Logger
}

func (r *Remote) Address() common.Address { return r.address }

func (r *Remote) ChainID() *big.Int { return new(big.Int).Set(r.chainID) }

func (r *Remote) Sign(ctx context.Context, digest [32]byte) (Signature, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	sig, err := r.sign(ctx, digest)
	result := "ok"
	if err != nil {
		result = "error"
		r.logger.Error("remote signing failed", slog.String("key_reference", r.keyRef), slog.Any("error", err))
	}
	metrics.SignDuration.WithLabelValues(backendRemote, result).Observe(time.Since(start).Seconds())
	return sig, err
}

func (r *Remote) sign(ctx context.Context, digest [32]byte) (Signature, error) {
	raw, err := r.client.SignRawPayload(ctx, custody.SignRequest{
		OrganizationID: r.orgID,
		SignWith:       r.keyRef,
		PayloadHex:     hex.EncodeToString(digest[:]),
	})
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrAPIRequest, err)
	}

	var sig Signature
	if sig.R, err = parseScalar("r", raw.R); err != nil {
		return Signature{}, err
	}
	if sig.S, err = parseScalar("s", raw.S); err != nil {
		return Signature{}, err
	}
	v, err := parseRecoveryValue(raw.V)
	if err != nil {
		return Signature{}, err
	}
	if sig.V, err = NormalizeRecoveryID(v); err != nil {
		return Signature{}, err
	}

	if err := verify(digest, sig, r.address); err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// parseRecoveryValue reads v as hex ("00", "1b", "0x1c"). An unprefixed
// value that is no recovery id as hex is read again as decimal, so "27" and
// "28" are accepted too.
func parseRecoveryValue(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err == nil && isRecoveryValue(v) {
		return v, nil
	}
	if trimmed == value {
		if d, derr := strconv.ParseUint(value, 10, 64); derr == nil && isRecoveryValue(d) {
			return d, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("%w: v %q", ErrMalformedSignature, value)
	}
	return v, nil
}

func isRecoveryValue(v uint64) bool {
	return v <= 1 || v == 27 || v == 28
}

// parseScalar decodes a hex value of at most 32 bytes, left-padding short ones.
func parseScalar(name, value string) ([32]byte, error) {
	var out [32]byte
	value = strings.TrimPrefix(value, "0x")
	if len(value)%2 == 1 {
		value = "0" + value
	}
	b, err := hex.DecodeString(value)
	if err != nil || len(b) == 0 || len(b) > 32 {
		return out, fmt.Errorf("%w: %s %q", ErrMalformedSignature, name, value)
	}
	copy(out[32-len(b):], b)
	return out, nil
}
