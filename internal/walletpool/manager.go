package walletpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/metrics"
	"github.com/beaconops/relay/internal/store"
)

const (
	releaseTimeout = 5 * time.Second
	snapshotLimit  = 8
)

// Options configures lock behaviour.
type Options struct {
	LockTTL    time.Duration
	RetryCount int
	RetryDelay time.Duration

	// Now and NewHolderID are overridable for tests.
	Now         func() time.Time
	NewHolderID func() string
}

// Handle is proof of holding a wallet's lock. It must be passed to Release.
type Handle struct {
	Wallet Wallet

	record   LockRecord
	value    string
	released atomic.Bool
}

// Address returns the locked wallet's address.
func (h *Handle) Address() common.Address { return h.Wallet.Address }

// HolderID identifies this lock epoch.
func (h *Handle) HolderID() string { return h.record.HolderID }

// ExpiresAt is when the lock record self-expires.
func (h *Handle) ExpiresAt() time.Time { return h.record.ExpiresAt }

// Manager owns the wallet pool and coordinates wallet locks across every
// relay instance sharing the store.
type Manager struct {
	store  store.Store
	keys   store.Keys
	opts   Options
	logger *slog.Logger
}

// NewManager builds a pool manager.
func NewManager(s store.Store, keys store.Keys, opts Options, logger *slog.Logger) *Manager {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewHolderID == nil {
		opts.NewHolderID = uuid.NewString
	}
	return &Manager{store: s, keys: keys, opts: opts, logger: logging.Component(logger, "walletpool")}
}

// Register adds a wallet to the pool or updates its key reference.
func (m *Manager) Register(ctx context.Context, addr common.Address, keyRef string) (Wallet, error) {
	if addr == (common.Address{}) || keyRef == "" {
		return Wallet{}, ErrInvalidAddress
	}

	meta := walletMeta{Address: store.Normalize(addr), KeyReference: keyRef, CreatedAt: m.opts.Now().UTC()}
	if existing, err := m.loadMeta(ctx, addr); err == nil {
		meta.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return Wallet{}, err
	}
	if err := m.store.Set(ctx, m.keys.Wallet(addr), string(payload)); err != nil {
		return Wallet{}, fmt.Errorf("store wallet metadata: %w", err)
	}
	if err := m.store.SetAdd(ctx, m.keys.Wallets(), store.Normalize(addr)); err != nil {
		return Wallet{}, fmt.Errorf("add wallet to pool: %w", err)
	}

	m.logger.Info("wallet registered", slog.String("wallet", addr.Hex()), slog.String("key_reference", keyRef))
	return m.Get(ctx, addr)
}

// Remove deletes a wallet and every designation still pointing at it. The
// wallet's lock is held throughout, so a wallet in use is refused and no
// acquisition can start on it meanwhile.
func (m *Manager) Remove(ctx context.Context, addr common.Address) error {
	if _, err := m.loadMeta(ctx, addr); err != nil {
		return err
	}

	now := m.opts.Now().UTC()
	record := LockRecord{
		ResourceID: addr,
		HolderID:   "remove-" + m.opts.NewHolderID(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.opts.LockTTL),
	}
	value, err := record.encode()
	if err != nil {
		return err
	}
	lockKey := m.keys.Lock(addr)
	ok, err := m.store.SetNX(ctx, lockKey, value, m.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("lock wallet %s: %w", addr.Hex(), err)
	}
	if !ok {
		return ErrWalletLocked
	}
	defer m.discard(ctx, lockKey, value)

	// Metadata goes first: Designate refuses wallets without it.
	if err := m.store.Delete(ctx, m.keys.Wallet(addr)); err != nil {
		return err
	}
	if err := m.store.SetRemove(ctx, m.keys.Wallets(), store.Normalize(addr)); err != nil {
		return err
	}

	beacons, err := m.store.SetMembers(ctx, m.keys.WalletBeacons(addr))
	if err != nil {
		return err
	}
	dropped := 0
	for _, b := range beacons {
		removed, err := m.store.Unbind(ctx, m.binding(common.HexToAddress(b)), store.Normalize(addr))
		if err != nil {
			return fmt.Errorf("drop designation of %s: %w", b, err)
		}
		if removed != "" {
			dropped++
		}
	}
	if err := m.store.Delete(ctx, m.keys.WalletBeacons(addr)); err != nil {
		return err
	}

	m.logger.Info("wallet removed", slog.String("wallet", addr.Hex()), slog.Int("dropped_designations", dropped))
	return nil
}

// Get returns a wallet with its live status.
func (m *Manager) Get(ctx context.Context, addr common.Address) (Wallet, error) {
	meta, err := m.loadMeta(ctx, addr)
	if err != nil {
		return Wallet{}, err
	}
	return m.withStatus(ctx, meta)
}

// List returns every registered wallet ordered by address.
func (m *Manager) List(ctx context.Context) ([]Wallet, error) {
	addrs, err := m.addresses(ctx)
	if err != nil {
		return nil, err
	}

	wallets := make([]Wallet, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotLimit)
	for i, addr := range addrs {
		g.Go(func() error {
			w, err := m.Get(gctx, addr)
			if err != nil {
				return fmt.Errorf("wallet %s: %w", addr.Hex(), err)
			}
			wallets[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return wallets, nil
}

// Acquire locks a wallet for the caller. With a designated beacon only its
// wallet is eligible; otherwise any undesignated wallet is.
func (m *Manager) Acquire(ctx context.Context, beacon *common.Address) (*Handle, error) {
	start := time.Now()
	h, err := m.acquire(ctx, beacon)
	metrics.LockWait.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.LockAcquisitions.WithLabelValues(metrics.LockAcquired).Inc()
		m.logger.Debug("wallet lock acquired",
			slog.String("wallet", h.Address().Hex()),
			slog.String("holder_id", h.HolderID()))
	case errors.Is(err, ErrLockTimeout):
		metrics.LockAcquisitions.WithLabelValues(metrics.LockTimeout).Inc()
	case errors.Is(err, ErrNoWalletAvailable):
		metrics.LockAcquisitions.WithLabelValues(metrics.LockUnavailable).Inc()
	default:
		metrics.LockAcquisitions.WithLabelValues(metrics.LockError).Inc()
	}
	return h, err
}

func (m *Manager) acquire(ctx context.Context, beacon *common.Address) (*Handle, error) {
	if beacon != nil {
		walletAddr, ok, err := m.Designation(ctx, *beacon)
		if err != nil {
			return nil, err
		}
		if ok {
			return m.acquireDesignated(ctx, *beacon, walletAddr)
		}
	}
	return m.acquireFromPool(ctx)
}

// acquireDesignated never substitutes another wallet: the beacon's verifier
// only accepts its designated signer.
func (m *Manager) acquireDesignated(ctx context.Context, beacon, addr common.Address) (*Handle, error) {
	meta, err := m.loadMeta(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("beacon %s designated to %s: %w", beacon.Hex(), addr.Hex(), err)
	}

	for attempt := 0; attempt < m.opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := m.wait(ctx); err != nil {
				return nil, err
			}
		}
		h, ok, err := m.tryLock(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("beacon %s designated to %s: %w", beacon.Hex(), addr.Hex(), err)
		}
		if ok {
			return h, nil
		}
		m.logger.Debug("designated wallet busy",
			slog.String("wallet", addr.Hex()),
			slog.String("beacon", beacon.Hex()),
			slog.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("wallet %s for beacon %s: %w", addr.Hex(), beacon.Hex(), ErrLockTimeout)
}

// acquireFromPool tries every candidate once per round, waiting between rounds.
func (m *Manager) acquireFromPool(ctx context.Context) (*Handle, error) {
	for round := 0; round < m.opts.RetryCount; round++ {
		if round > 0 {
			if err := m.wait(ctx); err != nil {
				return nil, err
			}
		}

		candidates, err := m.candidates(ctx)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, ErrNoWalletAvailable
		}

		for _, meta := range candidates {
			h, ok, err := m.tryLock(ctx, meta)
			if errors.Is(err, ErrWalletNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if ok {
				return h, nil
			}
		}
		m.logger.Debug("all pool wallets busy", slog.Int("round", round+1), slog.Int("candidates", len(candidates)))
	}
	return nil, ErrNoWalletAvailable
}

// candidates returns the undesignated wallets, rotated by a shared cursor so
// concurrent callers spread across the pool.
func (m *Manager) candidates(ctx context.Context) ([]walletMeta, error) {
	addrs, err := m.addresses(ctx)
	if err != nil {
		return nil, err
	}

	var out []walletMeta
	for _, addr := range addrs {
		beacons, err := m.store.SetMembers(ctx, m.keys.WalletBeacons(addr))
		if err != nil {
			return nil, err
		}
		if len(beacons) > 0 {
			continue
		}
		meta, err := m.loadMeta(ctx, addr)
		if errors.Is(err, ErrWalletNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if len(out) < 2 {
		return out, nil
	}

	cursor, err := m.store.Incr(ctx, m.keys.PoolCursor())
	if err != nil {
		return nil, fmt.Errorf("advance pool cursor: %w", err)
	}
	start := int((cursor - 1) % int64(len(out)))
	return append(out[start:], out[:start]...), nil
}

func (m *Manager) tryLock(ctx context.Context, meta walletMeta) (*Handle, bool, error) {
	addr := common.HexToAddress(meta.Address)
	now := m.opts.Now().UTC()
	record := LockRecord{
		ResourceID: addr,
		HolderID:   m.opts.NewHolderID(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.opts.LockTTL),
	}
	value, err := record.encode()
	if err != nil {
		return nil, false, err
	}

	key := m.keys.Lock(addr)
	ok, err := m.store.SetNX(ctx, key, value, m.opts.LockTTL)
	if err != nil {
		if ctx.Err() != nil {
			// The SETNX may have landed before the cancellation was observed.
			m.discard(ctx, key, value)
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("lock wallet %s: %w", addr.Hex(), err)
	}
	if !ok {
		return nil, false, nil
	}
	if ctx.Err() != nil {
		m.discard(ctx, key, value)
		return nil, false, ctx.Err()
	}
	// The wallet may have been removed between listing and locking.
	if _, err := m.loadMeta(ctx, addr); err != nil {
		m.discard(ctx, key, value)
		return nil, false, err
	}

	h := &Handle{
		Wallet: Wallet{
			Address:      addr,
			KeyReference: meta.KeyReference,
			CreatedAt:    meta.CreatedAt,
			Status: Status{
				Kind:       StatusLocked,
				HolderID:   record.HolderID,
				AcquiredAt: record.AcquiredAt,
				TTL:        m.opts.LockTTL,
			},
		},
		record: record,
		value:  value,
	}
	return h, true, nil
}

func (m *Manager) discard(ctx context.Context, key, value string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := m.store.DeleteIfValue(cctx, key, value); err != nil {
		m.logger.Warn("discard abandoned lock attempt", slog.String("key", key), slog.Any("error", err))
	}
}

// Release deletes the holder's lock record. It is safe to call more than once
// and ignores caller cancellation so deferred releases still run.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	deleted, err := m.store.DeleteIfValue(rctx, m.keys.Lock(h.Address()), h.value)
	if err != nil {
		m.logger.Error("release wallet lock",
			slog.String("wallet", h.Address().Hex()),
			slog.String("holder_id", h.HolderID()),
			slog.Any("error", err))
		return fmt.Errorf("release wallet %s: %w", h.Address().Hex(), err)
	}
	if !deleted {
		metrics.LocksLost.Inc()
		m.logger.Warn("wallet lock expired before release",
			slog.String("wallet", h.Address().Hex()),
			slog.String("holder_id", h.HolderID()),
			slog.Time("expired_at", h.ExpiresAt()))
		return ErrLockLost
	}

	m.logger.Debug("wallet lock released", slog.String("wallet", h.Address().Hex()), slog.String("holder_id", h.HolderID()))
	return nil
}

// WithWallet runs fn while holding a wallet lock and releases it on every
// exit path, panics included.
func (m *Manager) WithWallet(ctx context.Context, beacon *common.Address, fn func(context.Context, *Handle) error) error {
	h, err := m.Acquire(ctx, beacon)
	if err != nil {
		return err
	}
	defer func() {
		// Release failures are logged inside Release; the TTL reclaims the
		// record either way and fn's outcome is what the caller needs.
		_ = m.Release(ctx, h)
	}()
	return fn(ctx, h)
}

func (m *Manager) wait(ctx context.Context) error {
	if m.opts.RetryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) addresses(ctx context.Context) ([]common.Address, error) {
	members, err := m.store.SetMembers(ctx, m.keys.Wallets())
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	sort.Strings(members)
	addrs := make([]common.Address, 0, len(members))
	for _, member := range members {
		addrs = append(addrs, common.HexToAddress(member))
	}
	return addrs, nil
}

func (m *Manager) loadMeta(ctx context.Context, addr common.Address) (walletMeta, error) {
	raw, err := m.store.Get(ctx, m.keys.Wallet(addr))
	if errors.Is(err, store.ErrNotFound) {
		return walletMeta{}, ErrWalletNotFound
	}
	if err != nil {
		return walletMeta{}, err
	}
	var meta walletMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return walletMeta{}, fmt.Errorf("decode wallet %s: %w", addr.Hex(), err)
	}
	return meta, nil
}

func (m *Manager) withStatus(ctx context.Context, meta walletMeta) (Wallet, error) {
	addr := common.HexToAddress(meta.Address)
	w := Wallet{Address: addr, KeyReference: meta.KeyReference, CreatedAt: meta.CreatedAt}

	members, err := m.store.SetMembers(ctx, m.keys.WalletBeacons(addr))
	if err != nil {
		return Wallet{}, err
	}
	sort.Strings(members)
	for _, b := range members {
		w.DesignatedBeacons = append(w.DesignatedBeacons, common.HexToAddress(b))
	}

	raw, err := m.store.Get(ctx, m.keys.Lock(addr))
	switch {
	case err == nil:
		record, derr := decodeLockRecord(raw)
		if derr != nil {
			return Wallet{}, fmt.Errorf("decode lock %s: %w", addr.Hex(), derr)
		}
		ttl, terr := m.store.TTL(ctx, m.keys.Lock(addr))
		if terr != nil && !errors.Is(terr, store.ErrNotFound) {
			return Wallet{}, terr
		}
		w.Status = Status{Kind: StatusLocked, HolderID: record.HolderID, AcquiredAt: record.AcquiredAt, TTL: ttl}
	case errors.Is(err, store.ErrNotFound):
		if len(w.DesignatedBeacons) > 0 {
			w.Status = Status{Kind: StatusReserved, ForBeacons: w.DesignatedBeacons}
		} else {
			w.Status = Status{Kind: StatusAvailable}
		}
	default:
		return Wallet{}, err
	}
	return w, nil
}
