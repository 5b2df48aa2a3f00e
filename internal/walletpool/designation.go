package walletpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/beaconops/relay/internal/store"
)

// Designate binds beacon to wallet. The swap and its reverse index update
// happen in one store step, so concurrent designations of the same beacon
// leave exactly one wallet holding it.
func (m *Manager) Designate(ctx context.Context, beacon, wallet common.Address) error {
	if beacon == (common.Address{}) || wallet == (common.Address{}) {
		return ErrInvalidAddress
	}

	b := m.binding(beacon)
	b.Value = store.Normalize(wallet)
	b.Guard = m.keys.Wallet(wallet)
	previous, err := m.store.Bind(ctx, b)
	if errors.Is(err, store.ErrNotFound) {
		return ErrWalletNotFound
	}
	if err != nil {
		return fmt.Errorf("designate beacon %s: %w", beacon.Hex(), err)
	}
	if previous == b.Value {
		return nil
	}

	attrs := []any{slog.String("beacon", beacon.Hex()), slog.String("wallet", wallet.Hex())}
	if previous != "" {
		attrs = append(attrs, slog.String("previous_wallet", common.HexToAddress(previous).Hex()))
	}
	m.logger.Info("beacon designated", attrs...)
	return nil
}

// Undesignate removes a beacon's binding. Missing bindings are not an error.
func (m *Manager) Undesignate(ctx context.Context, beacon common.Address) error {
	removed, err := m.store.Unbind(ctx, m.binding(beacon), "")
	if err != nil {
		return fmt.Errorf("undesignate beacon %s: %w", beacon.Hex(), err)
	}
	if removed != "" {
		m.logger.Info("beacon undesignated", slog.String("beacon", beacon.Hex()), slog.String("wallet", common.HexToAddress(removed).Hex()))
	}
	return nil
}

func (m *Manager) binding(beacon common.Address) store.Binding {
	return store.Binding{
		Key:           m.keys.Designation(beacon),
		Member:        store.Normalize(beacon),
		ReversePrefix: m.keys.WalletBeaconsPrefix(),
		Index:         m.keys.Designated(),
	}
}

// Designation returns the wallet bound to beacon, if any.
func (m *Manager) Designation(ctx context.Context, beacon common.Address) (common.Address, bool, error) {
	raw, err := m.store.Get(ctx, m.keys.Designation(beacon))
	if errors.Is(err, store.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	return common.HexToAddress(raw), true, nil
}

// Designations returns the full beacon -> wallet map.
func (m *Manager) Designations(ctx context.Context) (map[common.Address]common.Address, error) {
	beacons, err := m.store.SetMembers(ctx, m.keys.Designated())
	if err != nil {
		return nil, err
	}
	out := make(map[common.Address]common.Address, len(beacons))
	for _, b := range beacons {
		beacon := common.HexToAddress(b)
		wallet, ok, err := m.Designation(ctx, beacon)
		if err != nil {
			return nil, err
		}
		if ok {
			out[beacon] = wallet
		}
	}
	return out, nil
}
