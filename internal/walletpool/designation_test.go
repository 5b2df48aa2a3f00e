package walletpool

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func snapshot(t *testing.T, m *Manager) map[string]string {
	t.Helper()
	ctx := context.Background()
	designations, err := m.Designations(ctx)
	if err != nil {
		t.Fatalf("designations: %v", err)
	}
	out := make(map[string]string)
	for beacon, wallet := range designations {
		out[beacon.Hex()] = wallet.Hex()
	}
	for _, addr := range []common.Address{walletA, walletB} {
		w, err := m.Get(ctx, addr)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		beacons := make([]string, 0, len(w.DesignatedBeacons))
		for _, b := range w.DesignatedBeacons {
			beacons = append(beacons, b.Hex())
		}
		sort.Strings(beacons)
		out["reverse:"+addr.Hex()] = strings.Join(beacons, ",")
	}
	return out
}

func TestDesignateIsIdempotent(t *testing.T) {
	m, mr := setupManager(t, 1, 0)
	register(t, m, walletA, walletB)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("first designate: %v", err)
	}
	before := snapshot(t, m)
	keysBefore := mr.Keys()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("second designate: %v", err)
	}
	after := snapshot(t, m)

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("designation map changed: before=%v after=%v", before, after)
	}
	if !reflect.DeepEqual(keysBefore, mr.Keys()) {
		t.Fatalf("store keys changed: before=%v after=%v", keysBefore, mr.Keys())
	}
}

func TestDesignateMovesBeacon(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletA, walletB)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate a: %v", err)
	}
	if err := m.Designate(ctx, beacon2, walletA); err != nil {
		t.Fatalf("designate a second beacon: %v", err)
	}
	if err := m.Designate(ctx, beacon1, walletB); err != nil {
		t.Fatalf("move to b: %v", err)
	}

	got, ok, err := m.Designation(ctx, beacon1)
	if err != nil || !ok || got != walletB {
		t.Fatalf("expected beacon1 -> b, got %s ok=%v err=%v", got.Hex(), ok, err)
	}
	a, err := m.Get(ctx, walletA)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if len(a.DesignatedBeacons) != 1 || a.DesignatedBeacons[0] != beacon2 {
		t.Fatalf("reverse map of a not updated: %v", a.DesignatedBeacons)
	}
	b, err := m.Get(ctx, walletB)
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if len(b.DesignatedBeacons) != 1 || b.DesignatedBeacons[0] != beacon1 {
		t.Fatalf("reverse map of b not updated: %v", b.DesignatedBeacons)
	}
}

func TestDesignateRequiresRegisteredWallet(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	if err := m.Designate(context.Background(), beacon1, walletA); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
}

func TestUndesignate(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletA)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}
	if err := m.Undesignate(ctx, beacon1); err != nil {
		t.Fatalf("undesignate: %v", err)
	}
	if err := m.Undesignate(ctx, beacon1); err != nil {
		t.Fatalf("undesignate twice: %v", err)
	}
	all, err := m.Designations(ctx)
	if err != nil {
		t.Fatalf("designations: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no designations, got %v", all)
	}
	w, err := m.Get(ctx, walletA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.Status.Kind != StatusAvailable {
		t.Fatalf("expected available after undesignate, got %s", w.Status.Kind)
	}
}
