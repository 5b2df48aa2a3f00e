package walletpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/store"
)

const testTTL = 30 * time.Second

var (
	walletA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	walletB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	beacon1 = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	beacon2 = common.HexToAddress("0x0000000000000000000000000000000000000b02")
)

func setupManager(t *testing.T, retries int, delay time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	m := NewManager(store.NewRedis(client), store.NewKeys("test:"), Options{
		LockTTL:    testTTL,
		RetryCount: retries,
		RetryDelay: delay,
	}, logging.Discard())
	return m, mr
}

func register(t *testing.T, m *Manager, addrs ...common.Address) {
	t.Helper()
	for i, addr := range addrs {
		if _, err := m.Register(context.Background(), addr, fmt.Sprintf("key-%d", i)); err != nil {
			t.Fatalf("register %s: %v", addr.Hex(), err)
		}
	}
}

func TestRegisterAndList(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletB, walletA)

	wallets, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(wallets) != 2 {
		t.Fatalf("expected 2 wallets got %d", len(wallets))
	}
	if wallets[0].Address != walletA || wallets[1].Address != walletB {
		t.Fatalf("expected address order, got %s %s", wallets[0].Address.Hex(), wallets[1].Address.Hex())
	}
	for _, w := range wallets {
		if w.Status.Kind != StatusAvailable {
			t.Fatalf("expected available, got %s", w.Status.Kind)
		}
	}
}

func TestRegisterRejectsZeroAddress(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	if _, err := m.Register(context.Background(), common.Address{}, "key"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestAcquireFromPoolUsesEveryWallet(t *testing.T) {
	m, _ := setupManager(t, 2, time.Millisecond)
	register(t, m, walletA, walletB)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	h2, err := m.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h1.Address() == h2.Address() {
		t.Fatalf("both handles hold %s", h1.Address().Hex())
	}

	if _, err := m.Acquire(ctx, nil); !errors.Is(err, ErrNoWalletAvailable) {
		t.Fatalf("expected no wallet available, got %v", err)
	}

	if err := m.Release(ctx, h1); err != nil {
		t.Fatalf("release: %v", err)
	}
	h3, err := m.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if h3.Address() != h1.Address() {
		t.Fatalf("expected released wallet %s, got %s", h1.Address().Hex(), h3.Address().Hex())
	}
}

func TestAcquireEmptyPool(t *testing.T) {
	m, _ := setupManager(t, 3, time.Millisecond)
	if _, err := m.Acquire(context.Background(), nil); !errors.Is(err, ErrNoWalletAvailable) {
		t.Fatalf("expected no wallet available, got %v", err)
	}
}

func TestDesignatedBeaconNeverSubstitutes(t *testing.T) {
	m, _ := setupManager(t, 3, time.Millisecond)
	register(t, m, walletA, walletB)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}
	held, err := m.Acquire(ctx, &beacon1)
	if err != nil {
		t.Fatalf("acquire designated: %v", err)
	}
	if held.Address() != walletA {
		t.Fatalf("expected designated wallet, got %s", held.Address().Hex())
	}

	if _, err := m.Acquire(ctx, &beacon1); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout while designated wallet busy, got %v", err)
	}
}

func TestUndesignatedBeaconUsesPool(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletB)

	h, err := m.Acquire(context.Background(), &beacon2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Address() != walletB {
		t.Fatalf("expected pool wallet, got %s", h.Address().Hex())
	}
}

func TestPoolSkipsReservedWallets(t *testing.T) {
	m, _ := setupManager(t, 2, time.Millisecond)
	register(t, m, walletA, walletB)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}
	h, err := m.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Address() != walletB {
		t.Fatalf("expected undesignated wallet, got %s", h.Address().Hex())
	}
	if _, err := m.Acquire(ctx, nil); !errors.Is(err, ErrNoWalletAvailable) {
		t.Fatalf("reserved wallet must not serve the pool, got %v", err)
	}
}

func TestDesignationToUnknownWallet(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletA)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}
	// Simulate a wallet removed out of band while the designation survived.
	if err := m.store.Delete(ctx, m.keys.Wallet(walletA)); err != nil {
		t.Fatalf("delete metadata: %v", err)
	}
	if _, err := m.Acquire(ctx, &beacon1); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
}

func TestConcurrentAcquireSingleHolder(t *testing.T) {
	m, _ := setupManager(t, 2000, time.Millisecond)
	register(t, m, walletA)
	ctx := context.Background()
	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}

	const callers = 8
	var active, maxActive, completed int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithWallet(ctx, &beacon1, func(ctx context.Context, h *Handle) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("with wallet: %v", err)
				return
			}
			atomic.AddInt32(&completed, 1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected exactly one holder at a time, saw %d", maxActive)
	}
	if completed != callers {
		t.Fatalf("expected %d completions, got %d", callers, completed)
	}
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	m, mr := setupManager(t, 1, 0)
	register(t, m, walletA)
	ctx := context.Background()
	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}

	crashed, err := m.Acquire(ctx, &beacon1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, &beacon1); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout before expiry, got %v", err)
	}

	mr.FastForward(testTTL + time.Second)

	next, err := m.Acquire(ctx, &beacon1)
	if err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
	if next.HolderID() == crashed.HolderID() {
		t.Fatal("expected a new lock epoch")
	}

	// The stale holder must not release the new holder's lock.
	if err := m.Release(ctx, crashed); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected lock lost, got %v", err)
	}
	w, err := m.Get(ctx, walletA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.Status.Kind != StatusLocked || w.Status.HolderID != next.HolderID() {
		t.Fatalf("expected lock held by %s, got %+v", next.HolderID(), w.Status)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletA)
	ctx := context.Background()

	h, err := m.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := m.Release(ctx, nil); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}

func TestReleaseIgnoresCallerCancellation(t *testing.T) {
	m, mr := setupManager(t, 1, 0)
	register(t, m, walletA)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := m.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cancel()
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release after cancel: %v", err)
	}
	if mr.Exists("test:lock:" + store.Normalize(walletA)) {
		t.Fatal("lock record survived release")
	}
}

func TestAcquireCancelledLeavesNoRecord(t *testing.T) {
	m, mr := setupManager(t, 5, time.Millisecond)
	register(t, m, walletA)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if mr.Exists("test:lock:" + store.Normalize(walletA)) {
		t.Fatal("cancelled acquire left a lock record")
	}
}

func TestWithWalletReleasesOnErrorAndPanic(t *testing.T) {
	m, mr := setupManager(t, 1, 0)
	register(t, m, walletA)
	ctx := context.Background()
	lockKey := "test:lock:" + store.Normalize(walletA)

	boom := errors.New("boom")
	if err := m.WithWallet(ctx, nil, func(context.Context, *Handle) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if mr.Exists(lockKey) {
		t.Fatal("lock survived failing critical section")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = m.WithWallet(ctx, nil, func(context.Context, *Handle) error { panic("crash") })
	}()
	if mr.Exists(lockKey) {
		t.Fatal("lock survived panicking critical section")
	}
}

func TestStatusSnapshot(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletA, walletB)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}
	h, err := m.Acquire(ctx, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	a, err := m.Get(ctx, walletA)
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Status.Kind != StatusReserved || len(a.Status.ForBeacons) != 1 || a.Status.ForBeacons[0] != beacon1 {
		t.Fatalf("expected reserved for beacon1, got %+v", a.Status)
	}

	b, err := m.Get(ctx, walletB)
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status.Kind != StatusLocked || b.Status.HolderID != h.HolderID() {
		t.Fatalf("expected locked by %s, got %+v", h.HolderID(), b.Status)
	}
	if b.Status.TTL <= 0 || b.Status.TTL > testTTL {
		t.Fatalf("unexpected ttl %s", b.Status.TTL)
	}
}

func TestRemove(t *testing.T) {
	m, _ := setupManager(t, 1, 0)
	register(t, m, walletA)
	ctx := context.Background()

	if err := m.Designate(ctx, beacon1, walletA); err != nil {
		t.Fatalf("designate: %v", err)
	}
	h, err := m.Acquire(ctx, &beacon1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Remove(ctx, walletA); !errors.Is(err, ErrWalletLocked) {
		t.Fatalf("expected wallet locked, got %v", err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := m.Remove(ctx, walletA); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := m.Designation(ctx, beacon1); ok {
		t.Fatal("designation survived wallet removal")
	}
	if _, err := m.Get(ctx, walletA); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := m.Remove(ctx, walletA); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}
