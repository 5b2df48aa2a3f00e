package store

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

func setupStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
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
	return NewRedis(client), mr
}

func TestSetNXRespectsTTL(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "one", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "k", "two", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx should fail: ok=%v err=%v", ok, err)
	}

	mr.FastForward(time.Minute + time.Second)

	ok, err = s.SetNX(ctx, "k", "two", time.Minute)
	if err != nil || !ok {
		t.Fatalf("setnx after expiry: ok=%v err=%v", ok, err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil || v != "two" {
		t.Fatalf("expected two, got %q err=%v", v, err)
	}
}

func TestSetTTLOverwrites(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	if _, err := s.SetNX(ctx, "k", "pending", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if err := s.SetTTL(ctx, "k", "done", time.Hour); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil || v != "done" {
		t.Fatalf("expected done, got %q err=%v", v, err)
	}

	mr.FastForward(time.Hour + time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestDeleteIfValue(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if _, err := s.SetNX(ctx, "lock", "holder-a", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	deleted, err := s.DeleteIfValue(ctx, "lock", "holder-b")
	if err != nil || deleted {
		t.Fatalf("foreign holder must not delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteIfValue(ctx, "lock", "holder-a")
	if err != nil || !deleted {
		t.Fatalf("owner delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := s.Get(ctx, "lock"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTTL(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if _, err := s.TTL(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Set(ctx, "forever", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if d, err := s.TTL(ctx, "forever"); err != nil || d != 0 {
		t.Fatalf("expected zero ttl, got %s err=%v", d, err)
	}
	if _, err := s.SetNX(ctx, "temp", "v", 30*time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if d, err := s.TTL(ctx, "temp"); err != nil || d <= 0 || d > 30*time.Second {
		t.Fatalf("unexpected ttl %s err=%v", d, err)
	}
}

func TestSets(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if err := s.SetAdd(ctx, "set", "a", "b", "a"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := s.SetRemove(ctx, "set", "b"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	members, err := s.SetMembers(ctx, "set")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 1 || members[0] != "a" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestKeysAreNamespacedAndLowercase(t *testing.T) {
	k := NewKeys("relay:test:")
	addr := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")

	if got := k.Lock(addr); got != "relay:test:lock:0xabcdef0000000000000000000000000000000001" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := k.Designation(addr); got != "relay:test:designation:0xabcdef0000000000000000000000000000000001" {
		t.Fatalf("unexpected designation key %s", got)
	}
}

func TestBindMovesReverseMembership(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	b := Binding{Key: "d:beacon", Member: "beacon", ReversePrefix: "rev:", Index: "idx", Guard: "meta:a"}

	b.Value = "a"
	if _, err := s.Bind(ctx, b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected missing guard to refuse, got %v", err)
	}
	if _, err := s.Get(ctx, "d:beacon"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refused bind wrote the key: %v", err)
	}

	for _, guard := range []string{"meta:a", "meta:b"} {
		if err := s.Set(ctx, guard, "{}"); err != nil {
			t.Fatalf("set guard: %v", err)
		}
	}
	if prev, err := s.Bind(ctx, b); err != nil || prev != "" {
		t.Fatalf("first bind: prev=%q err=%v", prev, err)
	}
	b.Value, b.Guard = "b", "meta:b"
	if prev, err := s.Bind(ctx, b); err != nil || prev != "a" {
		t.Fatalf("move: prev=%q err=%v", prev, err)
	}

	if members, _ := s.SetMembers(ctx, "rev:a"); len(members) != 0 {
		t.Fatalf("old reverse set still holds %v", members)
	}
	if members, _ := s.SetMembers(ctx, "rev:b"); len(members) != 1 || members[0] != "beacon" {
		t.Fatalf("new reverse set holds %v", members)
	}
	if v, _ := s.Get(ctx, "d:beacon"); v != "b" {
		t.Fatalf("expected b, got %q", v)
	}
}

func TestUnbindOnlyMatchingValue(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	b := Binding{Key: "d:beacon", Value: "b", Member: "beacon", ReversePrefix: "rev:", Index: "idx", Guard: "meta:b"}
	if err := s.Set(ctx, "meta:b", "{}"); err != nil {
		t.Fatalf("set guard: %v", err)
	}
	if _, err := s.Bind(ctx, b); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if removed, err := s.Unbind(ctx, b, "a"); err != nil || removed != "" {
		t.Fatalf("foreign unbind: removed=%q err=%v", removed, err)
	}
	if v, _ := s.Get(ctx, "d:beacon"); v != "b" {
		t.Fatalf("binding dropped by foreign unbind: %q", v)
	}
	if removed, err := s.Unbind(ctx, b, ""); err != nil || removed != "b" {
		t.Fatalf("unbind: removed=%q err=%v", removed, err)
	}
	if members, _ := s.SetMembers(ctx, "idx"); len(members) != 0 {
		t.Fatalf("index still holds %v", members)
	}
	if members, _ := s.SetMembers(ctx, "rev:b"); len(members) != 0 {
		t.Fatalf("reverse set still holds %v", members)
	}
}
