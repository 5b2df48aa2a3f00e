package routes

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/beaconops/relay/internal/chain/chaintest"
	"github.com/beaconops/relay/internal/config"
	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/operations"
	"github.com/beaconops/relay/internal/store"
	"github.com/beaconops/relay/internal/walletpool"
)

type stubOperator struct {
	operations.Operator
	funds int
}

func (s *stubOperator) FundWallet(context.Context, operations.FundInput) (operations.Result, error) {
	s.funds++
	return operations.Result{Success: true, Message: "funded"}, nil
}

func setupApp(t *testing.T) (*fiber.App, *stubOperator, *miniredis.Miniredis) {
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

	kv := store.NewRedis(client)
	keys := store.NewKeys("test:")
	ops := &stubOperator{}
	app := fiber.New()
	err = Setup(app, Deps{
		Cfg:        config.Config{AppEnv: "test", IdempotencyTTL: time.Minute},
		Store:      kv,
		Keys:       keys,
		Chain:      chaintest.New(big.NewInt(31337)),
		ChainID:    big.NewInt(31337),
		Wallets:    walletpool.NewManager(kv, keys, walletpool.Options{LockTTL: time.Minute, RetryCount: 1}, logging.Discard()),
		Operations: ops,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	return app, ops, mr
}

func TestHealthReportsRedisAndChain(t *testing.T) {
	app, _, mr := setupApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status map[string]string `json:"status"`
		Block  uint64            `json:"block"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status["redis"] != "ok" || body.Status["chain"] != "ok" || body.Block != 1 {
		t.Fatalf("unexpected health %+v", body)
	}

	mr.Close()
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with redis down, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, _, _ := setupApp(t)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmissionsRequireIdempotencyKey(t *testing.T) {
	app, ops, _ := setupApp(t)
	body := `{"to":"0x000000000000000000000000000000000000f00d","native_amount":"1"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fund", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest || ops.funds != 0 {
		t.Fatalf("expected 400 without key, got %d (calls %d)", resp.StatusCode, ops.funds)
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/fund", strings.NewReader(body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		req.Header.Set("Idempotency-Key", "fund-1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("fund: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	}
	if ops.funds != 1 {
		t.Fatalf("expected one submission, got %d", ops.funds)
	}
}

func TestWalletAdminSkipsIdempotency(t *testing.T) {
	app, _, _ := setupApp(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallets",
		strings.NewReader(`{"address":"0x00000000000000000000000000000000000000a1","key_reference":"k1"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}
