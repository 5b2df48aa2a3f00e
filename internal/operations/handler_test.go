package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"

	"github.com/beaconops/relay/internal/revert"
	"github.com/beaconops/relay/internal/txpipeline"
	"github.com/beaconops/relay/internal/walletpool"
)

type fakeOperator struct {
	err      error
	deposit  DepositInput
	deposits []DepositInput
	perp     DeployPerpInput
	fund     FundInput
	updates  []UpdateBeaconInput
}

func (f *fakeOperator) result(msg string) (Result, error) {
	if f.err != nil {
		res := failed(f.err, nil)
		return res, f.err
	}
	hash := common.HexToHash("0xabc")
	return Result{Success: true, Message: msg, TxHash: &hash}, nil
}

func (f *fakeOperator) CreateBeacon(_ context.Context, in CreateBeaconInput) (Result, error) {
	res, err := f.result("beacon created")
	beacon := common.HexToAddress("0xbeac0")
	res.BeaconAddress = &beacon
	return res, err
}

func (f *fakeOperator) UpdateBeacon(_ context.Context, in UpdateBeaconInput) (Result, error) {
	f.updates = append(f.updates, in)
	return f.result("beacon updated")
}

func (f *fakeOperator) BatchUpdateBeacons(_ context.Context, in []UpdateBeaconInput) (Result, error) {
	f.updates = in
	return f.result("batch updated")
}

func (f *fakeOperator) DeployPerp(_ context.Context, in DeployPerpInput) (Result, error) {
	f.perp = in
	return f.result("perp deployed")
}

func (f *fakeOperator) DepositLiquidity(_ context.Context, in DepositInput) (Result, error) {
	f.deposit = in
	res, err := f.result("deposited")
	res.PositionID = big.NewInt(7)
	return res, err
}

func (f *fakeOperator) BatchDeposit(_ context.Context, in []DepositInput) (Result, error) {
	f.deposits = in
	res, err := f.result("deposits confirmed")
	for i := range in {
		res.Items = append(res.Items, ItemResult{Index: i, Success: true, PositionID: big.NewInt(int64(i + 1))})
	}
	return res, err
}

func (f *fakeOperator) FundWallet(_ context.Context, in FundInput) (Result, error) {
	f.fund = in
	return f.result("funded")
}

func newApp(ops Operator) *fiber.App {
	h := NewHandler(ops)
	app := fiber.New()
	app.Post("/beacons", h.CreateBeacon)
	app.Post("/beacons/updates", h.BatchUpdateBeacons)
	app.Post("/beacons/:beacon/updates", h.UpdateBeacon)
	app.Post("/perps", h.DeployPerp)
	app.Post("/perps/deposits", h.BatchDeposit)
	app.Post("/perps/:perp/deposits", h.DepositLiquidity)
	app.Post("/fund", h.FundWallet)
	return app
}

func post(t *testing.T, app *fiber.App, path, body string) (int, resultResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp.StatusCode, out
}

func TestHandlerCreateBeacon(t *testing.T) {
	app := newApp(&fakeOperator{})
	code, out := post(t, app, "/beacons", `{"verifier":"0x0000000000000000000000000000000000000abc","bind_signer":true}`)
	if code != http.StatusOK || !out.Success || out.BeaconAddress == "" || out.TxHash == "" {
		t.Fatalf("unexpected response %d %+v", code, out)
	}
}

func TestHandlerRejectsBadInput(t *testing.T) {
	ops := &fakeOperator{}
	app := newApp(ops)
	cases := map[string]string{
		"/beacons":               `{"verifier":"nope"}`,
		"/perps":                 `{"beacon":"0x0000000000000000000000000000000000000abc","min_margin":"ten"}`,
		"/fund":                  `{"to":"0x000000000000000000000000000000000000f00d","native_amount":"1.5"}`,
		"/perps/0x1234/deposits": `{"margin":"1","tick_lower":-1,"tick_upper":1}`,
		"/beacons/0xzz/updates":  `{"public_signals":"0x01"}`,
	}
	for path, body := range cases {
		code, out := post(t, app, path, body)
		if code != http.StatusBadRequest || out.Success || out.Message == "" {
			t.Fatalf("%s: expected 400 with message, got %d %+v", path, code, out)
		}
	}
	if ops.deposit.Margin != nil || ops.fund.To != (common.Address{}) {
		t.Fatal("rejected requests must not reach the service")
	}
}

func TestHandlerParsesDeposits(t *testing.T) {
	ops := &fakeOperator{}
	app := newApp(ops)
	perp := common.HexToHash("0x01").Hex()

	code, out := post(t, app, "/perps/"+perp+"/deposits", `{"margin":"5000000","tick_lower":-600,"tick_upper":600}`)
	if code != http.StatusOK || out.PositionID != "7" {
		t.Fatalf("unexpected response %d %+v", code, out)
	}
	if ops.deposit.PerpID != common.HexToHash("0x01") || ops.deposit.Margin.Int64() != 5_000_000 || ops.deposit.TickLower != -600 {
		t.Fatalf("unexpected input %+v", ops.deposit)
	}

	body := fmt.Sprintf(`{"deposits":[{"perp_id":%q,"margin":"1","tick_lower":-1,"tick_upper":1},{"perp_id":%q,"margin":"2","tick_lower":-2,"tick_upper":2}]}`, perp, perp)
	code, out = post(t, app, "/perps/deposits", body)
	if code != http.StatusOK || len(out.Items) != 2 || out.Items[1].PositionID != "2" {
		t.Fatalf("unexpected response %d %+v", code, out)
	}
	if len(ops.deposits) != 2 || ops.deposits[1].Margin.Int64() != 2 {
		t.Fatalf("unexpected inputs %+v", ops.deposits)
	}
}

func TestHandlerUpdateUsesPathBeacon(t *testing.T) {
	ops := &fakeOperator{}
	app := newApp(ops)
	beacon := common.HexToAddress("0x00000000000000000000000000000000000beac0")

	code, _ := post(t, app, "/beacons/"+beacon.Hex()+"/updates", `{"proof":"0x0102","public_signals":"0x03"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(ops.updates) != 1 || ops.updates[0].Beacon != beacon || len(ops.updates[0].Proof) != 2 {
		t.Fatalf("unexpected input %+v", ops.updates)
	}
}

func TestHandlerErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{invalid("bad"), http.StatusBadRequest},
		{notConfigured("USDC"), http.StatusServiceUnavailable},
		{walletpool.ErrLockTimeout, http.StatusServiceUnavailable},
		{&txpipeline.FailureError{Tx: &txpipeline.PendingTransaction{}, Reason: txpipeline.ReasonReverted, Err: &txpipeline.RevertError{Decoded: revert.DecodedError{Message: "InvalidProof: proof verification failed"}}}, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", txpipeline.ErrConfirmationTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: x", txpipeline.ErrNonceConflict), http.StatusConflict},
		{fmt.Errorf("%w: x", txpipeline.ErrBroadcast), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		app := newApp(&fakeOperator{err: tc.err})
		code, out := post(t, app, "/fund", `{"to":"0x000000000000000000000000000000000000f00d","native_amount":"1"}`)
		if code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, code)
		}
		if out.Success {
			t.Fatalf("%v: failure reported as success", tc.err)
		}
	}

	app := newApp(&fakeOperator{err: cases[3].err})
	_, out := post(t, app, "/fund", `{"to":"0x000000000000000000000000000000000000f00d","native_amount":"1"}`)
	if out.Message != "InvalidProof: proof verification failed" {
		t.Fatalf("expected decoded reason as message, got %q", out.Message)
	}
}
