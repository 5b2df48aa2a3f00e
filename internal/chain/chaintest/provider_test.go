package chaintest

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func signedTx(t *testing.T, p *Provider, nonce uint64, to common.Address) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tx, err := types.SignNewTx(key, p.signer, &types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		To:        &to,
		Gas:       21000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx, crypto.PubkeyToAddress(key.PublicKey)
}

func TestSendRecordsSenderAndReceipt(t *testing.T) {
	p := New(big.NewInt(1))
	target := common.HexToAddress("0xc0ffee")
	p.Handle(target, func(c Call) Result {
		return Result{Logs: []*types.Log{{Topics: []common.Hash{{1}}}}}
	})
	p.ReceiptDelay = 1

	tx, from := signedTx(t, p, 0, target)
	if err := p.SendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := p.Senders(); len(got) != 1 || got[0] != from {
		t.Fatalf("unexpected senders %v", got)
	}

	if _, err := p.TransactionReceipt(context.Background(), tx.Hash()); !errors.Is(err, ethereum.NotFound) {
		t.Fatalf("expected delayed receipt, got %v", err)
	}
	receipt, err := p.TransactionReceipt(context.Background(), tx.Hash())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful || len(receipt.Logs) != 1 || receipt.Logs[0].Address != target {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	err = p.SendTransaction(context.Background(), tx)
	if err == nil || !strings.Contains(err.Error(), "nonce too low") {
		t.Fatalf("expected nonce too low on replay, got %v", err)
	}
}

func TestRevertedCallCarriesData(t *testing.T) {
	p := New(big.NewInt(1))
	target := common.HexToAddress("0xbad")
	p.Handle(target, func(Call) Result { return Result{RevertData: []byte{0x09, 0xbd, 0xe3, 0x39}} })

	_, err := p.CallContract(context.Background(), ethereum.CallMsg{To: &target}, nil)
	if !IsRevert(err) {
		t.Fatalf("expected revert, got %v", err)
	}
	var re *RevertError
	if !errors.As(err, &re) || re.ErrorData() != "0x09bde339" {
		t.Fatalf("unexpected revert data %v", err)
	}

	tx, _ := signedTx(t, p, 0, target)
	if err := p.SendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("send: %v", err)
	}
	receipt, err := p.TransactionReceipt(context.Background(), tx.Hash())
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Status != types.ReceiptStatusFailed {
		t.Fatalf("expected failed receipt, got %d", receipt.Status)
	}
}
