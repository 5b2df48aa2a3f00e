package infra

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
)

// NewChainClient dials the JSON-RPC endpoint and resolves the chain id. A
// non-nil expected chain id must match what the node reports.
func NewChainClient(ctx context.Context, url string, expected *big.Int) (*ethclient.Client, *big.Int, error) {
	if url == "" {
		return nil, nil, fmt.Errorf("rpc url is required")
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("fetch chain id: %w", err)
	}

	if expected != nil && expected.Cmp(chainID) != 0 {
		client.Close()
		return nil, nil, fmt.Errorf("chain id mismatch: configured %s, node reports %s", expected, chainID)
	}

	return client, chainID, nil
}
