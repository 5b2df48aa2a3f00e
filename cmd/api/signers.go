package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/beaconops/relay/internal/config"
	"github.com/beaconops/relay/internal/custody"
	"github.com/beaconops/relay/internal/signer"
	"github.com/beaconops/relay/internal/walletpool"
)

// newSignerSource builds the configured signing backend. Local keys are
// registered into the wallet pool so a development chain works out of the
// box; remote wallets are registered through the admin API.
func newSignerSource(ctx context.Context, cfg config.Config, chainID *big.Int, wallets *walletpool.Manager, logger *slog.Logger) (signer.Source, error) {
	switch cfg.Signer.Backend {
	case config.SignerBackendLocal:
		src, err := signer.NewLocalSource(cfg.Signer.LocalKeys, chainID)
		if err != nil {
			return nil, err
		}
		for _, k := range src.Keys() {
			if _, err := wallets.Register(ctx, k.Signer.Address(), k.Reference); err != nil {
				return nil, fmt.Errorf("register local wallet %s: %w", k.Reference, err)
			}
		}
		logger.Warn("using in-process signing keys", slog.Int("wallets", len(src.Keys())))
		return src, nil

	case config.SignerBackendRemote:
		client, err := custody.NewClient(custody.Config{
			BaseURL:        cfg.Signer.CustodyBaseURL,
			OrganizationID: cfg.Signer.CustodyOrganizationID,
			APIPublicKey:   cfg.Signer.CustodyAPIPublicKey,
			APIPrivateKey:  cfg.Signer.CustodyAPIPrivateKey,
			RateLimitRPS:   cfg.Signer.CustodyRateLimitRPS,
			RateLimitBurst: cfg.Signer.CustodyRateLimitBurst,
		})
		if err != nil {
			return nil, err
		}
		return signer.RemoteSource{
			Client:         client,
			OrganizationID: client.OrganizationID(),
			ChainID:        chainID,
			Timeout:        cfg.Submit.SignTimeout,
			Logger:         logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown signer backend %q", cfg.Signer.Backend)
}
