package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/beaconops/relay/internal/config"
	"github.com/beaconops/relay/internal/infra"
	"github.com/beaconops/relay/internal/logging"
	"github.com/beaconops/relay/internal/multicall"
	"github.com/beaconops/relay/internal/operations"
	"github.com/beaconops/relay/internal/routes"
	"github.com/beaconops/relay/internal/server"
	"github.com/beaconops/relay/internal/store"
	"github.com/beaconops/relay/internal/txpipeline"
	"github.com/beaconops/relay/internal/walletpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()

	client, chainID, err := infra.NewChainClient(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		logger.Error("connect chain", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	logger.Info("connected to chain", "chain_id", chainID.String())

	kv := store.NewRedis(cache)
	keys := store.NewKeys(cfg.KeyPrefix)
	wallets := walletpool.NewManager(kv, keys, walletpool.Options{
		LockTTL:    cfg.Lock.TTL,
		RetryCount: cfg.Lock.RetryCount,
		RetryDelay: cfg.Lock.RetryDelay,
	}, logger)

	signers, err := newSignerSource(ctx, cfg, chainID, wallets, logger)
	if err != nil {
		logger.Error("configure signer", "backend", cfg.Signer.Backend, "error", err)
		os.Exit(1)
	}

	pipeline := txpipeline.New(client, wallets, signers, chainID, txpipeline.Options{
		SignTimeout:          cfg.Submit.SignTimeout,
		ConfirmTimeout:       cfg.Submit.ConfirmTimeout,
		PollInterval:         cfg.Submit.ConfirmPollInterval,
		NonceRetries:         cfg.Submit.NonceRetryCount,
		GasMultiplierPercent: cfg.Submit.GasMultiplierPercent,
	}, logger)
	batcher := multicall.New(cfg.Contracts.Multicall, client, logger)
	ops := operations.NewService(pipeline, batcher, wallets, operations.Modules{
		BeaconFactory: cfg.Contracts.BeaconFactory,
		PerpManager:   cfg.Contracts.PerpManager,
		USDC:          cfg.Contracts.USDC,
	}, logger)

	srv, err := server.New(cfg, routes.Deps{
		Store:      kv,
		Keys:       keys,
		Chain:      client,
		ChainID:    chainID,
		Wallets:    wallets,
		Operations: ops,
	}, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	// In-flight submissions keep their wallet locks until they finish; a
	// forced exit leaves the locks to expire by TTL.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
