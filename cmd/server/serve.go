package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"guardianrails/internal/chain"
	"guardianrails/internal/config"
	"guardianrails/internal/idempotency"
	"guardianrails/internal/server"
	"guardianrails/internal/store"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serveRun(cmd.Context(), cfg, newLogger())
		},
	}
}

// closers run in reverse order on shutdown.
type closers []func()

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serveRun(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var cleanup closers
	defer cleanup.run()

	var (
		records store.RecordStore
		pgStore *store.PostgresStore
	)
	if cfg.Store.PostgresDSN != "" {
		var err error
		pgStore, err = store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("record store: %w", err)
		}
		cleanup = append(cleanup, pgStore.Close)
		records = pgStore
		logger.Info().Msg("using postgres record store")
	} else {
		records = store.NewMemoryStore()
		logger.Info().Msg("using in-memory record store")
	}

	idem, err := openIdempotency(ctx, cfg, pgStore, logger, &cleanup)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}

	var (
		submitter chain.Submitter
		receipts  chain.ReceiptSource
	)
	if cfg.DevMode() {
		fake := chain.NewFakeClient(records, cfg.Chain.FakeSettleDelay)
		submitter, receipts = fake, fake
		logger.Warn().Msg("no private key configured, transactions are emulated")
	} else {
		ethClient, err := chain.NewEthClient(ctx, chain.EthClientConfig{
			RPCURL:                   cfg.Chain.RPCURL,
			PrivateKeyHex:            cfg.Chain.PrivateKey,
			ContractGuardianRegistry: cfg.Chain.GuardianRegistry,
			PollInterval:             cfg.Chain.PollInterval,
			RPCRateLimit:             cfg.Chain.RPCRateLimit,
			Logger:                   logger,
		})
		if err != nil {
			return fmt.Errorf("chain client: %w", err)
		}
		cleanup = append(cleanup, ethClient.Close)
		submitter, receipts = ethClient, ethClient
		logger.Info().
			Str("signer", ethClient.Signer().Hex()).
			Str("registry", cfg.Chain.GuardianRegistry).
			Msg("submitting to chain")
	}

	apiServer := server.NewServer(server.Deps{
		Config:      cfg,
		Records:     records,
		Submitter:   submitter,
		Receipts:    receipts,
		Idempotency: idem,
		Logger:      logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func openIdempotency(ctx context.Context, cfg *config.Config, pgStore *store.PostgresStore, logger zerolog.Logger, cleanup *closers) (idempotency.Store, error) {
	switch cfg.Service.IdempotencyBackend {
	case config.BackendBadger:
		bs, err := idempotency.NewBadgerStore(cfg.Service.IdempotencyPath, logger)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, func() {
			if err := bs.Close(); err != nil {
				logger.Error().Err(err).Msg("close badger")
			}
		})
		return bs, nil
	case config.BackendPostgres:
		if pgStore != nil {
			return idempotency.NewPostgresStoreFromPool(ctx, pgStore.Pool())
		}
		ps, err := idempotency.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, ps.Close)
		return ps, nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}
