// Package pipeline assembles the settlement pipeline from configuration:
// the swap store with its decorators, the chain readers, and the worker
// runner that drives swaps through verification and payout.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/cirx-otc/service/breaker"
	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/chain/evm"
	"github.com/brojonat/cirx-otc/service/circular"
	"github.com/brojonat/cirx-otc/service/config"
	"github.com/brojonat/cirx-otc/service/db"
	"github.com/brojonat/cirx-otc/service/indexer"
	"github.com/brojonat/cirx-otc/service/metrics"
	natspkg "github.com/brojonat/cirx-otc/service/nats"
	"github.com/brojonat/cirx-otc/service/settlement"
	"github.com/brojonat/cirx-otc/service/solana"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/brojonat/cirx-otc/service/transfer"
	"github.com/brojonat/cirx-otc/service/verify"
	"github.com/brojonat/cirx-otc/service/worker"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Closer releases what an Open call acquired. Closers run in reverse order.
type Closer func()

func closeAll(closers []func()) Closer {
	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

// Stores holds the Postgres store and the decorated store the services use.
type Stores struct {
	DB *db.Store
	// Swaps is DB wrapped with query metrics and, when NATS is configured,
	// status event publishing.
	Swaps swap.Store
}

// OpenStore connects to Postgres and wraps the store with metrics and the
// NATS publisher when NATSURL is set.
func OpenStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Stores, Closer, error) {
	var closers []func()

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	closers = append(closers, dbPool.Close)

	if err := dbPool.Ping(ctx); err != nil {
		closeAll(closers)()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	dbStore := db.NewStore(dbPool)
	swaps := db.NewInstrumentedStore(dbStore, m)

	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			closeAll(closers)()
			return nil, nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		closers = append(closers, func() { publisher.Close() })
		swaps = natspkg.NewPublishingStore(swaps, publisher, logger)
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, swap status events disabled")
	}

	return &Stores{DB: dbStore, Swaps: swaps}, closeAll(closers), nil
}

// NewSettlement creates the API-facing settlement service over store.
func NewSettlement(cfg *config.Config, store swap.Store, logger *slog.Logger) *settlement.Service {
	return settlement.NewService(store, cfg.Pricing, cfg.TokenContracts, cfg.MaxRecoveryAttempts, logger)
}

// NewRunner dials every configured payment chain and the CIRX node and
// returns the worker runner.
func NewRunner(ctx context.Context, cfg *config.Config, store swap.Store, m *metrics.Metrics, logger *slog.Logger) (*worker.Runner, Closer, error) {
	readers, closer, err := NewReaders(ctx, cfg, m, logger)
	if err != nil {
		return nil, nil, err
	}

	// A nil *indexer.Client must not reach verify as a non-nil interface.
	var idx verify.Indexer
	if cfg.IndexerURL != "" {
		idx = indexer.NewClient(cfg.IndexerURL, cfg.IndexerTimeout, breaker.DefaultSettings(), m, logger)
		logger.Info("indexer configured", "url", cfg.IndexerURL)
	} else {
		logger.Info("INDEXER_URL not set, verifying over chain RPC only")
	}
	verifier := verify.NewService(idx, readers, cfg.TokenContracts, cfg.RPCTimeout, m, logger)

	cirx := circular.NewClient(
		cfg.CirxNodeURL,
		circular.Wallet{Address: cfg.CirxWalletAddress, Key: cfg.CirxWalletKey},
		cfg.RPCTimeout,
		breaker.DefaultSettings(),
		m,
		logger,
	)
	transferer := transfer.NewService(store, cirx, cfg.Pricing, transfer.Config{
		WalletAddress:    cfg.CirxWalletAddress,
		WalletKey:        cfg.CirxWalletKey,
		ConfirmationWait: cfg.ConfirmationWait,
		PollInterval:     cfg.ConfirmationPollInterval,
	}, m, logger)
	if cfg.CirxWalletAddress == "" || cfg.CirxWalletKey == "" {
		logger.Warn("CIRX payout wallet not configured, payouts will fail until it is set")
	}

	runner := worker.NewRunner(store, verifier, transferer, cfg.WorkerConfig(), m, logger)
	return runner, closer, nil
}

// NewReaders builds the chain registry from the configured RPC URLs.
// SOLANA_RPC_URL may list several comma separated endpoints; one is picked
// per process.
func NewReaders(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*chain.Registry, Closer, error) {
	registry := chain.NewRegistry()
	var closers []func()

	for _, name := range chain.Chains() {
		rpcURL := cfg.RPCURLs[name]
		if rpcURL == "" {
			continue
		}
		policy, _ := chain.PolicyFor(name)

		var reader chain.Reader
		if policy.Solana {
			endpoint, err := solana.SelectRandomEndpoint(splitURLs(rpcURL))
			if err != nil {
				closeAll(closers)()
				return nil, nil, fmt.Errorf("solana: %w", err)
			}
			reader = solana.NewClient(solana.NewRPCClient(endpoint), cfg.SolanaRPS, m, logger)
		} else {
			client, err := evm.Dial(ctx, rpcURL)
			if err != nil {
				closeAll(closers)()
				return nil, nil, fmt.Errorf("%s: %w", name, err)
			}
			closers = append(closers, client.Close)
			reader = evm.NewReader(client, name, cfg.EVMRPS, m, logger)
		}

		if err := registry.Register(name, reader); err != nil {
			closeAll(closers)()
			return nil, nil, err
		}
		logger.Info("registered chain reader", "chain", name)
	}

	return registry, closeAll(closers), nil
}

func splitURLs(s string) []string {
	var urls []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
