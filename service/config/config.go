package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/brojonat/cirx-otc/service/worker"
	"github.com/shopspring/decimal"
)

// Trigger modes select what drives the worker passes.
const (
	TriggerCron     = "cron"
	TriggerTemporal = "temporal"
	TriggerHTTP     = "http"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	MetricsAddr string

	// Database configuration
	DatabaseURL string

	// NATS configuration; empty disables status events.
	NATSURL string

	// Indexer configuration; empty means RPC only.
	IndexerURL     string
	IndexerTimeout time.Duration

	// Payment chain RPC endpoints, keyed by chain name. Chains without a URL
	// are unsupported by this deployment.
	RPCURLs    map[string]string
	SolanaRPS  int
	EVMRPS     int
	RPCTimeout time.Duration

	// Project wallets that receive payments.
	ProjectWalletEVM    string
	ProjectWalletSolana string

	TokenContracts chain.TokenContracts
	Pricing        swap.PricingConfig

	// CIRX payout configuration
	CirxNodeURL       string
	CirxWalletAddress string
	CirxWalletKey     string

	// Worker configuration
	WorkerBatchSize          int
	MaxVerificationRetries   int
	MaxRecoveryAttempts      int
	StuckThreshold           time.Duration
	TransferStuckThreshold   time.Duration
	ConfirmationWait         time.Duration
	ConfirmationPollInterval time.Duration
	WorkerPoolSize           int
	WorkerQueueSize          int
	PassInterval             time.Duration
	RecoverySampleRate       int
	TriggerMode              string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// rpcEnv maps each payment chain to its RPC URL variable.
var rpcEnv = map[string]string{
	"ethereum": "ETHEREUM_RPC_URL",
	"sepolia":  "SEPOLIA_RPC_URL",
	"goerli":   "GOERLI_RPC_URL",
	"polygon":  "POLYGON_RPC_URL",
	"solana":   "SOLANA_RPC_URL",
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = os.Getenv("NATS_URL")

	// Indexer and RPC configuration
	cfg.IndexerURL = strings.TrimRight(os.Getenv("INDEXER_URL"), "/")
	var err error
	cfg.IndexerTimeout, err = parseDuration("INDEXER_TIMEOUT", "10s")
	collect(err)
	cfg.RPCTimeout, err = parseDuration("RPC_TIMEOUT", "15s")
	collect(err)
	cfg.SolanaRPS, err = parseInt("SOLANA_RPS", 5)
	collect(err)
	cfg.EVMRPS, err = parseInt("EVM_RPS", 10)
	collect(err)

	cfg.RPCURLs = make(map[string]string)
	for _, name := range chain.Chains() {
		if url := os.Getenv(rpcEnv[name]); url != "" {
			cfg.RPCURLs[name] = url
		}
	}

	cfg.ProjectWalletEVM = os.Getenv("PROJECT_WALLET_EVM")
	cfg.ProjectWalletSolana = os.Getenv("PROJECT_WALLET_SOLANA")

	cfg.TokenContracts, err = chain.ParseTokenContracts(chain.DefaultTokenContracts(), os.Getenv("TOKEN_CONTRACTS"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TOKEN_CONTRACTS: %w", err))
	}
	cfg.Pricing, err = parsePrices(swap.DefaultPricing(), os.Getenv("TOKEN_PRICES_USD"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TOKEN_PRICES_USD: %w", err))
	}

	// CIRX payout configuration
	cfg.CirxNodeURL = strings.TrimRight(os.Getenv("CIRX_NODE_URL"), "/")
	cfg.CirxWalletAddress = os.Getenv("CIRX_WALLET_ADDRESS")
	cfg.CirxWalletKey = os.Getenv("CIRX_WALLET_KEY")

	// Worker configuration
	cfg.WorkerBatchSize, err = parseInt("WORKER_BATCH_SIZE", 50)
	collect(err)
	cfg.MaxVerificationRetries, err = parseInt("MAX_VERIFICATION_RETRIES", 5)
	collect(err)
	cfg.MaxRecoveryAttempts, err = parseInt("MAX_RECOVERY_ATTEMPTS", 3)
	collect(err)
	cfg.StuckThreshold, err = parseDuration("STUCK_THRESHOLD", "60m")
	collect(err)
	cfg.TransferStuckThreshold, err = parseDuration("TRANSFER_STUCK_THRESHOLD", "10m")
	collect(err)
	cfg.ConfirmationWait, err = parseDuration("CONFIRMATION_WAIT", "30s")
	collect(err)
	cfg.ConfirmationPollInterval, err = parseDuration("CONFIRMATION_POLL_INTERVAL", "2s")
	collect(err)
	cfg.WorkerPoolSize, err = parseInt("WORKER_POOL_SIZE", 3)
	collect(err)
	cfg.WorkerQueueSize, err = parseInt("WORKER_QUEUE_SIZE", 16)
	collect(err)
	cfg.PassInterval, err = parseDuration("PASS_INTERVAL", "30s")
	collect(err)
	cfg.RecoverySampleRate, err = parseInt("RECOVERY_SAMPLE_RATE", 10)
	collect(err)
	cfg.TriggerMode = getEnvOrDefault("TRIGGER_MODE", TriggerCron)

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "cirx-otc-settlement")

	// Parse errors first; cross-field checks on half-parsed values only add noise.
	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LogLevel must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	if len(c.RPCURLs) == 0 && c.IndexerURL == "" {
		errs = append(errs, fmt.Errorf("at least one payment chain RPC URL or INDEXER_URL is required"))
	}

	if c.ProjectWalletEVM != "" && !swap.IsEVMAddress(c.ProjectWalletEVM) {
		errs = append(errs, fmt.Errorf("ProjectWalletEVM %q is not an EVM address", c.ProjectWalletEVM))
	}
	if err := swap.ValidateSourceAddress("solana", c.ProjectWalletSolana); err != nil {
		errs = append(errs, fmt.Errorf("ProjectWalletSolana: %w", err))
	}

	if c.CirxWalletAddress != "" {
		if err := swap.ValidateCirxAddress(c.CirxWalletAddress); err != nil {
			errs = append(errs, fmt.Errorf("CirxWalletAddress: %w", err))
		}
	}

	if err := c.Pricing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("Pricing: %w", err))
	}

	for name, v := range map[string]int{
		"WorkerBatchSize":        c.WorkerBatchSize,
		"MaxVerificationRetries": c.MaxVerificationRetries,
		"MaxRecoveryAttempts":    c.MaxRecoveryAttempts,
		"WorkerPoolSize":         c.WorkerPoolSize,
		"WorkerQueueSize":        c.WorkerQueueSize,
		"RecoverySampleRate":     c.RecoverySampleRate,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, v))
		}
	}

	if c.TransferStuckThreshold >= c.StuckThreshold {
		errs = append(errs, fmt.Errorf("TransferStuckThreshold (%v) must be less than StuckThreshold (%v)",
			c.TransferStuckThreshold, c.StuckThreshold))
	}

	if c.PassInterval < time.Second {
		errs = append(errs, fmt.Errorf("PassInterval must be at least 1 second"))
	}

	switch c.TriggerMode {
	case TriggerCron, TriggerHTTP:
	case TriggerTemporal:
		if c.TemporalHost == "" || c.TemporalNamespace == "" || c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("temporal trigger mode requires TemporalHost, TemporalNamespace and TemporalTaskQueue"))
		}
	default:
		errs = append(errs, fmt.Errorf("TriggerMode must be one of cron, temporal, http; got %q", c.TriggerMode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ProjectWallets maps each supported chain to the wallet payments must reach.
func (c *Config) ProjectWallets() map[string]string {
	wallets := make(map[string]string)
	for _, name := range chain.Chains() {
		policy, _ := chain.PolicyFor(name)
		switch {
		case policy.Solana && c.ProjectWalletSolana != "":
			wallets[name] = c.ProjectWalletSolana
		case !policy.Solana && c.ProjectWalletEVM != "":
			wallets[name] = c.ProjectWalletEVM
		}
	}
	return wallets
}

// WorkerConfig returns the batch and retry policy for the workers.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		BatchSize:              c.WorkerBatchSize,
		MaxVerificationRetries: c.MaxVerificationRetries,
		MaxRecoveryAttempts:    c.MaxRecoveryAttempts,
		StuckThreshold:         c.StuckThreshold,
		TransferStuckThreshold: c.TransferStuckThreshold,
		ProjectWallets:         c.ProjectWallets(),
	}
}

// parsePrices merges "SYMBOL=price,..." over base.
func parsePrices(base swap.PricingConfig, s string) (swap.PricingConfig, error) {
	prices := make(map[string]decimal.Decimal, len(base.TokenPricesUSD))
	for k, v := range base.TokenPricesUSD {
		prices[k] = v
	}
	base.TokenPricesUSD = prices

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		symbol, raw, ok := strings.Cut(entry, "=")
		if !ok {
			return base, fmt.Errorf("invalid entry %q, expected SYMBOL=price", entry)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !price.IsPositive() {
			return base, fmt.Errorf("invalid price %q for %s", raw, symbol)
		}
		prices[strings.ToUpper(strings.TrimSpace(symbol))] = price
	}
	return base, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
