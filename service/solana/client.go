package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
)

// FinalizedConfirmations is reported for rooted transactions, for which the
// RPC returns no confirmation count. It exceeds every required threshold.
const FinalizedConfirmations = 32

const lamportDecimals = 9

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetBalanceResult, error)
}

// Client reads payment transactions from Solana. It implements chain.Client
// but cannot send transfers.
type Client struct {
	rpc     RPCClient
	limiter ratelimit.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) error
}

var _ chain.Client = (*Client)(nil)

// NewClient creates a new Solana client. Requests are paced to rps per
// second; rps <= 0 disables pacing. If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, rps int, m *metrics.Metrics, logger *slog.Logger) *Client {
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	return &Client{
		rpc:     rpcClient,
		limiter: limiter,
		logger:  logger.With("component", "solana_client"),
		metrics: m,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) recordCall(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall("solana", method, status, time.Since(start).Seconds())
}

func parseSignature(hash string) (solana.Signature, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(hash))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: malformed solana signature %q", chain.ErrNotFound, hash)
	}
	return sig, nil
}

// GetTransaction fetches and parses a transaction, then attaches its
// confirmation count.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	sig, err := parseSignature(hash)
	if err != nil {
		return nil, err
	}

	result, err := c.fetchTransaction(ctx, sig)
	if err != nil {
		return nil, err
	}

	txn, err := parseTransactionResult(sig.String(), result)
	if err != nil {
		return nil, err
	}

	confirmations, err := c.confirmations(ctx, sig)
	if err != nil {
		return nil, err
	}
	txn.Confirmations = confirmations

	c.logger.DebugContext(ctx, "fetched solana transaction",
		"signature", txn.Hash,
		"slot", txn.BlockNumber,
		"confirmations", txn.Confirmations,
		"token_transfers", len(txn.TokenTransfers),
	)
	return txn, nil
}

// fetchTransaction retries rate-limited and transient failures with
// exponential backoff, and falls back to legacy decoding when the node
// rejects versioned transaction support.
func (c *Client) fetchTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	const maxAttempts = 3

	var (
		result *rpc.GetTransactionResult
		err    error
	)
	for attempt := range maxAttempts {
		opts := &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		}
		c.limiter.Take()
		start := time.Now()
		result, err = c.rpc.GetTransaction(ctx, sig, opts)
		c.recordCall("GetTransaction", start, err)

		if err == nil {
			return result, nil
		}
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, sig)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Handle rate limiting (429 Too Many Requests) with longer backoff
		if strings.Contains(err.Error(), "429") {
			backoff := time.Duration(2<<uint(attempt)) * time.Second
			c.logger.WarnContext(ctx, "rate limited, sleeping before retry",
				"signature", sig.String(),
				"attempt", attempt+1,
				"backoff_seconds", backoff.Seconds(),
			)
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit("solana")
				c.metrics.RecordRPCRetry("solana", "GetTransaction", "rate_limit")
			}
			if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		// Handle parsing errors for legacy transactions
		if strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			c.logger.WarnContext(ctx, "could not parse as versioned tx, retrying as legacy",
				"signature", sig.String(),
			)
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("solana", "GetTransaction", "parse_error")
			}
			legacyOpts := &rpc.GetTransactionOpts{
				Encoding:   solana.EncodingBase64,
				Commitment: rpc.CommitmentConfirmed,
			}
			c.limiter.Take()
			start := time.Now()
			result, err = c.rpc.GetTransaction(ctx, sig, legacyOpts)
			c.recordCall("GetTransaction", start, err)
			if err == nil {
				return result, nil
			}
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		c.logger.WarnContext(ctx, "failed to get transaction on attempt",
			"signature", sig.String(),
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry("solana", "GetTransaction", "timeout_or_error")
		}
		if attempt < maxAttempts-1 {
			if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, fmt.Errorf("failed to get transaction after %d attempts: %w", maxAttempts, err)
}

// GetReceipt reports the execution status recorded for the signature.
func (c *Client) GetReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	sig, err := parseSignature(hash)
	if err != nil {
		return nil, err
	}
	status, err := c.signatureStatus(ctx, sig)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, hash)
	}
	return &chain.Receipt{
		Hash:        sig.String(),
		BlockNumber: status.Slot,
		Failed:      status.Err != nil,
	}, nil
}

// GetConfirmations returns the confirmation count, 0 when the cluster has
// not seen the signature.
func (c *Client) GetConfirmations(ctx context.Context, hash string) (uint64, error) {
	sig, err := parseSignature(hash)
	if err != nil {
		return 0, err
	}
	return c.confirmations(ctx, sig)
}

func (c *Client) confirmations(ctx context.Context, sig solana.Signature) (uint64, error) {
	status, err := c.signatureStatus(ctx, sig)
	if err != nil {
		return 0, err
	}
	return confirmationsOf(status), nil
}

func confirmationsOf(status *rpc.SignatureStatusesResult) uint64 {
	if status == nil {
		return 0
	}
	if status.Confirmations != nil {
		return *status.Confirmations
	}
	// A nil count means the slot is rooted.
	if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized || status.ConfirmationStatus == "" {
		return FinalizedConfirmations
	}
	return 0
}

func (c *Client) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	c.limiter.Take()
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	c.recordCall("GetSignatureStatuses", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// GetBalance returns the SOL balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid solana address %q: %w", address, err)
	}
	c.limiter.Take()
	start := time.Now()
	out, err := c.rpc.GetBalance(ctx, account, rpc.CommitmentConfirmed)
	c.recordCall("GetBalance", start, err)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return chain.ToDecimal(new(big.Int).SetUint64(out.Value), lamportDecimals), nil
}

// SendTransfer is not supported; payouts happen on the CIRX chain.
func (c *Client) SendTransfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
	return "", chain.ErrReadOnly
}

// FindTransfer is not supported; payouts happen on the CIRX chain.
func (c *Client) FindTransfer(ctx context.Context, key string) (string, error) {
	return "", chain.ErrReadOnly
}
