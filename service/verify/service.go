// Package verify decides whether a claimed payment is real, sufficient and
// sent to the project wallet.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/solana"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/shopspring/decimal"
)

// Verification sources recorded in result metadata.
const (
	SourceIndexer = "indexer"
	SourceRPC     = "rpc"
)

// Indexer is the pre-computed transaction lookup service.
type Indexer interface {
	Healthy(ctx context.Context) bool
	// GetTransactionByHash returns nil, nil when the indexer has no record.
	GetTransactionByHash(ctx context.Context, chainName, hash string) (*chain.Transaction, error)
}

// Readers resolves the RPC reader for a chain.
type Readers interface {
	Reader(chainName string) (chain.Reader, bool)
}

// Request is a payment to verify.
type Request struct {
	TxHash         string
	Chain          string
	ExpectedAmount decimal.Decimal
	Token          string
	ProjectWallet  string
}

// Service implements payment verification: indexer first, chain RPC when
// the indexer is unhealthy or unreachable.
type Service struct {
	indexer Indexer
	readers Readers
	tokens  chain.TokenContracts
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates a verification service. indexer may be nil.
// timeout bounds each indexer or RPC lookup.
func NewService(indexer Indexer, readers Readers, tokens chain.TokenContracts, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Service {
	if tokens == nil {
		tokens = chain.DefaultTokenContracts()
	}
	return &Service{
		indexer: indexer,
		readers: readers,
		tokens:  tokens,
		timeout: timeout,
		metrics: m,
		logger:  logger.With("component", "payment_verification"),
	}
}

// VerifyPayment checks the payment. The result is always non-nil; on failure
// the returned error wraps one of the swap verification errors and callers
// use swap.IsTransient to decide whether to retry.
func (s *Service) VerifyPayment(ctx context.Context, req Request) (*swap.VerificationResult, error) {
	res := &swap.VerificationResult{
		TxHash:   strings.TrimSpace(req.TxHash),
		Metadata: map[string]string{"chain": chain.Normalize(req.Chain), "token": strings.ToUpper(req.Token)},
	}

	policy, ok := chain.PolicyFor(req.Chain)
	if !ok {
		return s.fail(ctx, req, res, "", fmt.Errorf("%w: %s", swap.ErrUnsupportedChain, req.Chain))
	}
	res.Metadata["required_confirmations"] = strconv.FormatUint(policy.RequiredConfirmations, 10)

	txn, source, err := s.fetch(ctx, policy, res.TxHash)
	if err != nil {
		return s.fail(ctx, req, res, source, err)
	}
	res.Metadata["source"] = source
	res.Metadata["block_number"] = strconv.FormatUint(txn.BlockNumber, 10)
	res.Confirmations = txn.Confirmations

	if txn.Failed {
		return s.fail(ctx, req, res, source, swap.ErrFailedOnChain)
	}

	if txn.Confirmations < policy.RequiredConfirmations {
		return s.fail(ctx, req, res, source, fmt.Errorf("%w: %d of %d required on %s",
			swap.ErrInsufficientConfirmations, txn.Confirmations, policy.RequiredConfirmations, policy.Name))
	}

	amount, recipient, method, err := s.transferred(policy, txn, req)
	res.Recipient = recipient
	if method != "" {
		res.Metadata["method"] = method
	}
	if err != nil {
		return s.fail(ctx, req, res, source, err)
	}
	res.Amount = swap.FormatAmount(amount)

	if amount.LessThan(req.ExpectedAmount) {
		return s.fail(ctx, req, res, source, fmt.Errorf("%w: received %s %s, expected %s",
			swap.ErrInsufficientAmount, res.Amount, strings.ToUpper(req.Token), swap.FormatAmount(req.ExpectedAmount)))
	}

	res.Success = true
	if s.metrics != nil {
		s.metrics.RecordVerification(policy.Name, source, "verified")
	}
	s.logger.InfoContext(ctx, "payment verified",
		"payment_tx_id", res.TxHash,
		"chain", policy.Name,
		"source", source,
		"amount", res.Amount,
		"confirmations", res.Confirmations,
	)
	return res, nil
}

// fetch returns the transaction from the indexer when it is healthy, and
// from the chain reader otherwise. An indexer lookup error also falls back.
func (s *Service) fetch(ctx context.Context, policy chain.Policy, hash string) (*chain.Transaction, string, error) {
	if s.indexer != nil && s.healthy(ctx) {
		lookupCtx, cancel := s.withTimeout(ctx)
		txn, err := s.indexer.GetTransactionByHash(lookupCtx, policy.Name, hash)
		cancel()
		if err == nil {
			if txn == nil {
				return nil, SourceIndexer, fmt.Errorf("%w: %s not indexed on %s", swap.ErrPaymentNotFound, hash, policy.Name)
			}
			return txn, SourceIndexer, nil
		}
		s.logger.WarnContext(ctx, "indexer lookup failed, falling back to rpc",
			"payment_tx_id", hash,
			"chain", policy.Name,
			"error", err,
		)
	}

	if s.readers == nil {
		return nil, SourceRPC, fmt.Errorf("%w: no rpc reader configured", swap.ErrUnavailable)
	}
	reader, ok := s.readers.Reader(policy.Name)
	if !ok {
		return nil, SourceRPC, fmt.Errorf("%w: no rpc reader configured for %s", swap.ErrUnavailable, policy.Name)
	}

	lookupCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	txn, err := reader.GetTransaction(lookupCtx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return nil, SourceRPC, fmt.Errorf("%w: %v", swap.ErrPaymentNotFound, err)
		}
		return nil, SourceRPC, fmt.Errorf("%w: %s rpc: %v", swap.ErrUnavailable, policy.Name, err)
	}
	return txn, SourceRPC, nil
}

func (s *Service) healthy(ctx context.Context) bool {
	healthCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.indexer.Healthy(healthCtx)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// transferred returns the amount that reached the project wallet, the
// observed recipient and the method used to read it.
func (s *Service) transferred(policy chain.Policy, txn *chain.Transaction, req Request) (decimal.Decimal, string, string, error) {
	token := strings.ToUpper(strings.TrimSpace(req.Token))

	if token == policy.NativeToken {
		return nativeTransferred(policy, txn, req.ProjectWallet)
	}

	contract, _ := s.tokens.Lookup(policy.Name, token)
	var (
		candidates []chain.TokenTransfer
		total      = new(big.Int)
		matched    bool
	)
	for _, t := range txn.TokenTransfers {
		if contract != "" && t.Token != "" && !swap.SameAddress(t.Token, contract) {
			continue
		}
		candidates = append(candidates, t)
		if s.toProjectWallet(policy, t, req.ProjectWallet) && t.Amount != nil {
			total.Add(total, t.Amount)
			matched = true
		}
	}
	if len(candidates) == 0 {
		return decimal.Zero, "", "token_transfer", fmt.Errorf("%w: no %s transfer in %s", swap.ErrPaymentNotFound, token, txn.Hash)
	}
	if !matched {
		observed := candidates[0].To
		return decimal.Zero, observed, "token_transfer", fmt.Errorf("%w: %s sent to %s, expected %s", swap.ErrWrongRecipient, token, observed, req.ProjectWallet)
	}
	return chain.ToDecimal(total, chain.TokenDecimals(token)), req.ProjectWallet, "token_transfer", nil
}

// nativeTransferred sums the native transfers that reached wallet. A
// transaction with several native transfers only counts the ones to wallet.
func nativeTransferred(policy chain.Policy, txn *chain.Transaction, wallet string) (decimal.Decimal, string, string, error) {
	if len(txn.NativeTransfers) == 0 {
		if !swap.SameAddress(txn.To, wallet) {
			return decimal.Zero, txn.To, "native", fmt.Errorf("%w: sent to %s, expected %s", swap.ErrWrongRecipient, txn.To, wallet)
		}
		if txn.Value == nil {
			return decimal.Zero, txn.To, "native", fmt.Errorf("%w: no native value in %s", swap.ErrPaymentNotFound, txn.Hash)
		}
		return chain.ToDecimal(txn.Value, policy.NativeDecimals), txn.To, "native", nil
	}

	total := new(big.Int)
	matched := false
	for _, t := range txn.NativeTransfers {
		if t.Amount != nil && swap.SameAddress(t.To, wallet) {
			total.Add(total, t.Amount)
			matched = true
		}
	}
	if !matched {
		observed := txn.NativeTransfers[0].To
		return decimal.Zero, observed, "native", fmt.Errorf("%w: sent to %s, expected %s", swap.ErrWrongRecipient, observed, wallet)
	}
	return chain.ToDecimal(total, policy.NativeDecimals), wallet, "native", nil
}

// toProjectWallet matches an SPL transfer by destination owner or by the
// wallet's associated token account as well as by plain address.
func (s *Service) toProjectWallet(policy chain.Policy, t chain.TokenTransfer, wallet string) bool {
	if swap.SameAddress(t.To, wallet) {
		return true
	}
	if !policy.Solana {
		return false
	}
	if swap.SameAddress(t.ToOwner, wallet) {
		return true
	}
	if t.Token == "" {
		return false
	}
	ata, err := solana.AssociatedTokenAccount(wallet, t.Token)
	return err == nil && ata == t.To
}

func (s *Service) fail(ctx context.Context, req Request, res *swap.VerificationResult, source string, err error) (*swap.VerificationResult, error) {
	res.Success = false
	res.Error = err.Error()
	if source != "" {
		res.Metadata["source"] = source
	}
	if s.metrics != nil {
		s.metrics.RecordVerification(chain.Normalize(req.Chain), source, Outcome(err))
	}
	s.logger.WarnContext(ctx, "payment verification failed",
		"payment_tx_id", res.TxHash,
		"chain", req.Chain,
		"source", source,
		"transient", swap.IsTransient(err),
		"error", err,
	)
	return res, err
}

// Outcome names the verification outcome for err, for metrics and events.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "verified"
	case swap.IsTransient(err):
		return "unavailable"
	case errors.Is(err, swap.ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, swap.ErrFailedOnChain):
		return "failed_on_chain"
	case errors.Is(err, swap.ErrInsufficientConfirmations):
		return "insufficient_confirmations"
	case errors.Is(err, swap.ErrWrongRecipient):
		return "wrong_recipient"
	case errors.Is(err, swap.ErrInsufficientAmount):
		return "insufficient_amount"
	default:
		return "invalid"
	}
}
