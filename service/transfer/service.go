// Package transfer pays out CIRX for verified swaps.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/shopspring/decimal"
)

// Config holds the payout wallet and confirmation polling policy.
type Config struct {
	WalletAddress string
	WalletKey     string
	// ConfirmationWait bounds how long TransferToUser polls for the first confirmation.
	ConfirmationWait time.Duration
	PollInterval     time.Duration
}

// WalletConfigured reports whether a payout wallet address and key are set.
func (c Config) WalletConfigured() bool {
	return c.WalletAddress != "" && c.WalletKey != ""
}

// Service executes CIRX payouts and records their outcome on the swap.
type Service struct {
	store   swap.Store
	client  chain.Client
	pricing swap.PricingConfig
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewService creates a transfer service paying out through client.
func NewService(store swap.Store, client chain.Client, pricing swap.PricingConfig, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Service{
		store:   store,
		client:  client,
		pricing: pricing,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "cirx_transfer"),
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

// Quote returns the CIRX payout for tx. The payout is computed on the swap
// principal; the platform fee is checked separately.
func (s *Service) Quote(tx *swap.Transaction) (swap.Quote, error) {
	principal, err := principalOf(tx)
	if err != nil {
		return swap.Quote{}, err
	}
	return s.pricing.Quote(principal, tx.PaymentToken)
}

func principalOf(tx *swap.Transaction) (decimal.Decimal, error) {
	amount := tx.SwapAmount
	if amount == "" {
		amount = tx.AmountPaid
	}
	return swap.ParseAmount(amount)
}

// TransferToUser pays out the swap. It returns swap.ErrStaleTransition when
// another worker claimed the record first; that is not a failure of the
// swap.
//
// A send whose outcome is unknown (node unreachable, timeout, cancelled
// context) leaves the swap in CIRX_TRANSFER_PENDING with the cause as its
// failure reason. Every attempt looks the payout up by its idempotency key
// before sending, so a transfer the node did accept is recorded instead of
// sent again. Every other failure is persisted as FAILED_CIRX_TRANSFER;
// failures retrying cannot fix are marked permanent.
//
// A transfer that is broadcast but not confirmed within ConfirmationWait is
// left in CIRX_TRANSFER_INITIATED and reported as successful; ConfirmTransfer
// settles it later.
func (s *Service) TransferToUser(ctx context.Context, tx *swap.Transaction) (*swap.TransferResult, error) {
	key := idempotencyKey(tx)
	res := &swap.TransferResult{
		Recipient: tx.CirxRecipientAddress,
		Metadata:  map[string]string{"transaction_id": tx.ID.String(), "idempotency_key": key},
	}
	log := s.logger.With("transaction_id", tx.ID.String(), "payment_tx_id", tx.PaymentTxID)

	if tx.Status != swap.StatusPaymentVerified {
		err := fmt.Errorf("%w: status is %s", swap.ErrNotTransferEligible, tx.Status)
		res.Error = err.Error()
		s.record("not_eligible")
		return res, err
	}

	quote, err := s.checkPreconditions(tx)
	if err != nil {
		return s.fail(ctx, log, tx, res, err)
	}
	res.Amount = swap.FormatAmount(quote.CirxAmount)
	res.Metadata["swap_type"] = quote.SwapType
	res.Metadata["usd_value"] = quote.USDValue.String()
	res.Metadata["discount_percent"] = quote.DiscountPercent.String()

	claimed, err := s.store.TransitionTransaction(ctx, swap.Transition{
		ID:              tx.ID,
		From:            swap.StatusPaymentVerified,
		To:              swap.StatusCirxTransferPending,
		ExpectedVersion: tx.Version,
	})
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, swap.ErrStaleTransition) {
			log.InfoContext(ctx, "transfer already claimed by another worker")
			s.record("stale")
		}
		return res, err
	}
	tx = claimed

	txHash, err := s.client.FindTransfer(ctx, key)
	switch {
	case err == nil:
		log.WarnContext(ctx, "CIRX transfer already accepted by node, recording it",
			"cirx_transfer_tx_id", txHash,
			"idempotency_key", key,
		)
		s.record("found_existing")
	case errors.Is(err, chain.ErrNotFound):
		if err := s.checkBalance(ctx, quote.CirxAmount, res.Amount); err != nil {
			return s.fail(ctx, log, tx, res, err)
		}
		txHash, err = s.client.SendTransfer(ctx, key, tx.CirxRecipientAddress, quote.CirxAmount)
		if err != nil {
			if sendOutcomeUnknown(ctx, err) {
				return s.unknown(ctx, log, tx, res, fmt.Errorf("failed to send CIRX transfer: %w", err))
			}
			return s.fail(ctx, log, tx, res, err)
		}
	default:
		// Nothing is sent while a previous attempt cannot be ruled out.
		return s.unknown(ctx, log, tx, res, fmt.Errorf("failed to look up CIRX transfer %s: %w", key, err))
	}
	res.TxHash = txHash

	initiated, err := s.store.TransitionTransaction(context.WithoutCancel(ctx), swap.Transition{
		ID:               tx.ID,
		From:             swap.StatusCirxTransferPending,
		To:               swap.StatusCirxTransferInitiated,
		ExpectedVersion:  tx.Version,
		CirxTransferTxID: swap.StringPtr(txHash),
		CirxAmount:       swap.StringPtr(res.Amount),
	})
	if err != nil {
		// The payout is on chain but the record does not say so. The next
		// attempt finds it by key.
		log.ErrorContext(ctx, "CIRX transfer sent but not recorded",
			"cirx_transfer_tx_id", txHash,
			"idempotency_key", key,
			"amount", res.Amount,
			"error", err,
		)
		res.Success = true
		res.Error = err.Error()
		s.record("unrecorded")
		return res, fmt.Errorf("transfer %s sent but not recorded: %w", txHash, err)
	}
	tx = initiated

	confirmations := s.awaitConfirmation(ctx, log, txHash)
	res.Confirmations = confirmations
	res.Success = true

	if confirmations == 0 {
		res.Metadata["settlement"] = "awaiting_confirmation"
		log.WarnContext(ctx, "CIRX transfer not confirmed within wait, will re-check",
			"cirx_transfer_tx_id", txHash,
			"wait", s.cfg.ConfirmationWait,
		)
		s.record("awaiting_confirmation")
		return res, nil
	}

	if _, err := s.complete(ctx, tx); err != nil && !errors.Is(err, swap.ErrStaleTransition) {
		log.ErrorContext(ctx, "failed to mark swap completed", "cirx_transfer_tx_id", txHash, "error", err)
		res.Metadata["settlement"] = "awaiting_confirmation"
		s.record("awaiting_confirmation")
		return res, nil
	}
	res.Metadata["settlement"] = "completed"
	s.record("completed")
	log.InfoContext(ctx, "CIRX transfer completed",
		"cirx_transfer_tx_id", txHash,
		"amount", res.Amount,
		"recipient", tx.CirxRecipientAddress,
		"confirmations", confirmations,
	)
	return res, nil
}

func (s *Service) checkBalance(ctx context.Context, amount decimal.Decimal, formatted string) error {
	balance, err := s.client.GetBalance(ctx, s.cfg.WalletAddress)
	if err != nil {
		return fmt.Errorf("failed to check payout wallet balance: %w", err)
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: have %s CIRX, need %s",
			swap.ErrInsufficientBalance, swap.FormatAmount(balance), formatted)
	}
	return nil
}

// idempotencyKey identifies one payout of tx. RetryCount only moves during
// the transfer stage when a broadcast payout failed on chain, so every other
// resend reuses the key of the previous attempt.
func idempotencyKey(tx *swap.Transaction) string {
	return fmt.Sprintf("%s-%d", tx.ID, tx.RetryCount)
}

// sendOutcomeUnknown reports whether a failed send may still have reached
// the node. A 4xx answer is a definite rejection.
func sendOutcomeUnknown(ctx context.Context, err error) bool {
	return swap.IsTransient(err) || errors.Is(err, context.Canceled) || ctx.Err() != nil
}

// checkPreconditions runs the wallet, address and fee checks in order and
// returns the payout quote.
func (s *Service) checkPreconditions(tx *swap.Transaction) (swap.Quote, error) {
	if !s.cfg.WalletConfigured() {
		return swap.Quote{}, swap.ErrWalletNotConfigured
	}
	if err := swap.ValidateCirxAddress(tx.CirxRecipientAddress); err != nil {
		return swap.Quote{}, err
	}
	paid, err := swap.ParseAmount(tx.AmountPaid)
	if err != nil {
		return swap.Quote{}, err
	}
	principal, err := principalOf(tx)
	if err != nil {
		return swap.Quote{}, err
	}
	if err := s.pricing.CheckFeeIncluded(paid, principal, tx.PaymentToken); err != nil {
		return swap.Quote{}, err
	}
	return s.pricing.Quote(principal, tx.PaymentToken)
}

// awaitConfirmation polls until the transfer has one confirmation or the
// wait elapses. Errors while polling are logged and count as unconfirmed.
func (s *Service) awaitConfirmation(ctx context.Context, log *slog.Logger, txHash string) uint64 {
	if s.cfg.ConfirmationWait <= 0 {
		return 0
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmationWait)
	defer cancel()

	var last uint64
	for {
		confirmations, err := s.client.GetConfirmations(waitCtx, txHash)
		if err == nil {
			last = confirmations
			if confirmations >= 1 {
				return confirmations
			}
		} else if waitCtx.Err() == nil {
			log.WarnContext(ctx, "failed to poll CIRX confirmations", "cirx_transfer_tx_id", txHash, "error", err)
		}
		if err := s.sleep(waitCtx, s.cfg.PollInterval); err != nil {
			return last
		}
	}
}

// ConfirmTransfer re-checks a swap in CIRX_TRANSFER_INITIATED. A confirmed
// payout completes the swap; a payout that failed on chain moves it to
// FAILED_CIRX_TRANSFER so recovery can resend under a new idempotency key.
// Otherwise the record is returned unchanged.
func (s *Service) ConfirmTransfer(ctx context.Context, tx *swap.Transaction) (*swap.Transaction, error) {
	if tx.Status != swap.StatusCirxTransferInitiated || tx.CirxTransferTxID == nil {
		return nil, fmt.Errorf("%w: status is %s", swap.ErrNotTransferEligible, tx.Status)
	}
	hash := *tx.CirxTransferTxID
	log := s.logger.With("transaction_id", tx.ID.String(), "cirx_transfer_tx_id", hash)

	receipt, err := s.client.GetReceipt(ctx, hash)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		log.DebugContext(ctx, "CIRX transfer not yet seen by node")
		return tx, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get CIRX receipt: %w", err)
	case receipt.Failed:
		reason := fmt.Sprintf("CIRX transfer %s failed on chain", hash)
		updated, err := s.store.TransitionTransaction(ctx, swap.Transition{
			ID:                tx.ID,
			From:              swap.StatusCirxTransferInitiated,
			To:                swap.StatusFailedCirxTransfer,
			ExpectedVersion:   tx.Version,
			Recovery:          true,
			ClearCirxTransfer: true,
			FailureReason:     &reason,
			IncrementRetry:    true,
		})
		if err != nil {
			return nil, err
		}
		log.WarnContext(ctx, "CIRX transfer failed on chain")
		s.record("failed_on_chain")
		return updated, nil
	}

	confirmations, err := s.client.GetConfirmations(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get CIRX confirmations: %w", err)
	}
	if confirmations == 0 {
		return tx, nil
	}
	updated, err := s.complete(ctx, tx)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "CIRX transfer confirmed", "confirmations", confirmations)
	s.record("completed")
	return updated, nil
}

func (s *Service) complete(ctx context.Context, tx *swap.Transaction) (*swap.Transaction, error) {
	return s.store.TransitionTransaction(ctx, swap.Transition{
		ID:                 tx.ID,
		From:               swap.StatusCirxTransferInitiated,
		To:                 swap.StatusCompleted,
		ExpectedVersion:    tx.Version,
		ClearFailureReason: true,
	})
}

// fail records err on the swap as FAILED_CIRX_TRANSFER from its current
// status. Nothing was broadcast in this attempt.
func (s *Service) fail(ctx context.Context, log *slog.Logger, tx *swap.Transaction, res *swap.TransferResult, cause error) (*swap.TransferResult, error) {
	reason := cause.Error()
	permanent := swap.IsPermanentTransferError(cause)
	res.Success = false
	res.Error = reason
	s.record(outcome(cause))

	_, err := s.store.TransitionTransaction(context.WithoutCancel(ctx), swap.Transition{
		ID:               tx.ID,
		From:             tx.Status,
		To:               swap.StatusFailedCirxTransfer,
		ExpectedVersion:  tx.Version,
		FailureReason:    &reason,
		PermanentFailure: permanent,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to record transfer failure", "cause", cause, "error", err)
		if errors.Is(err, swap.ErrStaleTransition) {
			return res, err
		}
		return res, fmt.Errorf("%w (recording failure: %v)", cause, err)
	}
	log.WarnContext(ctx, "CIRX transfer failed", "from_status", tx.Status, "reason", reason, "permanent", permanent)
	return res, cause
}

// unknown keeps the claimed swap in CIRX_TRANSFER_PENDING and records why
// the send outcome is unknown. The record is written even when ctx was
// cancelled so a shutdown does not lose it.
func (s *Service) unknown(ctx context.Context, log *slog.Logger, tx *swap.Transaction, res *swap.TransferResult, cause error) (*swap.TransferResult, error) {
	cause = fmt.Errorf("%w: %w", swap.ErrSendOutcomeUnknown, cause)
	reason := cause.Error()
	res.Success = false
	res.Error = reason
	s.record("outcome_unknown")

	_, err := s.store.TransitionTransaction(context.WithoutCancel(ctx), swap.Transition{
		ID:              tx.ID,
		From:            swap.StatusCirxTransferPending,
		To:              swap.StatusCirxTransferPending,
		ExpectedVersion: tx.Version,
		FailureReason:   &reason,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to record unknown send outcome", "cause", cause, "error", err)
	} else {
		log.WarnContext(ctx, "CIRX send outcome unknown, will look it up before resending", "reason", reason)
	}
	return res, cause
}

func (s *Service) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTransfer(outcome)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, swap.ErrWalletNotConfigured):
		return "wallet_not_configured"
	case errors.Is(err, swap.ErrInvalidRecipientFormat):
		return "invalid_recipient"
	case errors.Is(err, swap.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, swap.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, swap.ErrUnsupportedToken), errors.Is(err, swap.ErrInvalidAmount):
		return "invalid_swap"
	case swap.IsTransient(err):
		return "unavailable"
	default:
		return "failed"
	}
}
