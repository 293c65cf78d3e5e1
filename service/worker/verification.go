package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/brojonat/cirx-otc/service/verify"
)

// PaymentVerificationWorker verifies payments for swaps in
// PENDING_PAYMENT_VERIFICATION.
type PaymentVerificationWorker struct {
	store    swap.Store
	verifier Verifier
	cfg      Config
	logger   *slog.Logger
}

// NewPaymentVerificationWorker creates the worker.
func NewPaymentVerificationWorker(store swap.Store, verifier Verifier, cfg Config, logger *slog.Logger) *PaymentVerificationWorker {
	return &PaymentVerificationWorker{
		store:    store,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger.With("worker", PaymentVerification),
	}
}

// Run processes one batch. Transient failures bump retry_count and leave the
// swap pending until MaxVerificationRetries is reached; durable failures
// fail the swap immediately.
func (w *PaymentVerificationWorker) Run(ctx context.Context) (PassResult, error) {
	result := PassResult{Worker: PaymentVerification}

	txns, err := w.store.ListTransactionsByStatus(ctx, []swap.Status{swap.StatusPendingPaymentVerification}, w.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list pending swaps: %w", err)
	}
	result.Selected = len(txns)

	for _, tx := range txns {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := w.process(ctx, tx, &result); err != nil {
			return result, err
		}
	}
	if result.Succeeded > 0 {
		result.requeue(CirxTransfer)
	}
	return result, nil
}

func (w *PaymentVerificationWorker) process(ctx context.Context, tx *swap.Transaction, result *PassResult) error {
	log := w.logger.With(
		"transaction_id", tx.ID.String(),
		"payment_tx_id", tx.PaymentTxID,
		"chain", tx.PaymentChain,
	)

	wallet := w.cfg.ProjectWallet(tx.PaymentChain)
	if wallet == "" {
		log.ErrorContext(ctx, "no project wallet configured for chain, leaving swap pending")
		result.Skipped++
		return nil
	}
	expected, err := swap.ParseAmount(tx.AmountPaid)
	if err != nil {
		return w.apply(ctx, log, result, swap.Transition{
			ID:              tx.ID,
			From:            swap.StatusPendingPaymentVerification,
			To:              swap.StatusFailedPaymentVerification,
			ExpectedVersion: tx.Version,
			FailureReason:   swap.StringPtr(err.Error()),
		}, &result.Failed)
	}

	res, verr := w.verifier.VerifyPayment(ctx, verify.Request{
		TxHash:         tx.PaymentTxID,
		Chain:          tx.PaymentChain,
		ExpectedAmount: expected,
		Token:          tx.PaymentToken,
		ProjectWallet:  wallet,
	})
	if ctx.Err() != nil {
		// Shutting down; the swap stays pending for the next pass.
		return ctx.Err()
	}

	tr := swap.Transition{
		ID:              tx.ID,
		From:            swap.StatusPendingPaymentVerification,
		ExpectedVersion: tx.Version,
	}
	switch {
	case verr == nil:
		tr.To = swap.StatusPaymentVerified
		tr.ResetRetry = true
		tr.ClearFailureReason = true
		log.InfoContext(ctx, "payment verified", "amount", res.Amount, "source", res.Metadata["source"])
		return w.apply(ctx, log, result, tr, &result.Succeeded)

	case swap.IsTransient(verr) && tx.RetryCount+1 < w.cfg.MaxVerificationRetries:
		tr.To = swap.StatusPendingPaymentVerification
		tr.IncrementRetry = true
		tr.FailureReason = swap.StringPtr(verr.Error())
		log.WarnContext(ctx, "transient verification failure, will retry",
			"retry_count", tx.RetryCount+1,
			"max_retries", w.cfg.MaxVerificationRetries,
			"error", verr,
		)
		return w.apply(ctx, log, result, tr, &result.Retried)

	case swap.IsTransient(verr):
		tr.To = swap.StatusFailedPaymentVerification
		tr.IncrementRetry = true
		tr.FailureReason = swap.StringPtr(fmt.Sprintf("verification retries exhausted after %d attempts: %v", tx.RetryCount+1, verr))
		log.WarnContext(ctx, "verification retries exhausted", "error", verr)
		return w.apply(ctx, log, result, tr, &result.Failed)

	default:
		tr.To = swap.StatusFailedPaymentVerification
		tr.FailureReason = swap.StringPtr(verr.Error())
		log.WarnContext(ctx, "payment verification failed", "outcome", verify.Outcome(verr), "error", verr)
		return w.apply(ctx, log, result, tr, &result.Failed)
	}
}

// apply runs tr and bumps counter on success. A lost compare-and-set is
// counted as skipped; other store errors abort the pass.
func (w *PaymentVerificationWorker) apply(ctx context.Context, log *slog.Logger, result *PassResult, tr swap.Transition, counter *int) error {
	return applyTransition(ctx, w.store, log, result, tr, counter)
}

func applyTransition(ctx context.Context, store swap.Store, log *slog.Logger, result *PassResult, tr swap.Transition, counter *int) error {
	_, err := store.TransitionTransaction(ctx, tr)
	switch {
	case err == nil:
		*counter++
		return nil
	case errors.Is(err, swap.ErrStaleTransition):
		log.InfoContext(ctx, "swap changed concurrently, skipping", "from", tr.From, "to", tr.To)
		result.Skipped++
		return nil
	default:
		return fmt.Errorf("failed to transition swap %s %s -> %s: %w", tr.ID, tr.From, tr.To, err)
	}
}
