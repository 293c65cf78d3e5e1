package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/swap"
)

// StuckTransactionRecoveryWorker reclaims swaps that have sat in a
// non-terminal status longer than StuckThreshold. Every reclaim counts
// against MaxRecoveryAttempts so no swap is retried forever.
type StuckTransactionRecoveryWorker struct {
	store      swap.Store
	transferer Transferer
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

// NewStuckTransactionRecoveryWorker creates the worker. transferer is used
// to re-check payouts stuck in CIRX_TRANSFER_INITIATED and may be nil.
func NewStuckTransactionRecoveryWorker(store swap.Store, transferer Transferer, cfg Config, logger *slog.Logger) *StuckTransactionRecoveryWorker {
	return &StuckTransactionRecoveryWorker{
		store:      store,
		transferer: transferer,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With("worker", Recovery),
	}
}

// Run processes one batch of stuck swaps. The passes that should pick the
// recovered swaps up are listed in PassResult.Requeue.
func (w *StuckTransactionRecoveryWorker) Run(ctx context.Context) (PassResult, error) {
	result := PassResult{Worker: Recovery}

	// Failed payouts at the ceiling are selected once more so giveUp can
	// stamp the final reason; that bumps them past the query bound.
	stuck, err := w.store.ListStaleTransactions(ctx, swap.StaleQuery{
		Statuses:            nonTerminal,
		UpdatedBefore:       w.now().Add(-w.cfg.StuckThreshold),
		MaxRecoveryAttempts: w.cfg.MaxRecoveryAttempts + 1,
		Limit:               w.cfg.BatchSize,
	})
	if err != nil {
		return result, fmt.Errorf("failed to list stuck swaps: %w", err)
	}
	result.Selected = len(stuck)

	for _, tx := range stuck {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := w.recover(ctx, tx, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (w *StuckTransactionRecoveryWorker) recover(ctx context.Context, tx *swap.Transaction, result *PassResult) error {
	log := w.logger.With(
		"transaction_id", tx.ID.String(),
		"payment_tx_id", tx.PaymentTxID,
		"status", tx.Status,
		"recovery_attempts", tx.RecoveryAttempts,
	)

	if tx.Status == swap.StatusCirxTransferInitiated && w.transferer != nil {
		updated, err := w.transferer.ConfirmTransfer(ctx, tx)
		switch {
		case errors.Is(err, swap.ErrStaleTransition):
			result.Skipped++
			return nil
		case err != nil:
			log.WarnContext(ctx, "failed to re-check stuck CIRX transfer", "error", err)
		case updated.Status != tx.Status:
			log.InfoContext(ctx, "stuck CIRX transfer settled", "status", updated.Status)
			result.Succeeded++
			return nil
		}
	}

	if tx.Status == swap.StatusFailedCirxTransfer && tx.FailurePermanent {
		log.DebugContext(ctx, "transfer failure is permanent, not retrying")
		result.Skipped++
		return nil
	}

	if tx.RecoveryAttempts >= w.cfg.MaxRecoveryAttempts {
		return w.giveUp(ctx, log, tx, result)
	}

	tr, pass := recoveryTransition(tx)
	// The last cause is kept; only a previous stuck note is replaced.
	if tx.FailureReason == nil || strings.HasPrefix(*tx.FailureReason, stuckReasonPrefix) {
		tr.FailureReason = swap.StringPtr(fmt.Sprintf("%s %s for %s (attempt %d of %d)",
			stuckReasonPrefix, tx.Status, w.now().Sub(tx.UpdatedAt).Round(time.Second), tx.RecoveryAttempts+1, w.cfg.MaxRecoveryAttempts))
	}

	before := result.Skipped
	if err := applyTransition(ctx, w.store, log, result, tr, &result.Retried); err != nil {
		return err
	}
	if result.Skipped == before {
		log.InfoContext(ctx, "stuck swap recovered", "to", tr.To, "requeue", pass)
		result.requeue(pass)
	}
	return nil
}

// recoveryTransition returns the reclaim edge for tx and the pass that
// should process it next.
func recoveryTransition(tx *swap.Transaction) (swap.Transition, string) {
	tr := swap.Transition{
		ID:                tx.ID,
		From:              tx.Status,
		ExpectedVersion:   tx.Version,
		Recovery:          true,
		IncrementRecovery: true,
	}
	switch tx.Status {
	case swap.StatusInitiated, swap.StatusPendingPaymentVerification:
		tr.To = swap.StatusPendingPaymentVerification
		return tr, PaymentVerification
	case swap.StatusCirxTransferInitiated:
		tr.To = swap.StatusCirxTransferInitiated
		return tr, CirxTransfer
	default:
		// PAYMENT_VERIFIED, CIRX_TRANSFER_PENDING and FAILED_CIRX_TRANSFER
		// all go back to the transfer worker.
		tr.To = swap.StatusPaymentVerified
		return tr, CirxTransfer
	}
}

// giveUp moves tx to its permanent failure status. The reason keeps the
// last recorded cause.
func (w *StuckTransactionRecoveryWorker) giveUp(ctx context.Context, log *slog.Logger, tx *swap.Transaction, result *PassResult) error {
	reason := MaxRecoveryReason
	if tx.FailureReason != nil && *tx.FailureReason != "" {
		reason += ": " + *tx.FailureReason
	}
	tr := swap.Transition{
		ID:                tx.ID,
		From:              tx.Status,
		To:                swap.StatusFailedCirxTransfer,
		ExpectedVersion:   tx.Version,
		Recovery:          true,
		IncrementRecovery: true,
		PermanentFailure:  true,
	}
	switch tx.Status {
	case swap.StatusInitiated, swap.StatusPendingPaymentVerification:
		// Payment was never verified, so no payout can have failed.
		tr.To = swap.StatusFailedPaymentVerification
		tr.PermanentFailure = false
	case swap.StatusCirxTransferInitiated:
		tr.ClearCirxTransfer = true
		if tx.CirxTransferTxID != nil {
			reason = fmt.Sprintf("%s (unconfirmed CIRX transfer %s)", reason, *tx.CirxTransferTxID)
		}
	}
	tr.FailureReason = &reason

	log.WarnContext(ctx, "giving up on stuck swap", "to", tr.To)
	return applyTransition(ctx, w.store, log, result, tr, &result.Failed)
}
