package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/cirx-otc/service/swap"
)

// CirxTransferWorker pays out verified swaps and settles broadcast payouts.
type CirxTransferWorker struct {
	store      swap.Store
	transferer Transferer
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

// NewCirxTransferWorker creates the worker.
func NewCirxTransferWorker(store swap.Store, transferer Transferer, cfg Config, logger *slog.Logger) *CirxTransferWorker {
	return &CirxTransferWorker{
		store:      store,
		transferer: transferer,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With("worker", CirxTransfer),
	}
}

// Run releases payouts stuck in CIRX_TRANSFER_PENDING, pays out swaps in
// PAYMENT_VERIFIED and re-checks confirmations for CIRX_TRANSFER_INITIATED.
func (w *CirxTransferWorker) Run(ctx context.Context) (PassResult, error) {
	result := PassResult{Worker: CirxTransfer}

	if err := w.releaseStuck(ctx, &result); err != nil {
		return result, err
	}

	txns, err := w.store.ListTransactionsByStatus(ctx,
		[]swap.Status{swap.StatusPaymentVerified, swap.StatusCirxTransferInitiated}, w.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list transferable swaps: %w", err)
	}
	result.Selected += len(txns)

	for _, tx := range txns {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var err error
		switch tx.Status {
		case swap.StatusPaymentVerified:
			err = w.transfer(ctx, tx, &result)
		case swap.StatusCirxTransferInitiated:
			err = w.confirm(ctx, tx, &result)
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// releaseStuck moves claims older than TransferStuckThreshold back to
// PAYMENT_VERIFIED. A claim is only held across the lookup, the balance
// check and the broadcast, so a record still in CIRX_TRANSFER_PENDING after
// that long was abandoned or its send outcome is unknown. The next attempt
// looks the payout up by key before sending. Each release counts as a
// recovery attempt; at the ceiling the record is left to the recovery worker.
func (w *CirxTransferWorker) releaseStuck(ctx context.Context, result *PassResult) error {
	if w.cfg.TransferStuckThreshold <= 0 {
		return nil
	}
	stuck, err := w.store.ListStaleTransactions(ctx, swap.StaleQuery{
		Statuses:      []swap.Status{swap.StatusCirxTransferPending},
		UpdatedBefore: w.now().Add(-w.cfg.TransferStuckThreshold),
		Limit:         w.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list stuck transfers: %w", err)
	}
	result.Selected += len(stuck)

	for _, tx := range stuck {
		log := w.logger.With("transaction_id", tx.ID.String(), "payment_tx_id", tx.PaymentTxID)
		if tx.RecoveryAttempts >= w.cfg.MaxRecoveryAttempts {
			result.Skipped++
			continue
		}
		log.WarnContext(ctx, "releasing stuck transfer claim", "updated_at", tx.UpdatedAt, "failure_reason", tx.FailureReason)
		tr := swap.Transition{
			ID:                tx.ID,
			From:              swap.StatusCirxTransferPending,
			To:                swap.StatusPaymentVerified,
			ExpectedVersion:   tx.Version,
			Recovery:          true,
			IncrementRecovery: true,
		}
		if tx.FailureReason == nil {
			tr.FailureReason = swap.StringPtr(fmt.Sprintf("transfer claim stuck for over %s, retrying", w.cfg.TransferStuckThreshold))
		}
		if err := applyTransition(ctx, w.store, log, result, tr, &result.Retried); err != nil {
			return err
		}
	}
	return nil
}

func (w *CirxTransferWorker) transfer(ctx context.Context, tx *swap.Transaction, result *PassResult) error {
	log := w.logger.With("transaction_id", tx.ID.String(), "payment_tx_id", tx.PaymentTxID)

	res, err := w.transferer.TransferToUser(ctx, tx)
	switch {
	case err == nil && res.Metadata["settlement"] == "completed":
		result.Succeeded++
	case err == nil:
		result.Pending++
	case errors.Is(err, swap.ErrStaleTransition):
		log.InfoContext(ctx, "swap changed concurrently, skipping")
		result.Skipped++
	case errors.Is(err, swap.ErrSendOutcomeUnknown):
		// Recorded on the swap; the claim is released later and the
		// payout looked up by key.
		log.WarnContext(ctx, "CIRX send outcome unknown", "error", err)
		result.Pending++
		if ctx.Err() != nil {
			return ctx.Err()
		}
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		// The failure is already recorded on the swap.
		log.WarnContext(ctx, "CIRX transfer failed", "error", err)
		result.Failed++
	}
	return nil
}

func (w *CirxTransferWorker) confirm(ctx context.Context, tx *swap.Transaction, result *PassResult) error {
	log := w.logger.With("transaction_id", tx.ID.String(), "payment_tx_id", tx.PaymentTxID)

	updated, err := w.transferer.ConfirmTransfer(ctx, tx)
	switch {
	case errors.Is(err, swap.ErrStaleTransition):
		result.Skipped++
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WarnContext(ctx, "failed to re-check CIRX transfer", "error", err)
		result.Pending++
		return nil
	}

	switch updated.Status {
	case swap.StatusCompleted:
		result.Succeeded++
	case swap.StatusFailedCirxTransfer:
		result.Failed++
	default:
		result.Pending++
	}
	return nil
}
