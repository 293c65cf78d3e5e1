package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backdateFunc ages a record's updated_at for stale-selection tests.
type backdateFunc func(t *testing.T, id uuid.UUID, age time.Duration)

const testRecipient = "0x1111111111111111111111111111111111111111111111111111111111111111"

func newParams(paymentTxID string, status swap.Status) swap.CreateParams {
	return swap.CreateParams{
		PaymentTxID:          paymentTxID,
		PaymentChain:         "ethereum",
		PaymentToken:         "USDC",
		AmountPaid:           "1010",
		SwapAmount:           "1000",
		SenderAddress:        "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		CirxRecipientAddress: testRecipient,
		Status:               status,
	}
}

// runStoreContract exercises behavior both Store and MemoryStore must share.
func runStoreContract(t *testing.T, store swap.Store, backdate backdateFunc) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		params := newParams("0xcreate", swap.StatusPendingPaymentVerification)
		txn, err := store.CreateTransaction(ctx, params)
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, txn.ID)
		assert.Equal(t, swap.StatusPendingPaymentVerification, txn.Status)
		assert.Equal(t, "1010", txn.AmountPaid)
		assert.Equal(t, "1000", txn.SwapAmount)
		assert.Equal(t, 0, txn.RetryCount)
		assert.Nil(t, txn.CirxTransferTxID)
		assert.Nil(t, txn.FailureReason)
		assert.WithinDuration(t, time.Now(), txn.CreatedAt, 5*time.Second)

		got, err := store.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, got.ID)
		assert.Equal(t, params.PaymentTxID, got.PaymentTxID)

		byPayment, err := store.GetTransactionByPaymentTxID(ctx, params.PaymentTxID)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, byPayment.ID)
	})

	t.Run("duplicate payment tx id", func(t *testing.T) {
		_, err := store.CreateTransaction(ctx, newParams("0xdup", swap.StatusPendingPaymentVerification))
		require.NoError(t, err)

		_, err = store.CreateTransaction(ctx, newParams("0xdup", swap.StatusPendingPaymentVerification))
		require.Error(t, err)
		assert.True(t, errors.Is(err, swap.ErrDuplicatePayment))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.GetTransaction(ctx, uuid.New())
		assert.True(t, errors.Is(err, swap.ErrTransactionNotFound))
	})

	t.Run("transition applies fields", func(t *testing.T) {
		txn, err := store.CreateTransaction(ctx, newParams("0xfields", swap.StatusPendingPaymentVerification))
		require.NoError(t, err)

		retried, err := store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusPendingPaymentVerification, To: swap.StatusPendingPaymentVerification,
			IncrementRetry: true, FailureReason: swap.StringPtr("rpc timeout"),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, retried.RetryCount)
		require.NotNil(t, retried.LastRetryAt)
		assert.Equal(t, "rpc timeout", *retried.FailureReason)
		assert.Greater(t, retried.Version, txn.Version)

		verified, err := store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusPendingPaymentVerification, To: swap.StatusPaymentVerified,
			ClearFailureReason: true, ResetRetry: true,
		})
		require.NoError(t, err)
		assert.Equal(t, swap.StatusPaymentVerified, verified.Status)
		assert.Nil(t, verified.FailureReason)
		assert.Equal(t, 0, verified.RetryCount)

		_, err = store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusPaymentVerified, To: swap.StatusCirxTransferPending,
		})
		require.NoError(t, err)

		sent, err := store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusCirxTransferPending, To: swap.StatusCirxTransferInitiated,
			CirxTransferTxID: swap.StringPtr("0xpayout"), CirxAmount: swap.StringPtr("400.0"),
		})
		require.NoError(t, err)
		require.NotNil(t, sent.CirxTransferTxID)
		assert.Equal(t, "0xpayout", *sent.CirxTransferTxID)
		assert.Equal(t, "400.0", *sent.CirxAmount)

		done, err := store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusCirxTransferInitiated, To: swap.StatusCompleted,
		})
		require.NoError(t, err)
		assert.Equal(t, swap.StatusCompleted, done.Status)
		assert.Equal(t, "0xpayout", *done.CirxTransferTxID)
	})

	t.Run("stale from status loses", func(t *testing.T) {
		txn, err := store.CreateTransaction(ctx, newParams("0xstale", swap.StatusPendingPaymentVerification))
		require.NoError(t, err)

		_, err = store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusPaymentVerified, To: swap.StatusCirxTransferPending,
		})
		assert.True(t, errors.Is(err, swap.ErrStaleTransition))

		_, err = store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusPendingPaymentVerification, To: swap.StatusPaymentVerified,
			ExpectedVersion: txn.Version + 10,
		})
		assert.True(t, errors.Is(err, swap.ErrStaleTransition))

		unchanged, err := store.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, swap.StatusPendingPaymentVerification, unchanged.Status)
	})

	t.Run("invalid edge rejected", func(t *testing.T) {
		txn, err := store.CreateTransaction(ctx, newParams("0xedge", swap.StatusPendingPaymentVerification))
		require.NoError(t, err)

		_, err = store.TransitionTransaction(ctx, swap.Transition{
			ID: txn.ID, From: swap.StatusPendingPaymentVerification, To: swap.StatusCompleted,
		})
		assert.True(t, errors.Is(err, swap.ErrInvalidTransition))
	})

	t.Run("concurrent claims produce one transition", func(t *testing.T) {
		txn, err := store.CreateTransaction(ctx, newParams("0xrace", swap.StatusPaymentVerified))
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			wins     atomic.Int32
			stale    atomic.Int32
			claimers = 8
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.TransitionTransaction(ctx, swap.Transition{
					ID: txn.ID, From: swap.StatusPaymentVerified, To: swap.StatusCirxTransferPending,
				})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, swap.ErrStaleTransition):
					stale.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(claimers-1), stale.Load())
	})

	t.Run("list by status and stale", func(t *testing.T) {
		fresh, err := store.CreateTransaction(ctx, newParams("0xlist-fresh", swap.StatusPendingPaymentVerification))
		require.NoError(t, err)
		old, err := store.CreateTransaction(ctx, newParams("0xlist-old", swap.StatusPendingPaymentVerification))
		require.NoError(t, err)
		backdate(t, old.ID, 2*time.Hour)

		exhausted, err := store.CreateTransaction(ctx, newParams("0xlist-exhausted", swap.StatusPaymentVerified))
		require.NoError(t, err)
		_, err = store.TransitionTransaction(ctx, swap.Transition{
			ID: exhausted.ID, From: swap.StatusPaymentVerified, To: swap.StatusFailedCirxTransfer,
			FailureReason: swap.StringPtr("insufficient balance"),
		})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err = store.TransitionTransaction(ctx, swap.Transition{
				ID: exhausted.ID, From: swap.StatusFailedCirxTransfer, To: swap.StatusFailedCirxTransfer,
				Recovery: true, IncrementRecovery: true,
			})
			require.NoError(t, err)
		}
		backdate(t, exhausted.ID, 2*time.Hour)

		pending, err := store.ListTransactionsByStatus(ctx, []swap.Status{swap.StatusPendingPaymentVerification}, 100)
		require.NoError(t, err)
		ids := idsOf(pending)
		assert.Contains(t, ids, fresh.ID)
		assert.Contains(t, ids, old.ID)
		// Oldest first.
		assert.Equal(t, old.ID, pending[0].ID)

		stale, err := store.ListStaleTransactions(ctx, swap.StaleQuery{
			Statuses:            []swap.Status{swap.StatusPendingPaymentVerification, swap.StatusFailedCirxTransfer},
			UpdatedBefore:       time.Now().Add(-time.Hour),
			MaxRecoveryAttempts: 3,
			Limit:               100,
		})
		require.NoError(t, err)
		ids = idsOf(stale)
		assert.Contains(t, ids, old.ID)
		assert.NotContains(t, ids, fresh.ID)
		assert.NotContains(t, ids, exhausted.ID)

		stale, err = store.ListStaleTransactions(ctx, swap.StaleQuery{
			Statuses:            []swap.Status{swap.StatusFailedCirxTransfer},
			UpdatedBefore:       time.Now().Add(-time.Hour),
			MaxRecoveryAttempts: 4,
			Limit:               100,
		})
		require.NoError(t, err)
		assert.Contains(t, idsOf(stale), exhausted.ID)
	})

	t.Run("permanent transfer failure is not stale", func(t *testing.T) {
		permanent, err := store.CreateTransaction(ctx, newParams("0xlist-permanent", swap.StatusPaymentVerified))
		require.NoError(t, err)
		failed, err := store.TransitionTransaction(ctx, swap.Transition{
			ID: permanent.ID, From: swap.StatusPaymentVerified, To: swap.StatusFailedCirxTransfer,
			FailureReason: swap.StringPtr("payment amount insufficient"), PermanentFailure: true,
		})
		require.NoError(t, err)
		assert.True(t, failed.FailurePermanent)
		assert.True(t, failed.IsTerminal(3))
		backdate(t, permanent.ID, 2*time.Hour)

		stale, err := store.ListStaleTransactions(ctx, swap.StaleQuery{
			Statuses:            []swap.Status{swap.StatusFailedCirxTransfer},
			UpdatedBefore:       time.Now().Add(-time.Hour),
			MaxRecoveryAttempts: 3,
			Limit:               100,
		})
		require.NoError(t, err)
		assert.NotContains(t, idsOf(stale), permanent.ID)

		cleared, err := store.TransitionTransaction(ctx, swap.Transition{
			ID: permanent.ID, From: swap.StatusFailedCirxTransfer, To: swap.StatusPaymentVerified,
			Recovery: true, ClearFailureReason: true,
		})
		require.NoError(t, err)
		assert.False(t, cleared.FailurePermanent)
		assert.Nil(t, cleared.FailureReason)
	})
}

func idsOf(txns []*swap.Transaction) []uuid.UUID {
	ids := make([]uuid.UUID, len(txns))
	for i, txn := range txns {
		ids[i] = txn.ID
	}
	return ids
}

func TestMemoryStore_Contract(t *testing.T) {
	store := NewMemoryStore()
	runStoreContract(t, store, func(t *testing.T, id uuid.UUID, age time.Duration) {
		store.Backdate(id, age)
	})
}

func TestStore_Contract(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)
	defer store.Cleanup(t)

	runStoreContract(t, store.Store, func(t *testing.T, id uuid.UUID, age time.Duration) {
		store.MustExec(t, "UPDATE swap_transactions SET updated_at = now() - make_interval(secs => $2) WHERE id = $1",
			id.String(), age.Seconds())
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	txn, err := store.CreateTransaction(ctx, newParams("0xcopy", swap.StatusPendingPaymentVerification))
	require.NoError(t, err)
	txn.Status = swap.StatusCompleted

	got, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusPendingPaymentVerification, got.Status)
}

func TestMemoryStore_CountByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.CreateTransaction(ctx, newParams(fmt.Sprintf("0xcount%d", i), swap.StatusPendingPaymentVerification))
		require.NoError(t, err)
	}
	_, err := store.CreateTransaction(ctx, newParams("0xcount-pv", swap.StatusPaymentVerified))
	require.NoError(t, err)

	counts, err := store.CountTransactionsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[swap.StatusPendingPaymentVerification])
	assert.Equal(t, int64(1), counts[swap.StatusPaymentVerified])
}

func TestBuildTransitionQuery(t *testing.T) {
	id := uuid.New()
	query, args := buildTransitionQuery(swap.Transition{
		ID: id, From: swap.StatusCirxTransferPending, To: swap.StatusCirxTransferInitiated,
		CirxTransferTxID: swap.StringPtr("0xabc"), CirxAmount: swap.StringPtr("1.0"),
		ExpectedVersion: 4,
	})

	assert.Contains(t, query, "swap_status = $1")
	assert.Contains(t, query, "cirx_transfer_tx_id = $4")
	assert.Contains(t, query, "cirx_amount = $5")
	assert.Contains(t, query, "version = $6")
	assert.Contains(t, query, "WHERE id = $2 AND swap_status = $3")
	assert.Equal(t, []any{"cirx_transfer_initiated", id.String(), "cirx_transfer_pending", "0xabc", "1.0", int64(4)}, args)

	query, args = buildTransitionQuery(swap.Transition{
		ID: id, From: swap.StatusPaymentVerified, To: swap.StatusFailedCirxTransfer,
		FailureReason: swap.StringPtr("payout wallet not configured"), PermanentFailure: true,
	})
	assert.Contains(t, query, "failure_reason = $4, failure_permanent = $5")
	assert.Equal(t, []any{"failed_cirx_transfer", id.String(), "payment_verified", "payout wallet not configured", true}, args)
}
