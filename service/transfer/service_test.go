package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/db"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	payoutAddress = "0x1111111111111111111111111111111111111111111111111111111111111111"
	userAddress   = "0x2222222222222222222222222222222222222222222222222222222222222222"
	payoutTxHash  = "0x3333333333333333333333333333333333333333333333333333333333333333"
)

// mockCirx implements chain.Client for testing.
type mockCirx struct {
	GetBalanceFunc       func(ctx context.Context, address string) (decimal.Decimal, error)
	SendTransferFunc     func(ctx context.Context, key, to string, amount decimal.Decimal) (string, error)
	FindTransferFunc     func(ctx context.Context, key string) (string, error)
	GetConfirmationsFunc func(ctx context.Context, hash string) (uint64, error)
	GetReceiptFunc       func(ctx context.Context, hash string) (*chain.Receipt, error)

	sends atomic.Int32
}

func (m *mockCirx) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	return nil, chain.ErrNotFound
}

func (m *mockCirx) GetReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	if m.GetReceiptFunc == nil {
		return &chain.Receipt{Hash: hash, BlockNumber: 1}, nil
	}
	return m.GetReceiptFunc(ctx, hash)
}

func (m *mockCirx) GetConfirmations(ctx context.Context, hash string) (uint64, error) {
	if m.GetConfirmationsFunc == nil {
		return 1, nil
	}
	return m.GetConfirmationsFunc(ctx, hash)
}

func (m *mockCirx) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if m.GetBalanceFunc == nil {
		return decimal.NewFromInt(1_000_000), nil
	}
	return m.GetBalanceFunc(ctx, address)
}

func (m *mockCirx) SendTransfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
	m.sends.Add(1)
	if m.SendTransferFunc == nil {
		return payoutTxHash, nil
	}
	return m.SendTransferFunc(ctx, key, to, amount)
}

func (m *mockCirx) FindTransfer(ctx context.Context, key string) (string, error) {
	if m.FindTransferFunc == nil {
		return "", chain.ErrNotFound
	}
	return m.FindTransferFunc(ctx, key)
}

func testConfig() Config {
	return Config{
		WalletAddress:    payoutAddress,
		WalletKey:        "key",
		ConfirmationWait: time.Second,
		PollInterval:     time.Millisecond,
	}
}

func newTestService(store swap.Store, client chain.Client, cfg Config) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, client, swap.DefaultPricing(), cfg, nil, logger)
	svc.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return svc
}

func createVerified(t *testing.T, store *db.MemoryStore, paid, principal, recipient string) *swap.Transaction {
	t.Helper()
	txn, err := store.CreateTransaction(context.Background(), swap.CreateParams{
		PaymentTxID:          "0xpayment-" + paid + "-" + recipient[len(recipient)-4:],
		PaymentChain:         "ethereum",
		PaymentToken:         "USDC",
		AmountPaid:           paid,
		SwapAmount:           principal,
		CirxRecipientAddress: recipient,
		Status:               swap.StatusPaymentVerified,
	})
	require.NoError(t, err)
	return txn
}

func reload(t *testing.T, store swap.Store, txn *swap.Transaction) *swap.Transaction {
	t.Helper()
	got, err := store.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	return got
}

func TestTransferToUser_Completes(t *testing.T) {
	store := db.NewMemoryStore()
	var sentKey string
	cirx := &mockCirx{
		SendTransferFunc: func(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
			sentKey = key
			assert.Equal(t, userAddress, to)
			assert.Equal(t, "420", amount.String())
			return payoutTxHash, nil
		},
	}
	svc := newTestService(store, cirx, testConfig())
	txn := createVerified(t, store, "1010", "1000", userAddress)

	res, err := svc.TransferToUser(context.Background(), txn)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, payoutTxHash, res.TxHash)
	assert.Equal(t, "420.0", res.Amount)
	assert.Equal(t, uint64(1), res.Confirmations)
	assert.Equal(t, swap.SwapTypeOTC, res.Metadata["swap_type"])
	assert.Equal(t, "completed", res.Metadata["settlement"])
	assert.Equal(t, txn.ID.String()+"-0", sentKey)
	assert.Equal(t, sentKey, res.Metadata["idempotency_key"])

	got := reload(t, store, txn)
	assert.Equal(t, swap.StatusCompleted, got.Status)
	require.NotNil(t, got.CirxTransferTxID)
	assert.Equal(t, payoutTxHash, *got.CirxTransferTxID)
	require.NotNil(t, got.CirxAmount)
	assert.Equal(t, "420.0", *got.CirxAmount)
}

func TestTransferToUser_NotEligible(t *testing.T) {
	store := db.NewMemoryStore()
	cirx := &mockCirx{}
	svc := newTestService(store, cirx, testConfig())
	txn := createVerified(t, store, "1010", "1000", userAddress)
	txn.Status = swap.StatusPendingPaymentVerification

	res, err := svc.TransferToUser(context.Background(), txn)
	assert.True(t, errors.Is(err, swap.ErrNotTransferEligible))
	assert.False(t, res.Success)
	assert.Equal(t, int32(0), cirx.sends.Load())
	assert.Equal(t, swap.StatusPaymentVerified, reload(t, store, txn).Status)
}

func TestTransferToUser_PreconditionFailures(t *testing.T) {
	tests := []struct {
		name      string
		cfg       func(*Config)
		paid      string
		principal string
		recipient string
		wantErr   error
		reason    string
	}{
		{
			name:      "wallet not configured",
			cfg:       func(c *Config) { c.WalletKey = "" },
			paid:      "1010",
			principal: "1000",
			recipient: userAddress,
			wantErr:   swap.ErrWalletNotConfigured,
		},
		{
			name:      "EVM address as recipient",
			paid:      "1010",
			principal: "1000",
			recipient: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
			wantErr:   swap.ErrInvalidRecipientFormat,
			reason:    "EVM address",
		},
		{
			name:      "fee not included",
			paid:      "1000",
			principal: "1000",
			recipient: userAddress,
			wantErr:   swap.ErrInsufficientPayment,
			reason:    "payment amount insufficient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := db.NewMemoryStore()
			cirx := &mockCirx{}
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			svc := newTestService(store, cirx, cfg)
			txn := createVerified(t, store, tt.paid, tt.principal, tt.recipient)

			res, err := svc.TransferToUser(context.Background(), txn)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), err.Error())
			assert.False(t, res.Success)
			assert.Equal(t, int32(0), cirx.sends.Load())

			got := reload(t, store, txn)
			assert.Equal(t, swap.StatusFailedCirxTransfer, got.Status)
			require.NotNil(t, got.FailureReason)
			assert.Contains(t, *got.FailureReason, tt.reason)
			assert.True(t, got.FailurePermanent)
			assert.Nil(t, got.CirxTransferTxID)
		})
	}
}

func TestTransferToUser_FeeWithinTolerance(t *testing.T) {
	store := db.NewMemoryStore()
	svc := newTestService(store, &mockCirx{}, testConfig())
	// 1009 is 0.099% short of 1010.
	txn := createVerified(t, store, "1009", "1000", userAddress)

	_, err := svc.TransferToUser(context.Background(), txn)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCompleted, reload(t, store, txn).Status)
}

func TestTransferToUser_ExecutionFailures(t *testing.T) {
	tests := []struct {
		name    string
		client  *mockCirx
		wantErr error
	}{
		{
			name: "insufficient balance",
			client: &mockCirx{GetBalanceFunc: func(ctx context.Context, address string) (decimal.Decimal, error) {
				assert.Equal(t, payoutAddress, address)
				return decimal.NewFromInt(419), nil
			}},
			wantErr: swap.ErrInsufficientBalance,
		},
		{
			name: "balance check unavailable",
			client: &mockCirx{GetBalanceFunc: func(ctx context.Context, address string) (decimal.Decimal, error) {
				return decimal.Zero, swap.ErrUnavailable
			}},
			wantErr: swap.ErrUnavailable,
		},
		{
			name: "node rejects transfer",
			client: &mockCirx{SendTransferFunc: func(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
				return "", swap.ErrInsufficientBalance
			}},
			wantErr: swap.ErrInsufficientBalance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := db.NewMemoryStore()
			svc := newTestService(store, tt.client, testConfig())
			txn := createVerified(t, store, "1010", "1000", userAddress)

			res, err := svc.TransferToUser(context.Background(), txn)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.False(t, res.Success)

			got := reload(t, store, txn)
			assert.Equal(t, swap.StatusFailedCirxTransfer, got.Status)
			require.NotNil(t, got.FailureReason)
			assert.False(t, got.FailurePermanent)
			assert.Nil(t, got.CirxTransferTxID)
		})
	}
}

func TestTransferToUser_SendOutcomeUnknownStaysPending(t *testing.T) {
	tests := []struct {
		name    string
		sendErr error
		cancel  bool
	}{
		{name: "node unavailable", sendErr: fmt.Errorf("%w: cirx node: 502", swap.ErrUnavailable)},
		{name: "deadline exceeded", sendErr: context.DeadlineExceeded},
		{name: "shutdown mid send", sendErr: context.Canceled, cancel: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			store := db.NewMemoryStore()
			cirx := &mockCirx{SendTransferFunc: func(_ context.Context, key, to string, amount decimal.Decimal) (string, error) {
				if tt.cancel {
					cancel()
				}
				return "", tt.sendErr
			}}
			svc := newTestService(store, cirx, testConfig())
			txn := createVerified(t, store, "1010", "1000", userAddress)

			res, err := svc.TransferToUser(ctx, txn)
			require.Error(t, err)
			assert.False(t, res.Success)

			got := reload(t, store, txn)
			assert.Equal(t, swap.StatusCirxTransferPending, got.Status)
			require.NotNil(t, got.FailureReason)
			assert.True(t, errors.Is(err, swap.ErrSendOutcomeUnknown))
			assert.True(t, strings.HasPrefix(*got.FailureReason, swap.ErrSendOutcomeUnknown.Error()), *got.FailureReason)
			assert.False(t, got.FailurePermanent)
			assert.Nil(t, got.CirxTransferTxID)
		})
	}
}

// idempotentNode accepts at most one transfer per key and can drop the
// response after accepting.
type idempotentNode struct {
	mu        sync.Mutex
	byKey     map[string]string
	dropReply bool
}

func (n *idempotentNode) client() *mockCirx {
	n.byKey = make(map[string]string)
	return &mockCirx{
		SendTransferFunc: func(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
			n.mu.Lock()
			defer n.mu.Unlock()
			hash, ok := n.byKey[key]
			if !ok {
				hash = fmt.Sprintf("0xcirx-%d", len(n.byKey)+1)
				n.byKey[key] = hash
			}
			if n.dropReply {
				return "", fmt.Errorf("%w: cirx node: timeout awaiting response", swap.ErrUnavailable)
			}
			return hash, nil
		},
		FindTransferFunc: func(ctx context.Context, key string) (string, error) {
			n.mu.Lock()
			defer n.mu.Unlock()
			if hash, ok := n.byKey[key]; ok {
				return hash, nil
			}
			return "", chain.ErrNotFound
		},
	}
}

func TestTransferToUser_RetryAfterUnknownOutcomeRecordsAcceptedTransfer(t *testing.T) {
	store := db.NewMemoryStore()
	node := &idempotentNode{dropReply: true}
	cirx := node.client()
	svc := newTestService(store, cirx, testConfig())
	txn := createVerified(t, store, "1010", "1000", userAddress)

	_, err := svc.TransferToUser(context.Background(), txn)
	require.Error(t, err)
	pending := reload(t, store, txn)
	require.Equal(t, swap.StatusCirxTransferPending, pending.Status)

	released, err := store.TransitionTransaction(context.Background(), swap.Transition{
		ID: pending.ID, From: swap.StatusCirxTransferPending, To: swap.StatusPaymentVerified,
		ExpectedVersion: pending.Version, Recovery: true,
	})
	require.NoError(t, err)

	node.dropReply = false
	res, err := svc.TransferToUser(context.Background(), released)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xcirx-1", res.TxHash)
	assert.Equal(t, int32(1), cirx.sends.Load())

	got := reload(t, store, txn)
	assert.Equal(t, swap.StatusCompleted, got.Status)
	require.NotNil(t, got.CirxTransferTxID)
	assert.Equal(t, "0xcirx-1", *got.CirxTransferTxID)
}

func TestTransferToUser_LookupUnavailableDoesNotSend(t *testing.T) {
	store := db.NewMemoryStore()
	cirx := &mockCirx{FindTransferFunc: func(ctx context.Context, key string) (string, error) {
		return "", swap.ErrUnavailable
	}}
	svc := newTestService(store, cirx, testConfig())
	txn := createVerified(t, store, "1010", "1000", userAddress)

	_, err := svc.TransferToUser(context.Background(), txn)
	assert.True(t, errors.Is(err, swap.ErrUnavailable))
	assert.True(t, errors.Is(err, swap.ErrSendOutcomeUnknown))
	assert.Equal(t, int32(0), cirx.sends.Load())
	assert.Equal(t, swap.StatusCirxTransferPending, reload(t, store, txn).Status)
}

func TestTransferToUser_ConfirmationTimeoutLeavesInitiated(t *testing.T) {
	store := db.NewMemoryStore()
	confirmations := uint64(0)
	cirx := &mockCirx{GetConfirmationsFunc: func(ctx context.Context, hash string) (uint64, error) {
		return confirmations, nil
	}}
	cfg := testConfig()
	cfg.ConfirmationWait = 20 * time.Millisecond
	svc := newTestService(store, cirx, cfg)
	svc.sleep = sleepContext
	txn := createVerified(t, store, "1010", "1000", userAddress)

	res, err := svc.TransferToUser(context.Background(), txn)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(0), res.Confirmations)
	assert.Equal(t, "awaiting_confirmation", res.Metadata["settlement"])

	got := reload(t, store, txn)
	assert.Equal(t, swap.StatusCirxTransferInitiated, got.Status)
	require.NotNil(t, got.CirxTransferTxID)

	// Still unconfirmed: no change.
	same, err := svc.ConfirmTransfer(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCirxTransferInitiated, same.Status)

	confirmations = 3
	done, err := svc.ConfirmTransfer(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCompleted, done.Status)
	assert.Equal(t, int32(1), cirx.sends.Load())
}

func TestConfirmTransfer_FailedOnChain(t *testing.T) {
	store := db.NewMemoryStore()
	cirx := &mockCirx{GetConfirmationsFunc: func(ctx context.Context, hash string) (uint64, error) { return 0, nil }}
	cfg := testConfig()
	cfg.ConfirmationWait = 0
	svc := newTestService(store, cirx, cfg)
	txn := createVerified(t, store, "1010", "1000", userAddress)

	_, err := svc.TransferToUser(context.Background(), txn)
	require.NoError(t, err)
	initiated := reload(t, store, txn)
	require.Equal(t, swap.StatusCirxTransferInitiated, initiated.Status)

	cirx.GetReceiptFunc = func(ctx context.Context, hash string) (*chain.Receipt, error) {
		return &chain.Receipt{Hash: hash, Failed: true}, nil
	}
	failed, err := svc.ConfirmTransfer(context.Background(), initiated)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusFailedCirxTransfer, failed.Status)
	assert.Nil(t, failed.CirxTransferTxID)
	assert.Nil(t, failed.CirxAmount)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "failed on chain")

	assert.Equal(t, 1, failed.RetryCount)
	assert.False(t, failed.FailurePermanent)

	_, err = svc.ConfirmTransfer(context.Background(), failed)
	assert.True(t, errors.Is(err, swap.ErrNotTransferEligible))
}

func TestTransferToUser_ResendAfterOnChainFailureUsesNewKey(t *testing.T) {
	store := db.NewMemoryStore()
	node := &idempotentNode{}
	cirx := node.client()
	cirx.GetConfirmationsFunc = func(ctx context.Context, hash string) (uint64, error) { return 0, nil }
	cfg := testConfig()
	cfg.ConfirmationWait = 0
	svc := newTestService(store, cirx, cfg)
	txn := createVerified(t, store, "1010", "1000", userAddress)

	_, err := svc.TransferToUser(context.Background(), txn)
	require.NoError(t, err)

	cirx.GetReceiptFunc = func(ctx context.Context, hash string) (*chain.Receipt, error) {
		return &chain.Receipt{Hash: hash, Failed: hash == "0xcirx-1"}, nil
	}
	failed, err := svc.ConfirmTransfer(context.Background(), reload(t, store, txn))
	require.NoError(t, err)
	require.Equal(t, swap.StatusFailedCirxTransfer, failed.Status)

	retry, err := store.TransitionTransaction(context.Background(), swap.Transition{
		ID: failed.ID, From: swap.StatusFailedCirxTransfer, To: swap.StatusPaymentVerified,
		ExpectedVersion: failed.Version, Recovery: true,
	})
	require.NoError(t, err)

	res, err := svc.TransferToUser(context.Background(), retry)
	require.NoError(t, err)
	assert.Equal(t, "0xcirx-2", res.TxHash)
	assert.Equal(t, txn.ID.String()+"-1", res.Metadata["idempotency_key"])
	assert.Equal(t, int32(2), cirx.sends.Load())
}

func TestTransferToUser_ConcurrentWorkersSendOnce(t *testing.T) {
	store := db.NewMemoryStore()
	cirx := &mockCirx{}
	svc := newTestService(store, cirx, testConfig())
	txn := createVerified(t, store, "1010", "1000", userAddress)

	const workers = 6
	var (
		wg    sync.WaitGroup
		stale atomic.Int32
		ok    atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *txn
			_, err := svc.TransferToUser(context.Background(), &snapshot)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, swap.ErrStaleTransition):
				stale.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(workers-1), stale.Load())
	assert.Equal(t, int32(1), cirx.sends.Load())
	assert.Equal(t, swap.StatusCompleted, reload(t, store, txn).Status)
}

func TestQuote_UsesPrincipal(t *testing.T) {
	svc := newTestService(db.NewMemoryStore(), &mockCirx{}, testConfig())

	q, err := svc.Quote(&swap.Transaction{AmountPaid: "510", SwapAmount: "500", PaymentToken: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, swap.SwapTypeLiquid, q.SwapType)
	assert.Equal(t, "200.0", swap.FormatAmount(q.CirxAmount))

	q, err = svc.Quote(&swap.Transaction{AmountPaid: "500", PaymentToken: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, "200.0", swap.FormatAmount(q.CirxAmount))
}
