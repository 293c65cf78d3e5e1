package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/solana"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	projectEVM    = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	otherEVM      = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	usdcEthereum  = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	usdcSolana    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	projectSolana = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	paymentHash   = "0x8a3f1c0e6b7d2a9f4e5c3b1a0d9e8f7c6b5a4d3e2f1a0b9c8d7e6f5a4b3c2d1e"
)

type mockIndexer struct {
	healthy bool
	GetFunc func(ctx context.Context, chainName, hash string) (*chain.Transaction, error)
	gets    int
}

func (m *mockIndexer) Healthy(ctx context.Context) bool { return m.healthy }

func (m *mockIndexer) GetTransactionByHash(ctx context.Context, chainName, hash string) (*chain.Transaction, error) {
	m.gets++
	return m.GetFunc(ctx, chainName, hash)
}

type mockReader struct {
	GetTransactionFunc func(ctx context.Context, hash string) (*chain.Transaction, error)
	calls              int
}

func (m *mockReader) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	m.calls++
	return m.GetTransactionFunc(ctx, hash)
}

func (m *mockReader) GetReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	return nil, errors.New("not used")
}

func (m *mockReader) GetConfirmations(ctx context.Context, hash string) (uint64, error) {
	return 0, errors.New("not used")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wei(eth string) *big.Int {
	return chain.FromDecimal(decimal.RequireFromString(eth), 18)
}

func nativeTx(to string, eth string, confirmations uint64) *chain.Transaction {
	return &chain.Transaction{
		Hash:          paymentHash,
		Chain:         "ethereum",
		From:          otherEVM,
		To:            to,
		Value:         wei(eth),
		BlockNumber:   100,
		Confirmations: confirmations,
	}
}

func usdcTx(to string, baseUnits int64, confirmations uint64) *chain.Transaction {
	return &chain.Transaction{
		Hash:          paymentHash,
		Chain:         "ethereum",
		To:            usdcEthereum,
		Value:         new(big.Int),
		BlockNumber:   100,
		Confirmations: confirmations,
		TokenTransfers: []chain.TokenTransfer{
			{Token: usdcEthereum, From: otherEVM, To: to, Amount: big.NewInt(baseUnits)},
		},
	}
}

func newService(t *testing.T, indexer Indexer, readers map[string]chain.Reader) *Service {
	t.Helper()
	registry := chain.NewRegistry()
	for name, r := range readers {
		require.NoError(t, registry.Register(name, r))
	}
	return NewService(indexer, registry, nil, 0, nil, testLogger())
}

func ethRequest(amount, token string) Request {
	return Request{
		TxHash:         paymentHash,
		Chain:          "ethereum",
		ExpectedAmount: decimal.RequireFromString(amount),
		Token:          token,
		ProjectWallet:  projectEVM,
	}
}

func TestVerifyPayment_IndexerNative(t *testing.T) {
	indexer := &mockIndexer{
		healthy: true,
		GetFunc: func(ctx context.Context, chainName, hash string) (*chain.Transaction, error) {
			assert.Equal(t, "ethereum", chainName)
			assert.Equal(t, paymentHash, hash)
			return nativeTx(projectEVM, "0.5", 12), nil
		},
	}
	reader := &mockReader{}
	svc := newService(t, indexer, map[string]chain.Reader{"ethereum": reader})

	res, err := svc.VerifyPayment(context.Background(), ethRequest("0.5", "ETH"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0.5", res.Amount)
	assert.Equal(t, projectEVM, res.Recipient)
	assert.Equal(t, uint64(12), res.Confirmations)
	assert.Equal(t, SourceIndexer, res.Metadata["source"])
	assert.Equal(t, "native", res.Metadata["method"])
	assert.Equal(t, "100", res.Metadata["block_number"])
	assert.Equal(t, 0, reader.calls)
}

func TestVerifyPayment_IndexerMissingRecordIsNotFound(t *testing.T) {
	indexer := &mockIndexer{
		healthy: true,
		GetFunc: func(ctx context.Context, chainName, hash string) (*chain.Transaction, error) { return nil, nil },
	}
	reader := &mockReader{}
	svc := newService(t, indexer, map[string]chain.Reader{"ethereum": reader})

	res, err := svc.VerifyPayment(context.Background(), ethRequest("1", "ETH"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, swap.ErrPaymentNotFound))
	assert.False(t, swap.IsTransient(err))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 0, reader.calls)
}

func TestVerifyPayment_FallsBackToRPC(t *testing.T) {
	rpcTx := func(ctx context.Context, hash string) (*chain.Transaction, error) {
		return nativeTx(projectEVM, "1", 15), nil
	}

	t.Run("unhealthy indexer", func(t *testing.T) {
		indexer := &mockIndexer{healthy: false}
		reader := &mockReader{GetTransactionFunc: rpcTx}
		svc := newService(t, indexer, map[string]chain.Reader{"ethereum": reader})

		res, err := svc.VerifyPayment(context.Background(), ethRequest("1", "ETH"))
		require.NoError(t, err)
		assert.Equal(t, SourceRPC, res.Metadata["source"])
		assert.Equal(t, 0, indexer.gets)
		assert.Equal(t, 1, reader.calls)
	})

	t.Run("indexer lookup error", func(t *testing.T) {
		indexer := &mockIndexer{
			healthy: true,
			GetFunc: func(ctx context.Context, chainName, hash string) (*chain.Transaction, error) {
				return nil, swap.ErrUnavailable
			},
		}
		reader := &mockReader{GetTransactionFunc: rpcTx}
		svc := newService(t, indexer, map[string]chain.Reader{"ethereum": reader})

		res, err := svc.VerifyPayment(context.Background(), ethRequest("1", "ETH"))
		require.NoError(t, err)
		assert.Equal(t, SourceRPC, res.Metadata["source"])
	})

	t.Run("no indexer configured", func(t *testing.T) {
		reader := &mockReader{GetTransactionFunc: rpcTx}
		svc := newService(t, nil, map[string]chain.Reader{"ethereum": reader})

		_, err := svc.VerifyPayment(context.Background(), ethRequest("1", "ETH"))
		require.NoError(t, err)
	})
}

func TestVerifyPayment_RPCErrors(t *testing.T) {
	t.Run("not found is durable", func(t *testing.T) {
		reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) {
			return nil, chain.ErrNotFound
		}}
		svc := newService(t, nil, map[string]chain.Reader{"ethereum": reader})

		_, err := svc.VerifyPayment(context.Background(), ethRequest("1", "ETH"))
		assert.True(t, errors.Is(err, swap.ErrPaymentNotFound))
		assert.False(t, swap.IsTransient(err))
	})

	t.Run("rpc failure is transient", func(t *testing.T) {
		reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) {
			return nil, errors.New("dial tcp: connection refused")
		}}
		svc := newService(t, nil, map[string]chain.Reader{"ethereum": reader})

		_, err := svc.VerifyPayment(context.Background(), ethRequest("1", "ETH"))
		assert.True(t, swap.IsTransient(err))
		assert.Equal(t, "unavailable", Outcome(err))
	})

	t.Run("missing reader is transient", func(t *testing.T) {
		svc := newService(t, nil, nil)
		_, err := svc.VerifyPayment(context.Background(), ethRequest("1", "ETH"))
		assert.True(t, swap.IsTransient(err))
	})

	t.Run("unsupported chain", func(t *testing.T) {
		svc := newService(t, nil, nil)
		req := ethRequest("1", "ETH")
		req.Chain = "bitcoin"
		_, err := svc.VerifyPayment(context.Background(), req)
		assert.True(t, errors.Is(err, swap.ErrUnsupportedChain))
		assert.False(t, swap.IsTransient(err))
	})
}

func TestVerifyPayment_DurableRejections(t *testing.T) {
	tests := []struct {
		name    string
		chain   string
		tx      *chain.Transaction
		req     Request
		wantErr error
		outcome string
	}{
		{
			name:    "failed on chain",
			tx:      func() *chain.Transaction { tx := nativeTx(projectEVM, "1", 20); tx.Failed = true; return tx }(),
			req:     ethRequest("1", "ETH"),
			wantErr: swap.ErrFailedOnChain,
			outcome: "failed_on_chain",
		},
		{
			name:    "one confirmation short on ethereum",
			tx:      nativeTx(projectEVM, "1", 11),
			req:     ethRequest("1", "ETH"),
			wantErr: swap.ErrInsufficientConfirmations,
			outcome: "insufficient_confirmations",
		},
		{
			name:    "wrong native recipient",
			tx:      nativeTx(otherEVM, "1", 12),
			req:     ethRequest("1", "ETH"),
			wantErr: swap.ErrWrongRecipient,
			outcome: "wrong_recipient",
		},
		{
			name:    "native amount short",
			tx:      nativeTx(projectEVM, "0.999999999999999999", 12),
			req:     ethRequest("1", "ETH"),
			wantErr: swap.ErrInsufficientAmount,
			outcome: "insufficient_amount",
		},
		{
			name:    "token sent elsewhere",
			tx:      usdcTx(otherEVM, 1_000_000_000, 12),
			req:     ethRequest("1000", "USDC"),
			wantErr: swap.ErrWrongRecipient,
			outcome: "wrong_recipient",
		},
		{
			name:    "token amount short by one base unit",
			tx:      usdcTx(projectEVM, 999_999_999, 12),
			req:     ethRequest("1000", "USDC"),
			wantErr: swap.ErrInsufficientAmount,
			outcome: "insufficient_amount",
		},
		{
			name:    "no transfer of requested token",
			tx:      usdcTx(projectEVM, 1_000_000_000, 12),
			req:     ethRequest("1000", "USDT"),
			wantErr: swap.ErrPaymentNotFound,
			outcome: "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) {
				return tt.tx, nil
			}}
			svc := newService(t, nil, map[string]chain.Reader{"ethereum": reader})

			res, err := svc.VerifyPayment(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), err.Error())
			assert.False(t, swap.IsTransient(err))
			assert.Equal(t, tt.outcome, Outcome(err))
			assert.False(t, res.Success)
			assert.Equal(t, err.Error(), res.Error)
		})
	}
}

func TestVerifyPayment_ERC20Scaling(t *testing.T) {
	reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) {
		// Recipient casing differs from the configured wallet.
		return usdcTx(strings.ToLower(projectEVM), 1_010_000_000, 12), nil
	}}
	svc := newService(t, nil, map[string]chain.Reader{"ethereum": reader})

	res, err := svc.VerifyPayment(context.Background(), ethRequest("1010", "usdc"))
	require.NoError(t, err)
	assert.Equal(t, "1010.0", res.Amount)
	assert.Equal(t, "token_transfer", res.Metadata["method"])
}

func TestVerifyPayment_PolygonNeedsTwentyConfirmations(t *testing.T) {
	tx := nativeTx(projectEVM, "100", 19)
	reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) { return tx, nil }}
	svc := newService(t, nil, map[string]chain.Reader{"polygon": reader})

	req := ethRequest("100", "MATIC")
	req.Chain = "polygon"
	_, err := svc.VerifyPayment(context.Background(), req)
	assert.True(t, errors.Is(err, swap.ErrInsufficientConfirmations))

	tx.Confirmations = 20
	res, err := svc.VerifyPayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "100.0", res.Amount)
}

func TestVerifyPayment_SolanaTokenAccounts(t *testing.T) {
	ata, err := solana.AssociatedTokenAccount(projectSolana, usdcSolana)
	require.NoError(t, err)

	tests := []struct {
		name     string
		transfer chain.TokenTransfer
	}{
		{"owner of destination account", chain.TokenTransfer{Token: usdcSolana, To: "SomeTokenAccount1111111111111111111111111", ToOwner: projectSolana}},
		{"associated token account", chain.TokenTransfer{Token: usdcSolana, To: ata}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.transfer.Amount = big.NewInt(250_000_000)
			tx := &chain.Transaction{
				Hash:           "sig",
				Chain:          "solana",
				Value:          new(big.Int),
				Confirmations:  solana.FinalizedConfirmations,
				TokenTransfers: []chain.TokenTransfer{tt.transfer},
			}
			reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) { return tx, nil }}
			svc := newService(t, nil, map[string]chain.Reader{"solana": reader})

			res, err := svc.VerifyPayment(context.Background(), Request{
				TxHash:         "sig",
				Chain:          "solana",
				ExpectedAmount: decimal.NewFromInt(250),
				Token:          "USDC",
				ProjectWallet:  projectSolana,
			})
			require.NoError(t, err)
			assert.Equal(t, "250.0", res.Amount)
		})
	}
}

func TestVerifyPayment_SolanaNative(t *testing.T) {
	tx := &chain.Transaction{
		Hash:          "sig",
		Chain:         "solana",
		To:            projectSolana,
		Value:         big.NewInt(3_500_000_000),
		Confirmations: 30,
	}
	reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) { return tx, nil }}
	svc := newService(t, nil, map[string]chain.Reader{"solana": reader})

	res, err := svc.VerifyPayment(context.Background(), Request{
		TxHash:         "sig",
		Chain:          "solana",
		ExpectedAmount: decimal.RequireFromString("3.5"),
		Token:          "SOL",
		ProjectWallet:  projectSolana,
	})
	require.NoError(t, err)
	assert.Equal(t, "3.5", res.Amount)
}

func TestVerifyPayment_SolanaNativeCountsOnlyProjectWallet(t *testing.T) {
	payer := "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV"
	payerSecond := "GsbwXfJraMomNxBcjYLcG3mxkBUiyWXAB32fGbSMQRdW"
	tx := &chain.Transaction{
		Hash:          "sig",
		Chain:         "solana",
		From:          payer,
		To:            payerSecond,
		Value:         big.NewInt(100_001_000_000),
		Confirmations: solana.FinalizedConfirmations,
		NativeTransfers: []chain.TokenTransfer{
			{From: payer, To: payerSecond, Amount: big.NewInt(100_000_000_000)},
			{From: payer, To: projectSolana, Amount: big.NewInt(1_000_000)},
		},
	}
	reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) { return tx, nil }}
	svc := newService(t, nil, map[string]chain.Reader{"solana": reader})

	req := Request{
		TxHash:         "sig",
		Chain:          "solana",
		ExpectedAmount: decimal.NewFromInt(100),
		Token:          "SOL",
		ProjectWallet:  projectSolana,
	}
	res, err := svc.VerifyPayment(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, swap.ErrInsufficientAmount))
	assert.False(t, res.Success)

	req.ExpectedAmount = decimal.RequireFromString("0.001")
	res, err = svc.VerifyPayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0.001", res.Amount)
	assert.Equal(t, projectSolana, res.Recipient)
}

func TestVerifyPayment_SolanaNativeToOtherWallets(t *testing.T) {
	tx := &chain.Transaction{
		Hash:          "sig",
		Chain:         "solana",
		To:            "GsbwXfJraMomNxBcjYLcG3mxkBUiyWXAB32fGbSMQRdW",
		Value:         big.NewInt(5_000_000_000),
		Confirmations: solana.FinalizedConfirmations,
		NativeTransfers: []chain.TokenTransfer{
			{To: "GsbwXfJraMomNxBcjYLcG3mxkBUiyWXAB32fGbSMQRdW", Amount: big.NewInt(5_000_000_000)},
		},
	}
	reader := &mockReader{GetTransactionFunc: func(ctx context.Context, hash string) (*chain.Transaction, error) { return tx, nil }}
	svc := newService(t, nil, map[string]chain.Reader{"solana": reader})

	_, err := svc.VerifyPayment(context.Background(), Request{
		TxHash:         "sig",
		Chain:          "solana",
		ExpectedAmount: decimal.NewFromInt(1),
		Token:          "SOL",
		ProjectWallet:  projectSolana,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, swap.ErrWrongRecipient))
}
