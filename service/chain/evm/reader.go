// Package evm reads payment transactions from EVM chains through go-ethereum.
package evm

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
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
)

// TransferEventTopic is keccak256("Transfer(address,address,uint256)").
var TransferEventTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// RPCClient is the subset of ethclient.Client the reader needs.
type RPCClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ RPCClient = (*ethclient.Client)(nil)

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial evm rpc: %w", err)
	}
	return client, nil
}

// Reader implements chain.Client for one EVM chain. It cannot send transfers.
type Reader struct {
	rpc     RPCClient
	chain   string
	limiter ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ chain.Client = (*Reader)(nil)

// NewReader creates a reader for chain. rps <= 0 disables pacing.
// If metrics is nil, no metrics will be recorded.
func NewReader(rpc RPCClient, chainName string, rps int, m *metrics.Metrics, logger *slog.Logger) *Reader {
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	return &Reader{
		rpc:     rpc,
		chain:   chain.Normalize(chainName),
		limiter: limiter,
		metrics: m,
		logger:  logger.With("component", "evm_reader", "chain", chainName),
	}
}

func (r *Reader) record(method string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		status = "error"
	}
	r.metrics.RecordRPCCall(r.chain, method, status, time.Since(start).Seconds())
}

func (r *Reader) call(method string, fn func() error) error {
	r.limiter.Take()
	start := time.Now()
	err := fn()
	r.record(method, start, err)
	return err
}

func parseHash(hash string) (common.Hash, error) {
	h := strings.TrimSpace(hash)
	if !strings.HasPrefix(h, "0x") || len(h) != 66 {
		return common.Hash{}, fmt.Errorf("%w: malformed evm tx hash %q", chain.ErrNotFound, hash)
	}
	return common.HexToHash(h), nil
}

// GetTransaction fetches the transaction, its receipt and the confirmation count.
// A transaction still in the mempool is returned with zero confirmations.
func (r *Reader) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	h, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	var (
		tx      *types.Transaction
		pending bool
	)
	err = r.call("TransactionByHash", func() error {
		var callErr error
		tx, pending, callErr = r.rpc.TransactionByHash(ctx, h)
		return callErr
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, hash)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	out := &chain.Transaction{
		Hash:  h.Hex(),
		Chain: r.chain,
		Value: tx.Value(),
		From:  senderOf(tx),
	}
	if to := tx.To(); to != nil {
		out.To = to.Hex()
	}
	if pending {
		return out, nil
	}

	receipt, err := r.receipt(ctx, h)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			// Mined but receipt not yet indexed by the node.
			return out, nil
		}
		return nil, err
	}
	out.Failed = receipt.Status != types.ReceiptStatusSuccessful
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	out.TokenTransfers = DecodeTransferLogs(receipt.Logs)

	head, err := r.blockNumber(ctx)
	if err != nil {
		return nil, err
	}
	out.Confirmations = confirmations(head, out.BlockNumber)

	r.logger.DebugContext(ctx, "fetched evm transaction",
		"hash", out.Hash,
		"block", out.BlockNumber,
		"confirmations", out.Confirmations,
		"token_transfers", len(out.TokenTransfers),
	)
	return out, nil
}

// GetReceipt returns execution status for a mined transaction.
func (r *Reader) GetReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	h, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	receipt, err := r.receipt(ctx, h)
	if err != nil {
		return nil, err
	}
	out := &chain.Receipt{
		Hash:   h.Hex(),
		Failed: receipt.Status != types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// GetConfirmations returns head - block + 1, or 0 when not yet mined.
func (r *Reader) GetConfirmations(ctx context.Context, hash string) (uint64, error) {
	receipt, err := r.GetReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	head, err := r.blockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return confirmations(head, receipt.BlockNumber), nil
}

// GetBalance returns the native balance of address in whole units.
func (r *Reader) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid evm address %q", address)
	}
	var wei *big.Int
	err := r.call("BalanceAt", func() error {
		var callErr error
		wei, callErr = r.rpc.BalanceAt(ctx, common.HexToAddress(address), nil)
		return callErr
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return chain.ToDecimal(wei, 18), nil
}

// SendTransfer is not supported; payouts happen on the CIRX chain.
func (r *Reader) SendTransfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
	return "", chain.ErrReadOnly
}

// FindTransfer is not supported; payouts happen on the CIRX chain.
func (r *Reader) FindTransfer(ctx context.Context, key string) (string, error) {
	return "", chain.ErrReadOnly
}

func (r *Reader) receipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := r.call("TransactionReceipt", func() error {
		var callErr error
		receipt, callErr = r.rpc.TransactionReceipt(ctx, h)
		return callErr
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt %s", chain.ErrNotFound, h.Hex())
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return receipt, nil
}

func (r *Reader) blockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := r.call("BlockNumber", func() error {
		var callErr error
		head, callErr = r.rpc.BlockNumber(ctx)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return head, nil
}

func confirmations(head, block uint64) uint64 {
	if block == 0 || head < block {
		return 0
	}
	return head - block + 1
}

// DecodeTransferLogs extracts ERC-20 Transfer events from receipt logs.
// Logs that do not have the standard three topics and a 32 byte value are skipped.
func DecodeTransferLogs(logs []*types.Log) []chain.TokenTransfer {
	var transfers []chain.TokenTransfer
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != TransferEventTopic || len(lg.Data) != 32 {
			continue
		}
		transfers = append(transfers, chain.TokenTransfer{
			Token:  lg.Address.Hex(),
			From:   common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:     common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Amount: new(big.Int).SetBytes(lg.Data),
		})
	}
	return transfers
}

// senderOf recovers the sender from the signature. An unrecoverable sender
// is returned as empty; the sender is informational only.
func senderOf(tx *types.Transaction) string {
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil {
		return ""
	}
	return from.Hex()
}
