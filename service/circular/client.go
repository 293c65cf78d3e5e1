// Package circular is the CIRX chain client used to pay out swaps.
package circular

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/breaker"
	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const (
	breakerName = "cirx_node"
	chainName   = "circular"
)

// Wallet is the payout wallet. The key authorizes transfers from Address.
type Wallet struct {
	Address string
	Key     string
}

// Configured reports whether both address and key are set.
func (w Wallet) Configured() bool {
	return w.Address != "" && w.Key != ""
}

// Client talks to a CIRX node over its HTTP API.
type Client struct {
	baseURL    string
	wallet     Wallet
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

var _ chain.Client = (*Client)(nil)

// NewClient creates a CIRX node client sending from wallet.
func NewClient(nodeURL string, wallet Wallet, timeout time.Duration, s breaker.Settings, m *metrics.Metrics, logger *slog.Logger) *Client {
	logger = logger.With("component", "cirx_client")
	return &Client{
		baseURL:    strings.TrimRight(nodeURL, "/"),
		wallet:     wallet,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker.New(breakerName, s, m, logger),
		metrics:    m,
		logger:     logger,
	}
}

// Wallet returns the payout wallet.
func (c *Client) Wallet() Wallet {
	return c.wallet
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type transferRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

type transactionResponse struct {
	Hash          string `json:"hash"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	BlockNumber   uint64 `json:"block_number"`
	Status        string `json:"status"`
	Confirmations uint64 `json:"confirmations"`
}

// GetBalance returns the CIRX balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out balanceResponse
	u := fmt.Sprintf("%s/api/v1/wallets/%s/balance", c.baseURL, url.PathEscape(address))
	if err := c.do(ctx, "GetBalance", http.MethodGet, u, nil, &out); err != nil {
		return decimal.Zero, err
	}
	bal, err := decimal.NewFromString(out.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance %q: %w", out.Balance, err)
	}
	return bal, nil
}

// SendTransfer broadcasts amount CIRX from the payout wallet to `to` and
// returns the transaction hash. The node keeps key with the transfer and
// rejects a second transfer with the same key.
func (c *Client) SendTransfer(ctx context.Context, key, to string, amount decimal.Decimal) (string, error) {
	if !c.wallet.Configured() {
		return "", swap.ErrWalletNotConfigured
	}
	if key == "" {
		return "", fmt.Errorf("transfer idempotency key is required")
	}
	body := transferRequest{
		From:           c.wallet.Address,
		To:             to,
		Amount:         swap.FormatAmount(amount),
		IdempotencyKey: key,
	}
	var out transferResponse
	if err := c.do(ctx, "SendTransfer", http.MethodPost, c.baseURL+"/api/v1/transfers", body, &out); err != nil {
		return "", err
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("node accepted transfer but returned no tx hash")
	}
	c.logger.InfoContext(ctx, "cirx transfer broadcast",
		"tx_hash", out.TxHash,
		"idempotency_key", key,
		"to", to,
		"amount", body.Amount,
	)
	return out.TxHash, nil
}

// FindTransfer looks up the transfer the payout wallet sent with key.
func (c *Client) FindTransfer(ctx context.Context, key string) (string, error) {
	q := url.Values{"from": {c.wallet.Address}, "idempotency_key": {key}}
	var out transferResponse
	if err := c.do(ctx, "FindTransfer", http.MethodGet, c.baseURL+"/api/v1/transfers?"+q.Encode(), nil, &out); err != nil {
		return "", err
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("%w: transfer with key %s", chain.ErrNotFound, key)
	}
	return out.TxHash, nil
}

// GetTransaction fetches a CIRX transaction. Only hash, parties, status and
// confirmations are populated; the amount is reported by the node in whole CIRX.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	tx, err := c.transaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &chain.Transaction{
		Hash:          tx.Hash,
		Chain:         chainName,
		From:          tx.From,
		To:            tx.To,
		BlockNumber:   tx.BlockNumber,
		Failed:        isFailed(tx.Status),
		Confirmations: tx.Confirmations,
	}, nil
}

// GetReceipt returns execution status for hash.
func (c *Client) GetReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	tx, err := c.transaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &chain.Receipt{Hash: tx.Hash, BlockNumber: tx.BlockNumber, Failed: isFailed(tx.Status)}, nil
}

// GetConfirmations returns the confirmation count, 0 while the node has not
// seen the transaction.
func (c *Client) GetConfirmations(ctx context.Context, hash string) (uint64, error) {
	tx, err := c.transaction(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return tx.Confirmations, nil
}

func (c *Client) transaction(ctx context.Context, hash string) (*transactionResponse, error) {
	var out transactionResponse
	u := fmt.Sprintf("%s/api/v1/transactions/%s", c.baseURL, url.PathEscape(hash))
	if err := c.do(ctx, "GetTransaction", http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func isFailed(status string) bool {
	return strings.EqualFold(status, "failed") || strings.EqualFold(status, "rejected")
}

// requestError is a 4xx answer from the node. It does not count against
// the breaker.
type requestError struct {
	StatusCode int
	Message    string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("cirx node returned %d: %s", e.StatusCode, e.Message)
}

func (e *requestError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return chain.ErrNotFound
	case http.StatusPaymentRequired:
		return swap.ErrInsufficientBalance
	default:
		return nil
	}
}

// do runs one request through the breaker. 4xx answers are returned as
// *requestError; transport failures, 5xx and an open breaker as swap.ErrUnavailable.
func (c *Client) do(ctx context.Context, method, httpMethod, u string, in, out any) error {
	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		err := c.roundTrip(ctx, httpMethod, u, in, out)
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return reqErr, nil
		}
		return nil, err
	})
	if err != nil {
		err = breaker.Unavailable(breakerName, err)
		if !errors.Is(err, swap.ErrUnavailable) {
			err = fmt.Errorf("%w: cirx node: %v", swap.ErrUnavailable, err)
		}
	} else if reqErr, ok := res.(*requestError); ok {
		err = reqErr
	}

	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordRPCCall(chainName, method, status, time.Since(start).Seconds())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, httpMethod, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if httpMethod != http.MethodGet && c.wallet.Key != "" {
		req.Header.Set("Authorization", "Bearer "+c.wallet.Key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if resp.StatusCode < 500 {
			return &requestError{StatusCode: resp.StatusCode, Message: msg}
		}
		return fmt.Errorf("cirx node returned %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
