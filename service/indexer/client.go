// Package indexer is the client for the transaction indexer, which keeps
// pre-computed records of payments sent to the project wallets.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/breaker"
	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/sony/gobreaker"
)

const breakerName = "indexer"

// Record is a transaction as returned by the indexer API. Amounts are
// base-unit integers encoded as strings.
type Record struct {
	Hash           string           `json:"hash"`
	Chain          string           `json:"chain"`
	From           string           `json:"from"`
	To             string           `json:"to"`
	Value          string           `json:"value"`
	BlockNumber    uint64           `json:"block_number"`
	BlockTime      time.Time        `json:"block_time"`
	Status         string           `json:"status"`
	Confirmations  uint64           `json:"confirmations"`
	TokenTransfers []TransferRecord `json:"token_transfers"`
}

// TransferRecord is a token transfer inside a Record.
type TransferRecord struct {
	Token   string `json:"token"`
	From    string `json:"from"`
	To      string `json:"to"`
	ToOwner string `json:"to_owner,omitempty"`
	Amount  string `json:"amount"`
}

// Client talks to the indexer over HTTP. All calls go through a circuit
// breaker; an open breaker reports the indexer as unhealthy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates an indexer client. timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration, s breaker.Settings, m *metrics.Metrics, logger *slog.Logger) *Client {
	logger = logger.With("component", "indexer_client")
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker.New(breakerName, s, m, logger),
		metrics:    m,
		logger:     logger,
	}
}

func (c *Client) record(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordIndexerRequest(op, status, time.Since(start).Seconds())
}

// Healthy checks the indexer health endpoint. It returns false without a
// request while the breaker is open.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	c.record("health", start, err)
	if err != nil {
		c.logger.WarnContext(ctx, "indexer unhealthy", "error", err)
		return false
	}
	return true
}

// GetTransactionByHash looks up a transaction. It returns nil, nil when the
// indexer has no record of it.
func (c *Client) GetTransactionByHash(ctx context.Context, chainName, hash string) (*chain.Transaction, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, chainName, hash)
	})
	c.record("get_transaction", start, err)
	if err != nil {
		err = breaker.Unavailable(breakerName, err)
		if !errors.Is(err, swap.ErrUnavailable) {
			err = fmt.Errorf("%w: indexer: %v", swap.ErrUnavailable, err)
		}
		return nil, err
	}
	rec, _ := out.(*Record)
	if rec == nil {
		return nil, nil
	}
	txn, err := rec.toChainTransaction(chainName)
	if err != nil {
		return nil, fmt.Errorf("malformed indexer record for %s: %w", hash, err)
	}
	return txn, nil
}

// fetch treats 404 as a successful lookup with no record so missing
// transactions do not count toward tripping the breaker.
func (c *Client) fetch(ctx context.Context, chainName, hash string) (*Record, error) {
	u := fmt.Sprintf("%s/api/v1/transactions/%s/%s",
		c.baseURL, url.PathEscape(chain.Normalize(chainName)), url.PathEscape(hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("indexer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &rec, nil
}

func (r *Record) toChainTransaction(chainName string) (*chain.Transaction, error) {
	value, err := parseBaseUnits(r.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	name := r.Chain
	if name == "" {
		name = chainName
	}
	txn := &chain.Transaction{
		Hash:          r.Hash,
		Chain:         chain.Normalize(name),
		From:          r.From,
		To:            r.To,
		Value:         value,
		BlockNumber:   r.BlockNumber,
		BlockTime:     r.BlockTime,
		Failed:        strings.EqualFold(r.Status, "failed") || strings.EqualFold(r.Status, "reverted"),
		Confirmations: r.Confirmations,
	}
	for _, t := range r.TokenTransfers {
		amount, err := parseBaseUnits(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("token transfer amount: %w", err)
		}
		txn.TokenTransfers = append(txn.TokenTransfers, chain.TokenTransfer{
			Token:   t.Token,
			From:    t.From,
			To:      t.To,
			ToOwner: t.ToOwner,
			Amount:  amount,
		})
	}
	return txn, nil
}

func parseBaseUnits(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid base-unit amount %q", s)
	}
	return v, nil
}
