package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/brojonat/cirx-otc/service/settlement"
	"github.com/brojonat/cirx-otc/service/worker"
)

// TriggerResult is the server's answer to a worker trigger request.
type TriggerResult struct {
	Pass       string             `json:"pass"`
	Mode       string             `json:"mode"`
	Queued     bool               `json:"queued"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	Result     *worker.PassResult `json:"result,omitempty"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the settlement API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new settlement API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Initiate submits a swap for a payment the user already broadcast.
func (c *Client) Initiate(ctx context.Context, req settlement.InitiateRequest) (*settlement.StatusView, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var view settlement.StatusView
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/swaps", body, http.StatusCreated, &view); err != nil {
		return nil, err
	}

	c.logger.Debug("swap initiated", "id", view.ID, "payment_tx_id", view.PaymentTxID)
	return &view, nil
}

// Status returns the current status of the swap with id.
func (c *Client) Status(ctx context.Context, id string) (*settlement.StatusView, error) {
	u := fmt.Sprintf("%s/api/v1/swaps/%s", c.baseURL, url.PathEscape(id))
	var view settlement.StatusView
	if err := c.do(ctx, http.MethodGet, u, nil, http.StatusOK, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// StatusByPaymentTx looks a swap up by its payment transaction id.
func (c *Client) StatusByPaymentTx(ctx context.Context, paymentTxID string) (*settlement.StatusView, error) {
	u := fmt.Sprintf("%s/api/v1/swaps?payment_tx_id=%s", c.baseURL, url.QueryEscape(paymentTxID))
	var view settlement.StatusView
	if err := c.do(ctx, http.MethodGet, u, nil, http.StatusOK, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Trigger asks the server to run a worker pass.
func (c *Client) Trigger(ctx context.Context, pass string) (*TriggerResult, error) {
	u := fmt.Sprintf("%s/api/v1/workers/%s/trigger", c.baseURL, url.PathEscape(pass))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Queued and Temporal triggers answer 202, inline runs answer 200.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, c.parseErrorResponse(resp)
	}

	var result TriggerResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("pass triggered", "pass", pass, "mode", result.Mode, "queued", result.Queued)
	return &result, nil
}

// AwaitTerminal polls the swap until it reaches a terminal status or ctx is
// done. Use context.WithTimeout to bound the wait.
func (c *Client) AwaitTerminal(ctx context.Context, id string, pollInterval time.Duration) (*settlement.StatusView, error) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		view, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Terminal {
			c.logger.Debug("swap reached terminal status", "id", id, "status", view.Status)
			return view, nil
		}
		c.logger.Debug("swap not yet terminal", "id", id, "status", view.Status, "progress", view.Progress)

		select {
		case <-ctx.Done():
			return view, fmt.Errorf("swap %s still %s: %w", id, view.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
