package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/db"
	"github.com/brojonat/cirx-otc/service/server"
	"github.com/brojonat/cirx-otc/service/settlement"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	paymentHash = "0x8a3f1c0e6b7d2a9f4e5c3b1a0d9e8f7c6b5a4d3e2f1a0b9c8d7e6f5a4b3c2d1e"
	cirxUser    = "0x2222222222222222222222222222222222222222222222222222222222222222"
	payoutHash  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func validRequest() settlement.InitiateRequest {
	return settlement.InitiateRequest{
		PaymentTxID: paymentHash,
		Chain:       "ethereum",
		Token:       "USDC",
		Amount:      "1010",
		Recipient:   cirxUser,
	}
}

func TestInitiate_Success(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/swaps", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, paymentHash, body["payment_tx_id"])
		assert.Equal(t, "1010", body["amount_paid"])
		assert.NotContains(t, body, "swap_amount")

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(settlement.StatusView{ID: id, Status: swap.StatusPendingPaymentVerification})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	view, err := c.Initiate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, id, view.ID)
	assert.Equal(t, swap.StatusPendingPaymentVerification, view.Status)
}

func TestInitiate_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "payment transaction already submitted"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.Initiate(context.Background(), validRequest())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "already submitted")
}

func TestStatus_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.Status(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestStatusByPaymentTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/swaps", r.URL.Path)
		assert.Equal(t, paymentHash, r.URL.Query().Get("payment_tx_id"))
		json.NewEncoder(w).Encode(settlement.StatusView{PaymentTxID: paymentHash})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	view, err := c.StatusByPaymentTx(context.Background(), paymentHash)
	require.NoError(t, err)
	assert.Equal(t, paymentHash, view.PaymentTxID)
}

func TestTrigger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		if r.URL.Path == "/api/v1/workers/bogus/trigger" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown worker"})
			return
		}
		assert.Equal(t, "/api/v1/workers/recovery/trigger", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(TriggerResult{Pass: "recovery", Mode: "queue", Queued: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	result, err := c.Trigger(context.Background(), "recovery")
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, "queue", result.Mode)

	_, err = c.Trigger(context.Background(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown worker")
}

func TestAwaitTerminal_PollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		view := settlement.StatusView{Status: swap.StatusPaymentVerified}
		if n >= 3 {
			view = settlement.StatusView{Status: swap.StatusCompleted, Terminal: true, Progress: 100}
		}
		json.NewEncoder(w).Encode(view)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	view, err := c.AwaitTerminal(context.Background(), uuid.NewString(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCompleted, view.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAwaitTerminal_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(settlement.StatusView{Status: swap.StatusCirxTransferPending})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, nil, nil)
	view, err := c.AwaitTerminal(ctx, uuid.NewString(), 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, view)
	assert.Equal(t, swap.StatusCirxTransferPending, view.Status)
}

func TestAgainstServer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := db.NewMemoryStore()
	svc := settlement.NewService(store, swap.DefaultPricing(), chain.DefaultTokenContracts(), 3, logger)
	srv := httptest.NewServer(server.New(":0", svc, nil, nil, logger).Handler())
	defer srv.Close()

	c := NewClient(srv.URL, nil, logger)
	ctx := context.Background()

	view, err := c.Initiate(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "1000.0", view.SwapAmount)

	_, err = c.Initiate(ctx, validRequest())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	// Drive the swap the way the workers would.
	steps := []swap.Transition{
		{From: swap.StatusPendingPaymentVerification, To: swap.StatusPaymentVerified},
		{From: swap.StatusPaymentVerified, To: swap.StatusCirxTransferPending},
		{From: swap.StatusCirxTransferPending, To: swap.StatusCirxTransferInitiated, CirxTransferTxID: swap.StringPtr(payoutHash), CirxAmount: swap.StringPtr("400.0")},
		{From: swap.StatusCirxTransferInitiated, To: swap.StatusCompleted},
	}
	for _, tr := range steps {
		tr.ID = view.ID
		_, err := store.TransitionTransaction(ctx, tr)
		require.NoError(t, err)
	}

	final, err := c.AwaitTerminal(ctx, view.ID.String(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, swap.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.CirxTransferTxID)
	assert.Equal(t, payoutHash, *final.CirxTransferTxID)

	byPayment, err := c.StatusByPaymentTx(ctx, paymentHash)
	require.NoError(t, err)
	assert.Equal(t, view.ID, byPayment.ID)

	_, err = c.Status(ctx, uuid.NewString())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
