package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/brojonat/cirx-otc/service/settlement"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/brojonat/cirx-otc/service/worker"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a swap request
	maxPaymentTxIDLen  = 128     // EVM hashes are 66 chars, Solana signatures up to 88
)

// handleInitiateSwap returns a handler that records a new swap.
// POST /api/v1/swaps
func handleInitiateSwap(swaps *settlement.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req settlement.InitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode initiate request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if len(req.PaymentTxID) > maxPaymentTxIDLen {
			writeError(w, "payment_tx_id too long", http.StatusBadRequest)
			return
		}

		txn, err := swaps.InitiateSwap(r.Context(), req)
		if err != nil {
			status := statusForError(err)
			if status == http.StatusInternalServerError {
				logger.Error("failed to initiate swap", "payment_tx_id", req.PaymentTxID, "error", err)
				writeError(w, "internal server error", status)
				return
			}
			logger.Debug("swap rejected", "payment_tx_id", req.PaymentTxID, "error", err)
			writeError(w, err.Error(), status)
			return
		}

		writeJSON(w, swaps.View(txn), http.StatusCreated)
	})
}

// handleGetSwap returns a handler that reports the status of one swap.
// GET /api/v1/swaps/{id}
func handleGetSwap(swaps *settlement.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, "invalid swap id: must be a UUID", http.StatusBadRequest)
			return
		}

		view, err := swaps.GetStatus(r.Context(), id)
		if err != nil {
			writeLookupError(w, logger, err, "id", id.String())
			return
		}
		writeJSON(w, view, http.StatusOK)
	})
}

// handleFindSwap returns a handler that looks a swap up by payment transaction.
// GET /api/v1/swaps?payment_tx_id={hash}
func handleFindSwap(swaps *settlement.Service, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paymentTxID := strings.TrimSpace(r.URL.Query().Get("payment_tx_id"))
		if paymentTxID == "" {
			writeError(w, "payment_tx_id query parameter is required", http.StatusBadRequest)
			return
		}
		if len(paymentTxID) > maxPaymentTxIDLen {
			writeError(w, "payment_tx_id too long", http.StatusBadRequest)
			return
		}

		view, err := swaps.GetStatusByPaymentTxID(r.Context(), paymentTxID)
		if err != nil {
			writeLookupError(w, logger, err, "payment_tx_id", paymentTxID)
			return
		}
		writeJSON(w, view, http.StatusOK)
	})
}

// handleTriggerPass returns a handler that starts a worker pass.
// POST /api/v1/workers/{name}/trigger
func handleTriggerPass(trigger PassTrigger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !slices.Contains(worker.Passes, name) {
			writeError(w, "unknown worker: must be one of "+strings.Join(worker.Passes, ", "), http.StatusNotFound)
			return
		}

		resp, err := trigger.TriggerPass(r.Context(), name)
		if err != nil {
			logger.Error("failed to trigger pass", "pass", name, "error", err)
			writeError(w, "failed to trigger pass", statusForError(err))
			return
		}

		logger.Info("pass triggered", "pass", name, "mode", resp.Mode, "queued", resp.Queued)
		status := http.StatusAccepted
		if resp.Result != nil {
			status = http.StatusOK
		}
		writeJSON(w, resp, status)
	})
}

// statusForError maps the swap error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, swap.ErrDuplicatePayment):
		return http.StatusConflict
	case errors.Is(err, swap.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, swap.ErrMissingPaymentTx),
		errors.Is(err, swap.ErrInvalidAmount),
		errors.Is(err, swap.ErrInvalidAddress),
		errors.Is(err, swap.ErrUnsupportedChain),
		errors.Is(err, swap.ErrUnsupportedToken):
		return http.StatusBadRequest
	case swap.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLookupError(w http.ResponseWriter, logger *slog.Logger, err error, key, value string) {
	status := statusForError(err)
	if status == http.StatusNotFound {
		writeError(w, "swap not found", status)
		return
	}
	logger.Error("failed to get swap", key, value, "error", err)
	writeError(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
