package swap

import (
	"context"
	"errors"
)

// Validation errors are returned to the caller and never retried.
var (
	ErrInvalidAmount       = errors.New("amount must be a positive decimal")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrDuplicatePayment    = errors.New("payment transaction already submitted")
	ErrUnsupportedChain    = errors.New("unsupported chain")
	ErrUnsupportedToken    = errors.New("unsupported token")
	ErrMissingPaymentTx    = errors.New("payment transaction id is required")
	ErrTransactionNotFound = errors.New("swap transaction not found")
)

// ErrUnavailable marks infrastructure failures (RPC or indexer unreachable,
// timeouts, open circuit breakers). It is the only retryable verification cause.
var ErrUnavailable = errors.New("rpc/indexer unavailable")

// Durable verification failures.
var (
	ErrPaymentNotFound           = errors.New("payment transaction not found")
	ErrFailedOnChain             = errors.New("payment transaction failed on chain")
	ErrInsufficientConfirmations = errors.New("insufficient confirmations")
	ErrWrongRecipient            = errors.New("payment sent to wrong recipient")
	ErrInsufficientAmount        = errors.New("insufficient payment amount")
)

// Transfer execution failures.
var (
	ErrNotTransferEligible    = errors.New("transaction not eligible for transfer")
	ErrWalletNotConfigured    = errors.New("payout wallet not configured")
	ErrInvalidRecipientFormat = errors.New("invalid CIRX recipient address format")
	ErrInsufficientPayment    = errors.New("payment amount insufficient")
	ErrInsufficientBalance    = errors.New("insufficient payout wallet balance")
	// ErrSendOutcomeUnknown means a payout may or may not have reached the
	// node. It must be looked up by idempotency key before any resend.
	ErrSendOutcomeUnknown = errors.New("CIRX send outcome unknown")
)

// Concurrency errors.
var (
	// ErrStaleTransition means the row no longer had the expected status or
	// version; another worker already handled it.
	ErrStaleTransition   = errors.New("stale transition: record changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsPermanentTransferError reports whether a payout failure is caused by the
// swap or the deployment rather than the node or the wallet balance.
// Retrying such a swap cannot succeed.
func IsPermanentTransferError(err error) bool {
	return errors.Is(err, ErrWalletNotConfigured) ||
		errors.Is(err, ErrInvalidRecipientFormat) ||
		errors.Is(err, ErrInsufficientPayment) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnsupportedToken)
}

// IsTransient reports whether err should be retried by a worker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
