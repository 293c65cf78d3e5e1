package swap

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is one OTC swap: a payment on a source chain and the CIRX payout for it.
type Transaction struct {
	ID                   uuid.UUID `json:"id"`
	PaymentTxID          string    `json:"payment_tx_id"`
	PaymentChain         string    `json:"payment_chain"`
	PaymentToken         string    `json:"payment_token"`
	AmountPaid           string    `json:"amount_paid"`
	SwapAmount           string    `json:"swap_amount"`
	SenderAddress        string    `json:"sender_address,omitempty"`
	CirxRecipientAddress string    `json:"cirx_recipient_address"`
	CirxTransferTxID     *string   `json:"cirx_transfer_tx_id,omitempty"`
	CirxAmount           *string   `json:"cirx_amount,omitempty"`

	Status           Status  `json:"swap_status"`
	RetryCount       int     `json:"retry_count"`
	RecoveryAttempts int     `json:"recovery_attempts"`
	FailureReason    *string `json:"failure_reason,omitempty"`
	// FailurePermanent marks a FAILED_CIRX_TRANSFER that recovery must not retry.
	FailurePermanent bool       `json:"failure_permanent,omitempty"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AmountPaidDecimal parses AmountPaid.
func (t *Transaction) AmountPaidDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.AmountPaid)
}

// SwapAmountDecimal parses SwapAmount.
func (t *Transaction) SwapAmountDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.SwapAmount)
}

// IsTerminal reports whether the record will never be picked up again given
// the recovery ceiling.
func (t *Transaction) IsTerminal(maxRecoveryAttempts int) bool {
	if t.Status.IsTerminal() {
		return true
	}
	return t.Status == StatusFailedCirxTransfer && (t.FailurePermanent || t.RecoveryAttempts >= maxRecoveryAttempts)
}

// CreateParams holds the fields for a new swap record.
type CreateParams struct {
	PaymentTxID          string
	PaymentChain         string
	PaymentToken         string
	AmountPaid           string
	SwapAmount           string
	SenderAddress        string
	CirxRecipientAddress string
	Status               Status
}

// Transition is a compare-and-set update: it applies only when the row still
// has status From (and Version, when non-zero).
type Transition struct {
	ID              uuid.UUID
	From            Status
	To              Status
	ExpectedVersion int64

	// Recovery allows the backward edges reserved for the recovery worker.
	Recovery bool

	FailureReason      *string
	ClearFailureReason bool
	// PermanentFailure is stored alongside FailureReason; clearing the
	// reason clears it too.
	PermanentFailure  bool
	CirxTransferTxID  *string
	ClearCirxTransfer bool
	CirxAmount        *string
	IncrementRetry    bool
	ResetRetry        bool
	IncrementRecovery bool
}

// Validate checks the edge against the state machine and the payout tx id invariant.
func (tr Transition) Validate() error {
	allowed := CanTransition(tr.From, tr.To)
	if tr.Recovery {
		allowed = CanRecover(tr.From, tr.To)
	}
	if !allowed {
		return ErrInvalidTransition
	}
	if tr.CirxTransferTxID != nil && !tr.To.HasTransferTxID() {
		return ErrInvalidTransition
	}
	if tr.To == StatusCirxTransferInitiated && tr.From != StatusCirxTransferInitiated && tr.CirxTransferTxID == nil {
		return ErrInvalidTransition
	}
	if tr.From.HasTransferTxID() && !tr.To.HasTransferTxID() && !tr.ClearCirxTransfer {
		return ErrInvalidTransition
	}
	return nil
}

// StaleQuery selects records stuck in non-terminal states.
type StaleQuery struct {
	Statuses            []Status
	UpdatedBefore       time.Time
	MaxRecoveryAttempts int
	Limit               int
}

// Store persists swap transactions. Implementations must apply Transition as
// a single-row compare-and-set and return ErrStaleTransition when it loses.
type Store interface {
	CreateTransaction(ctx context.Context, params CreateParams) (*Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetTransactionByPaymentTxID(ctx context.Context, paymentTxID string) (*Transaction, error)
	ListTransactionsByStatus(ctx context.Context, statuses []Status, limit int) ([]*Transaction, error)
	ListStaleTransactions(ctx context.Context, q StaleQuery) ([]*Transaction, error)
	TransitionTransaction(ctx context.Context, tr Transition) (*Transaction, error)
}

// VerificationResult is the outcome of checking a payment on chain.
type VerificationResult struct {
	Success       bool              `json:"success"`
	TxHash        string            `json:"tx_hash"`
	Amount        string            `json:"amount,omitempty"`
	Recipient     string            `json:"recipient,omitempty"`
	Confirmations uint64            `json:"confirmations"`
	Error         string            `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TransferResult is the outcome of a CIRX payout.
type TransferResult struct {
	Success       bool              `json:"success"`
	TxHash        string            `json:"tx_hash,omitempty"`
	Amount        string            `json:"amount,omitempty"`
	Recipient     string            `json:"recipient,omitempty"`
	Confirmations uint64            `json:"confirmations"`
	Error         string            `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
