package nats

import (
	"time"

	"github.com/brojonat/cirx-otc/service/swap"
)

// SwapEvent is published to "swaps.{status}" every time a swap changes status.
type SwapEvent struct {
	TransactionID string      `json:"transaction_id"`
	PaymentTxID   string      `json:"payment_tx_id"`
	PaymentChain  string      `json:"payment_chain"`
	PaymentToken  string      `json:"payment_token"`
	AmountPaid    string      `json:"amount_paid"`
	FromStatus    swap.Status `json:"from_status,omitempty"`
	Status        swap.Status `json:"status"`
	Phase         string      `json:"phase"`
	Progress      int         `json:"progress"`

	CirxRecipientAddress string  `json:"cirx_recipient_address"`
	CirxTransferTxID     *string `json:"cirx_transfer_tx_id,omitempty"`
	CirxAmount           *string `json:"cirx_amount,omitempty"`
	FailureReason        *string `json:"failure_reason,omitempty"`
	FailurePermanent     bool    `json:"failure_permanent,omitempty"`
	RetryCount           int     `json:"retry_count"`
	RecoveryAttempts     int     `json:"recovery_attempts"`
	Version              int64   `json:"version"`

	UpdatedAt   time.Time `json:"updated_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *SwapEvent) Subject() string {
	return SubjectPrefix + string(e.Status)
}

// FromSwap converts a swap record to an event. from is the status the record
// left, empty for a newly created swap.
func FromSwap(txn *swap.Transaction, from swap.Status) *SwapEvent {
	phase := swap.PhaseOf(txn.Status)
	return &SwapEvent{
		TransactionID:        txn.ID.String(),
		PaymentTxID:          txn.PaymentTxID,
		PaymentChain:         txn.PaymentChain,
		PaymentToken:         txn.PaymentToken,
		AmountPaid:           txn.AmountPaid,
		FromStatus:           from,
		Status:               txn.Status,
		Phase:                phase.Name,
		Progress:             phase.Progress,
		CirxRecipientAddress: txn.CirxRecipientAddress,
		CirxTransferTxID:     txn.CirxTransferTxID,
		CirxAmount:           txn.CirxAmount,
		FailureReason:        txn.FailureReason,
		FailurePermanent:     txn.FailurePermanent,
		RetryCount:           txn.RetryCount,
		RecoveryAttempts:     txn.RecoveryAttempts,
		Version:              txn.Version,
		UpdatedAt:            txn.UpdatedAt,
		PublishedAt:          time.Now().UTC(),
	}
}
