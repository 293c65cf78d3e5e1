// Package settlement is the API-facing core: it records new swaps and
// reports their progress. Everything after creation is driven by the workers.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InitiateRequest describes a payment the user has already broadcast.
type InitiateRequest struct {
	PaymentTxID string `json:"payment_tx_id"`
	Chain       string `json:"payment_chain"`
	Token       string `json:"payment_token"`
	Amount      string `json:"amount_paid"`
	Recipient   string `json:"cirx_recipient_address"`
	// SwapAmount is the principal excluding the platform fee. When empty it
	// is derived as Amount minus the fee.
	SwapAmount string `json:"swap_amount,omitempty"`
	Sender     string `json:"sender_address,omitempty"`
}

// StatusView is the user-facing state of a swap.
type StatusView struct {
	ID                   uuid.UUID   `json:"id"`
	Status               swap.Status `json:"status"`
	Phase                string      `json:"phase"`
	Progress             int         `json:"progress"`
	Terminal             bool        `json:"terminal"`
	PaymentTxID          string      `json:"payment_tx_id"`
	PaymentChain         string      `json:"payment_chain"`
	PaymentToken         string      `json:"payment_token"`
	AmountPaid           string      `json:"amount_paid"`
	SwapAmount           string      `json:"swap_amount"`
	CirxRecipientAddress string      `json:"cirx_recipient_address"`
	CirxTransferTxID     *string     `json:"cirx_transfer_tx_id,omitempty"`
	CirxAmount           *string     `json:"cirx_amount,omitempty"`
	FailureReason        *string     `json:"failure_reason,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Service creates swaps and reports their status.
type Service struct {
	store               swap.Store
	pricing             swap.PricingConfig
	tokens              chain.TokenContracts
	maxRecoveryAttempts int
	logger              *slog.Logger
}

// NewService creates the service. maxRecoveryAttempts decides when a failed
// payout is reported as terminal.
func NewService(store swap.Store, pricing swap.PricingConfig, tokens chain.TokenContracts, maxRecoveryAttempts int, logger *slog.Logger) *Service {
	return &Service{
		store:               store,
		pricing:             pricing,
		tokens:              tokens,
		maxRecoveryAttempts: maxRecoveryAttempts,
		logger:              logger.With("component", "settlement"),
	}
}

// InitiateSwap validates req and records the swap in
// PENDING_PAYMENT_VERIFICATION. A payment_tx_id can only be submitted once.
func (s *Service) InitiateSwap(ctx context.Context, req InitiateRequest) (*swap.Transaction, error) {
	params, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetTransactionByPaymentTxID(ctx, params.PaymentTxID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s (swap %s)", swap.ErrDuplicatePayment, params.PaymentTxID, existing.ID)
	case !errors.Is(err, swap.ErrTransactionNotFound):
		return nil, fmt.Errorf("failed to check for duplicate payment: %w", err)
	}

	// The unique index still catches a concurrent duplicate.
	txn, err := s.store.CreateTransaction(ctx, params)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "swap initiated",
		"transaction_id", txn.ID.String(),
		"payment_tx_id", txn.PaymentTxID,
		"chain", txn.PaymentChain,
		"token", txn.PaymentToken,
		"amount_paid", txn.AmountPaid,
		"swap_amount", txn.SwapAmount,
	)
	return txn, nil
}

func (s *Service) validate(req InitiateRequest) (swap.CreateParams, error) {
	paymentTxID := strings.TrimSpace(req.PaymentTxID)
	if paymentTxID == "" {
		return swap.CreateParams{}, swap.ErrMissingPaymentTx
	}

	policy, ok := chain.PolicyFor(req.Chain)
	if !ok {
		return swap.CreateParams{}, fmt.Errorf("%w: %q", swap.ErrUnsupportedChain, req.Chain)
	}
	token := strings.ToUpper(strings.TrimSpace(req.Token))
	if err := s.checkToken(policy, token); err != nil {
		return swap.CreateParams{}, err
	}

	amount, err := swap.ParseAmount(req.Amount)
	if err != nil {
		return swap.CreateParams{}, err
	}
	swapAmount, err := s.swapAmount(req.SwapAmount, amount, token)
	if err != nil {
		return swap.CreateParams{}, err
	}

	recipient := strings.TrimSpace(req.Recipient)
	if err := swap.ValidateCirxAddress(recipient); err != nil {
		return swap.CreateParams{}, fmt.Errorf("%w: recipient: %v", swap.ErrInvalidAddress, err)
	}
	sender := strings.TrimSpace(req.Sender)
	if err := swap.ValidateSourceAddress(policy.Name, sender); err != nil {
		return swap.CreateParams{}, err
	}

	return swap.CreateParams{
		PaymentTxID:          paymentTxID,
		PaymentChain:         policy.Name,
		PaymentToken:         token,
		AmountPaid:           swap.FormatAmount(amount),
		SwapAmount:           swap.FormatAmount(swapAmount),
		SenderAddress:        sender,
		CirxRecipientAddress: recipient,
		Status:               swap.StatusPendingPaymentVerification,
	}, nil
}

// checkToken accepts the chain's native token or a token with a known
// contract on the chain, as long as it has a price.
func (s *Service) checkToken(policy chain.Policy, token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", swap.ErrUnsupportedToken)
	}
	if token != policy.NativeToken {
		if _, ok := s.tokens.Lookup(policy.Name, token); !ok {
			return fmt.Errorf("%w: %s on %s", swap.ErrUnsupportedToken, token, policy.Name)
		}
	}
	if _, err := s.pricing.Price(token); err != nil {
		return err
	}
	return nil
}

func (s *Service) swapAmount(raw string, paid decimal.Decimal, token string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) != "" {
		amount, err := swap.ParseAmount(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("swap_amount: %w", err)
		}
		if amount.GreaterThan(paid) {
			return decimal.Zero, fmt.Errorf("%w: swap_amount %s exceeds amount_paid %s",
				swap.ErrInvalidAmount, swap.FormatAmount(amount), swap.FormatAmount(paid))
		}
		return amount, nil
	}

	fee, err := s.pricing.PlatformFeeDecimal(token)
	if err != nil {
		return decimal.Zero, err
	}
	principal := paid.Sub(fee)
	if !principal.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount_paid %s does not cover the platform fee of %s %s",
			swap.ErrInvalidAmount, swap.FormatAmount(paid), swap.FormatAmount(fee), token)
	}
	return principal, nil
}

// GetStatus returns the status, phase and progress of the swap with id.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.View(txn), nil
}

// GetStatusByPaymentTxID looks a swap up by its payment transaction.
func (s *Service) GetStatusByPaymentTxID(ctx context.Context, paymentTxID string) (*StatusView, error) {
	txn, err := s.store.GetTransactionByPaymentTxID(ctx, strings.TrimSpace(paymentTxID))
	if err != nil {
		return nil, err
	}
	return s.View(txn), nil
}

// View converts txn into its user-facing status.
func (s *Service) View(txn *swap.Transaction) *StatusView {
	phase := swap.PhaseOf(txn.Status)
	return &StatusView{
		ID:                   txn.ID,
		Status:               txn.Status,
		Phase:                phase.Name,
		Progress:             phase.Progress,
		Terminal:             txn.IsTerminal(s.maxRecoveryAttempts),
		PaymentTxID:          txn.PaymentTxID,
		PaymentChain:         txn.PaymentChain,
		PaymentToken:         txn.PaymentToken,
		AmountPaid:           txn.AmountPaid,
		SwapAmount:           txn.SwapAmount,
		CirxRecipientAddress: txn.CirxRecipientAddress,
		CirxTransferTxID:     txn.CirxTransferTxID,
		CirxAmount:           txn.CirxAmount,
		FailureReason:        txn.FailureReason,
		CreatedAt:            txn.CreatedAt,
		UpdatedAt:            txn.UpdatedAt,
	}
}
