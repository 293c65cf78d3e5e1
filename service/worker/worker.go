// Package worker drives swaps through the settlement pipeline in batch passes.
//
// Each pass is stateless and safe to run repeatedly or concurrently with
// itself: every state change is a compare-and-set, and a lost race is
// counted as skipped rather than treated as an error.
package worker

import (
	"context"
	"time"

	"github.com/brojonat/cirx-otc/service/chain"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/brojonat/cirx-otc/service/verify"
)

// Pass names, used for triggers, metrics and logs.
const (
	PaymentVerification = "payment_verification"
	CirxTransfer        = "cirx_transfer"
	Recovery            = "recovery"
)

// Passes lists every pass name.
var Passes = []string{PaymentVerification, CirxTransfer, Recovery}

// MaxRecoveryReason is recorded when a swap runs out of recovery attempts,
// followed by the last cause when one is known.
const MaxRecoveryReason = "max recovery attempts exceeded"

// stuckReasonPrefix starts the note recovery leaves on a swap that had no
// failure reason.
const stuckReasonPrefix = "stuck in"

// Verifier checks payments on chain.
type Verifier interface {
	VerifyPayment(ctx context.Context, req verify.Request) (*swap.VerificationResult, error)
}

// Transferer pays out CIRX and settles broadcast payouts.
type Transferer interface {
	TransferToUser(ctx context.Context, tx *swap.Transaction) (*swap.TransferResult, error)
	ConfirmTransfer(ctx context.Context, tx *swap.Transaction) (*swap.Transaction, error)
}

// Config holds the batch and retry policy shared by the workers.
type Config struct {
	BatchSize              int
	MaxVerificationRetries int
	MaxRecoveryAttempts    int
	// StuckThreshold is how long a non-terminal swap may sit untouched
	// before the recovery worker reclaims it.
	StuckThreshold time.Duration
	// TransferStuckThreshold is how long a claimed payout may sit in
	// CIRX_TRANSFER_PENDING before the transfer worker retries it.
	TransferStuckThreshold time.Duration
	// ProjectWallets maps chain name to the wallet payments must reach.
	ProjectWallets map[string]string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:              50,
		MaxVerificationRetries: 5,
		MaxRecoveryAttempts:    3,
		StuckThreshold:         60 * time.Minute,
		TransferStuckThreshold: 10 * time.Minute,
		ProjectWallets:         map[string]string{},
	}
}

// ProjectWallet returns the project wallet for chainName.
func (c Config) ProjectWallet(chainName string) string {
	return c.ProjectWallets[chain.Normalize(chainName)]
}

// PassResult summarizes one pass.
type PassResult struct {
	Worker    string        `json:"worker"`
	Selected  int           `json:"selected"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Retried   int           `json:"retried"`
	Pending   int           `json:"pending"`
	Skipped   int           `json:"skipped"`
	Requeue   []string      `json:"requeue,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (r *PassResult) requeue(pass string) {
	for _, p := range r.Requeue {
		if p == pass {
			return
		}
	}
	r.Requeue = append(r.Requeue, pass)
}

// nonTerminal are the statuses the recovery worker scans.
var nonTerminal = []swap.Status{
	swap.StatusInitiated,
	swap.StatusPendingPaymentVerification,
	swap.StatusPaymentVerified,
	swap.StatusCirxTransferPending,
	swap.StatusCirxTransferInitiated,
	swap.StatusFailedCirxTransfer,
}
