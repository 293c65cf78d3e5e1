package swap

// Status is the settlement state of a swap transaction.
type Status string

const (
	StatusInitiated                  Status = "initiated"
	StatusPendingPaymentVerification Status = "pending_payment_verification"
	StatusPaymentVerified            Status = "payment_verified"
	StatusCirxTransferPending        Status = "cirx_transfer_pending"
	StatusCirxTransferInitiated      Status = "cirx_transfer_initiated"
	StatusCompleted                  Status = "completed"
	StatusFailedPaymentVerification  Status = "failed_payment_verification"
	StatusFailedCirxTransfer         Status = "failed_cirx_transfer"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusInitiated,
	StatusPendingPaymentVerification,
	StatusPaymentVerified,
	StatusCirxTransferPending,
	StatusCirxTransferInitiated,
	StatusCompleted,
	StatusFailedPaymentVerification,
	StatusFailedCirxTransfer,
}

// forward holds the edges of the normal pipeline, including failure branches.
var forward = map[Status][]Status{
	StatusInitiated:                  {StatusPendingPaymentVerification},
	StatusPendingPaymentVerification: {StatusPendingPaymentVerification, StatusPaymentVerified, StatusFailedPaymentVerification},
	StatusPaymentVerified:            {StatusCirxTransferPending, StatusFailedCirxTransfer},
	// The self edge records a send whose outcome is unknown.
	StatusCirxTransferPending:   {StatusCirxTransferPending, StatusCirxTransferInitiated, StatusFailedCirxTransfer},
	StatusCirxTransferInitiated: {StatusCompleted},
}

// recovery holds the extra edges only the recovery worker may take.
// Moving backwards is allowed here and nowhere else.
var recovery = map[Status][]Status{
	StatusInitiated:                  {StatusPendingPaymentVerification, StatusFailedPaymentVerification},
	StatusPendingPaymentVerification: {StatusPendingPaymentVerification, StatusFailedPaymentVerification},
	StatusPaymentVerified:            {StatusPaymentVerified, StatusFailedCirxTransfer},
	StatusCirxTransferPending:        {StatusPaymentVerified, StatusFailedCirxTransfer},
	StatusCirxTransferInitiated:      {StatusCirxTransferInitiated, StatusCompleted, StatusFailedCirxTransfer},
	StatusFailedCirxTransfer:         {StatusPaymentVerified, StatusFailedCirxTransfer},
}

// CanTransition reports whether from -> to is a legal pipeline move.
func CanTransition(from, to Status) bool {
	return contains(forward[from], to)
}

// CanRecover reports whether from -> to is a legal recovery move.
func CanRecover(from, to Status) bool {
	return contains(recovery[from], to) || CanTransition(from, to)
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return contains(AllStatuses, s)
}

// IsTerminal reports whether no worker will pick the status up again.
// FAILED_CIRX_TRANSFER is terminal only once recovery attempts are exhausted,
// which depends on the record, see Transaction.IsTerminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailedPaymentVerification
}

// IsFailure reports whether s is one of the failure branches.
func (s Status) IsFailure() bool {
	return s == StatusFailedPaymentVerification || s == StatusFailedCirxTransfer
}

// HasTransferTxID reports whether a record in status s must carry a payout tx id.
func (s Status) HasTransferTxID() bool {
	return s == StatusCirxTransferInitiated || s == StatusCompleted
}

// Phase is the user-facing progress summary for a status.
type Phase struct {
	Name     string `json:"phase"`
	Progress int    `json:"progress"`
}

var phases = map[Status]Phase{
	StatusInitiated:                  {"initiated", 0},
	StatusPendingPaymentVerification: {"verifying_payment", 25},
	StatusPaymentVerified:            {"payment_verified", 50},
	StatusCirxTransferPending:        {"transferring", 65},
	StatusCirxTransferInitiated:      {"transfer_sent", 85},
	StatusCompleted:                  {"completed", 100},
	StatusFailedPaymentVerification:  {"failed", 25},
	StatusFailedCirxTransfer:         {"failed", 50},
}

// PhaseOf returns the phase for s.
func PhaseOf(s Status) Phase {
	if p, ok := phases[s]; ok {
		return p
	}
	return Phase{Name: "unknown"}
}
