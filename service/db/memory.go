package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/google/uuid"
)

// MemoryStore is an in-process swap.Store with the same compare-and-set
// semantics as Store. It backs unit tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*swap.Transaction
	byPayment map[string]uuid.UUID
	now       func() time.Time
}

var _ swap.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[uuid.UUID]*swap.Transaction),
		byPayment: make(map[string]uuid.UUID),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for created_at/updated_at.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Backdate moves a record's updated_at into the past, as if it had been
// sitting untouched for age.
func (m *MemoryStore) Backdate(id uuid.UUID, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn, ok := m.byID[id]; ok {
		txn.UpdatedAt = m.now().Add(-age)
	}
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, params swap.CreateParams) (*swap.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byPayment[params.PaymentTxID]; exists {
		return nil, fmt.Errorf("%w: %s", swap.ErrDuplicatePayment, params.PaymentTxID)
	}
	status := params.Status
	if status == "" {
		status = swap.StatusInitiated
	}
	now := m.now()
	txn := &swap.Transaction{
		ID:                   uuid.New(),
		PaymentTxID:          params.PaymentTxID,
		PaymentChain:         params.PaymentChain,
		PaymentToken:         params.PaymentToken,
		AmountPaid:           params.AmountPaid,
		SwapAmount:           params.SwapAmount,
		SenderAddress:        params.SenderAddress,
		CirxRecipientAddress: params.CirxRecipientAddress,
		Status:               status,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	m.byID[txn.ID] = txn
	m.byPayment[txn.PaymentTxID] = txn.ID
	return clone(txn), nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (*swap.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", swap.ErrTransactionNotFound, id)
	}
	return clone(txn), nil
}

func (m *MemoryStore) GetTransactionByPaymentTxID(ctx context.Context, paymentTxID string) (*swap.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPayment[paymentTxID]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", swap.ErrTransactionNotFound, paymentTxID)
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) ListTransactionsByStatus(ctx context.Context, statuses []swap.Status, limit int) ([]*swap.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(limit, func(txn *swap.Transaction) bool {
		return len(statuses) == 0 || hasStatus(statuses, txn.Status)
	}), nil
}

func (m *MemoryStore) ListStaleTransactions(ctx context.Context, q swap.StaleQuery) ([]*swap.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(q.Limit, func(txn *swap.Transaction) bool {
		if !hasStatus(q.Statuses, txn.Status) || !txn.UpdatedAt.Before(q.UpdatedBefore) {
			return false
		}
		if txn.Status != swap.StatusFailedCirxTransfer {
			return true
		}
		return txn.RecoveryAttempts < q.MaxRecoveryAttempts && !txn.FailurePermanent
	}), nil
}

// CountTransactionsByStatus returns the number of records per status.
func (m *MemoryStore) CountTransactionsByStatus(ctx context.Context) (map[swap.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[swap.Status]int64)
	for _, txn := range m.byID {
		counts[txn.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) TransitionTransaction(ctx context.Context, tr swap.Transition) (*swap.Transaction, error) {
	if err := tr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, tr.From, tr.To)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.byID[tr.ID]
	if !ok || txn.Status != tr.From || (tr.ExpectedVersion != 0 && txn.Version != tr.ExpectedVersion) {
		return nil, fmt.Errorf("%w: %s expected %s", swap.ErrStaleTransition, tr.ID, tr.From)
	}

	now := m.now()
	txn.Status = tr.To
	txn.Version++
	txn.UpdatedAt = now

	switch {
	case tr.FailureReason != nil:
		txn.FailureReason = swap.StringPtr(*tr.FailureReason)
		txn.FailurePermanent = tr.PermanentFailure
	case tr.ClearFailureReason:
		txn.FailureReason = nil
		txn.FailurePermanent = false
	}
	switch {
	case tr.CirxTransferTxID != nil:
		txn.CirxTransferTxID = swap.StringPtr(*tr.CirxTransferTxID)
	case tr.ClearCirxTransfer:
		txn.CirxTransferTxID = nil
		txn.CirxAmount = nil
	}
	if tr.CirxAmount != nil {
		txn.CirxAmount = swap.StringPtr(*tr.CirxAmount)
	}
	switch {
	case tr.IncrementRetry:
		txn.RetryCount++
		txn.LastRetryAt = &now
	case tr.ResetRetry:
		txn.RetryCount = 0
	}
	if tr.IncrementRecovery {
		txn.RecoveryAttempts++
	}
	return clone(txn), nil
}

// collect must be called with m.mu held.
func (m *MemoryStore) collect(limit int, match func(*swap.Transaction) bool) []*swap.Transaction {
	var out []*swap.Transaction
	for _, txn := range m.byID {
		if match(txn) {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = clone(out[i])
	}
	return out
}

func hasStatus(statuses []swap.Status, s swap.Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func clone(txn *swap.Transaction) *swap.Transaction {
	c := *txn
	if txn.CirxTransferTxID != nil {
		c.CirxTransferTxID = swap.StringPtr(*txn.CirxTransferTxID)
	}
	if txn.CirxAmount != nil {
		c.CirxAmount = swap.StringPtr(*txn.CirxAmount)
	}
	if txn.FailureReason != nil {
		c.FailureReason = swap.StringPtr(*txn.FailureReason)
	}
	if txn.LastRetryAt != nil {
		t := *txn.LastRetryAt
		c.LastRetryAt = &t
	}
	return &c
}
