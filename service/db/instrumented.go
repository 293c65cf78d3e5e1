package db

import (
	"context"
	"errors"
	"time"

	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/google/uuid"
)

// InstrumentedStore records query duration and outcome for every call on
// the wrapped store. Lookups that find nothing and lost compare-and-set
// races are recorded as successful queries.
type InstrumentedStore struct {
	store   swap.Store
	metrics *metrics.Metrics
}

var _ swap.Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps store. A nil metrics returns store unchanged.
func NewInstrumentedStore(store swap.Store, m *metrics.Metrics) swap.Store {
	if m == nil {
		return store
	}
	return &InstrumentedStore{store: store, metrics: m}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if errors.Is(err, swap.ErrTransactionNotFound) || errors.Is(err, swap.ErrStaleTransition) {
		err = nil
	}
	s.metrics.RecordDBQuery(op, time.Since(start).Seconds(), err)
}

func (s *InstrumentedStore) CreateTransaction(ctx context.Context, params swap.CreateParams) (txn *swap.Transaction, err error) {
	defer func(start time.Time) { s.observe("create_transaction", start, err) }(time.Now())
	return s.store.CreateTransaction(ctx, params)
}

func (s *InstrumentedStore) GetTransaction(ctx context.Context, id uuid.UUID) (txn *swap.Transaction, err error) {
	defer func(start time.Time) { s.observe("get_transaction", start, err) }(time.Now())
	return s.store.GetTransaction(ctx, id)
}

func (s *InstrumentedStore) GetTransactionByPaymentTxID(ctx context.Context, paymentTxID string) (txn *swap.Transaction, err error) {
	defer func(start time.Time) { s.observe("get_transaction_by_payment", start, err) }(time.Now())
	return s.store.GetTransactionByPaymentTxID(ctx, paymentTxID)
}

func (s *InstrumentedStore) ListTransactionsByStatus(ctx context.Context, statuses []swap.Status, limit int) (txns []*swap.Transaction, err error) {
	defer func(start time.Time) { s.observe("list_by_status", start, err) }(time.Now())
	return s.store.ListTransactionsByStatus(ctx, statuses, limit)
}

func (s *InstrumentedStore) ListStaleTransactions(ctx context.Context, q swap.StaleQuery) (txns []*swap.Transaction, err error) {
	defer func(start time.Time) { s.observe("list_stale", start, err) }(time.Now())
	return s.store.ListStaleTransactions(ctx, q)
}

// TransitionTransaction also counts each applied transition by its edge.
func (s *InstrumentedStore) TransitionTransaction(ctx context.Context, tr swap.Transition) (txn *swap.Transaction, err error) {
	defer func(start time.Time) { s.observe("transition", start, err) }(time.Now())
	txn, err = s.store.TransitionTransaction(ctx, tr)
	if err == nil {
		s.metrics.RecordTransition(string(tr.From), string(tr.To))
	}
	return txn, err
}

// CountTransactionsByStatus forwards to the wrapped store when it supports counting.
func (s *InstrumentedStore) CountTransactionsByStatus(ctx context.Context) (counts map[swap.Status]int64, err error) {
	counter, ok := s.store.(interface {
		CountTransactionsByStatus(ctx context.Context) (map[swap.Status]int64, error)
	})
	if !ok {
		return map[swap.Status]int64{}, nil
	}
	defer func(start time.Time) { s.observe("count_by_status", start, err) }(time.Now())
	return counter.CountTransactionsByStatus(ctx)
}
