package nats

import (
	"context"
	"log/slog"

	"github.com/brojonat/cirx-otc/service/swap"
)

// PublishingStore wraps a swap.Store and publishes a SwapEvent after every
// created swap and every applied transition. Publishing is best effort: a
// failed publish is logged and never undoes the write.
type PublishingStore struct {
	swap.Store
	publisher Publisher
	logger    *slog.Logger
}

var _ swap.Store = (*PublishingStore)(nil)

// NewPublishingStore wraps store. A nil publisher disables publishing.
func NewPublishingStore(store swap.Store, publisher Publisher, logger *slog.Logger) *PublishingStore {
	return &PublishingStore{
		Store:     store,
		publisher: publisher,
		logger:    logger.With("component", "publishing_store"),
	}
}

func (s *PublishingStore) CreateTransaction(ctx context.Context, params swap.CreateParams) (*swap.Transaction, error) {
	txn, err := s.Store.CreateTransaction(ctx, params)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, FromSwap(txn, ""))
	return txn, nil
}

func (s *PublishingStore) TransitionTransaction(ctx context.Context, tr swap.Transition) (*swap.Transaction, error) {
	txn, err := s.Store.TransitionTransaction(ctx, tr)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, FromSwap(txn, tr.From))
	return txn, nil
}

// CountTransactionsByStatus forwards to the wrapped store when it supports counting.
func (s *PublishingStore) CountTransactionsByStatus(ctx context.Context) (map[swap.Status]int64, error) {
	counter, ok := s.Store.(interface {
		CountTransactionsByStatus(ctx context.Context) (map[swap.Status]int64, error)
	})
	if !ok {
		return map[swap.Status]int64{}, nil
	}
	return counter.CountTransactionsByStatus(ctx)
}

func (s *PublishingStore) publish(ctx context.Context, event *SwapEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSwapEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish swap event",
			"transaction_id", event.TransactionID,
			"status", event.Status,
			"error", err,
		)
	}
}
