package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/brojonat/cirx-otc/service/metrics"
	"golang.org/x/sync/errgroup"
)

// PassRunner runs a named pass.
type PassRunner interface {
	Run(ctx context.Context, pass string) (PassResult, error)
}

// Pool runs enqueued passes on a fixed number of goroutines fed by a
// bounded channel. A pass already waiting in the queue is not queued twice,
// and Enqueue never blocks: a full queue drops the request.
type Pool struct {
	runner  PassRunner
	size    int
	queue   chan string
	mu      sync.Mutex
	pending map[string]bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPool creates a pool of size workers with room for queueSize passes.
func NewPool(runner PassRunner, size, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		runner:  runner,
		size:    size,
		queue:   make(chan string, queueSize),
		pending: make(map[string]bool),
		metrics: m,
		logger:  logger.With("component", "worker_pool"),
	}
}

// Enqueue queues pass. It returns false when the pass is already queued or
// the queue is full.
func (p *Pool) Enqueue(pass string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending[pass] {
		return false
	}
	select {
	case p.queue <- pass:
		p.pending[pass] = true
		p.setDepth()
		return true
	default:
		p.logger.Warn("worker queue full, dropping pass", "pass", pass)
		return false
	}
}

// setDepth must be called with p.mu held.
func (p *Pool) setDepth() {
	if p.metrics != nil {
		p.metrics.SetQueueDepth(len(p.queue))
	}
}

// Run consumes the queue until ctx is done. Pass errors are logged and do
// not stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case pass := <-p.queue:
					p.mu.Lock()
					delete(p.pending, pass)
					p.setDepth()
					p.mu.Unlock()

					if _, err := p.runner.Run(ctx, pass); err != nil && ctx.Err() == nil {
						p.logger.ErrorContext(ctx, "pass failed", "pass", pass, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}
