package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/swap"
)

// ErrUnknownPass is returned for a pass name not in Passes.
var ErrUnknownPass = fmt.Errorf("unknown worker pass")

// Requeuer schedules another pass without blocking.
type Requeuer interface {
	Enqueue(pass string) bool
}

// StatusCounter is implemented by stores that can report counts per status.
type StatusCounter interface {
	CountTransactionsByStatus(ctx context.Context) (map[swap.Status]int64, error)
}

type pass interface {
	Run(ctx context.Context) (PassResult, error)
}

// Runner is the entry point for the three passes. It records metrics,
// forwards requeue requests and refreshes the per-status gauge.
type Runner struct {
	passes   map[string]pass
	store    swap.Store
	requeuer Requeuer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRunner wires the three workers over store.
func NewRunner(store swap.Store, verifier Verifier, transferer Transferer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Runner {
	logger = logger.With("component", "worker_runner")
	return &Runner{
		passes: map[string]pass{
			PaymentVerification: NewPaymentVerificationWorker(store, verifier, cfg, logger),
			CirxTransfer:        NewCirxTransferWorker(store, transferer, cfg, logger),
			Recovery:            NewStuckTransactionRecoveryWorker(store, transferer, cfg, logger),
		},
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

// SetRequeuer sets where follow-up passes are enqueued.
func (r *Runner) SetRequeuer(q Requeuer) {
	r.requeuer = q
}

// RunPaymentVerificationPass runs one payment verification pass.
func (r *Runner) RunPaymentVerificationPass(ctx context.Context) (PassResult, error) {
	return r.Run(ctx, PaymentVerification)
}

// RunCirxTransferPass runs one CIRX transfer pass.
func (r *Runner) RunCirxTransferPass(ctx context.Context) (PassResult, error) {
	return r.Run(ctx, CirxTransfer)
}

// RunRecoveryPass runs one stuck transaction recovery pass.
func (r *Runner) RunRecoveryPass(ctx context.Context) (PassResult, error) {
	return r.Run(ctx, Recovery)
}

// Run runs the named pass.
func (r *Runner) Run(ctx context.Context, name string) (PassResult, error) {
	p, ok := r.passes[name]
	if !ok {
		return PassResult{Worker: name}, fmt.Errorf("%w: %q", ErrUnknownPass, name)
	}

	start := time.Now()
	result, err := p.Run(ctx)
	result.Duration = time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.RecordWorkerPass(name, status, result.Duration.Seconds())
		r.metrics.RecordWorkerRecords(name, "succeeded", result.Succeeded)
		r.metrics.RecordWorkerRecords(name, "failed", result.Failed)
		r.metrics.RecordWorkerRecords(name, "retried", result.Retried)
		r.metrics.RecordWorkerRecords(name, "pending", result.Pending)
		r.metrics.RecordWorkerRecords(name, "skipped", result.Skipped)
	}

	log := r.logger.With(
		"pass", name,
		"selected", result.Selected,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"retried", result.Retried,
		"pending", result.Pending,
		"skipped", result.Skipped,
		"duration", result.Duration,
	)
	if err != nil {
		log.ErrorContext(ctx, "worker pass failed", "error", err)
		return result, err
	}
	if result.Selected > 0 {
		log.InfoContext(ctx, "worker pass complete")
	} else {
		log.DebugContext(ctx, "worker pass complete")
	}

	if r.requeuer != nil {
		for _, next := range result.Requeue {
			if !r.requeuer.Enqueue(next) {
				r.logger.DebugContext(ctx, "follow-up pass not enqueued", "pass", next)
			}
		}
	}
	r.refreshStatusGauge(ctx)
	return result, nil
}

func (r *Runner) refreshStatusGauge(ctx context.Context) {
	counter, ok := r.store.(StatusCounter)
	if !ok || r.metrics == nil {
		return
	}
	counts, err := counter.CountTransactionsByStatus(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to count swaps by status", "error", err)
		return
	}
	for _, s := range swap.AllStatuses {
		r.metrics.SetSwapsByStatus(string(s), counts[s])
	}
}
