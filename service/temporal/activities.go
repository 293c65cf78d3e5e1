package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/cirx-otc/service/metrics"
	"github.com/brojonat/cirx-otc/service/worker"
	"go.temporal.io/sdk/activity"
)

// heartbeatInterval must stay well under the workflow's HeartbeatTimeout.
const heartbeatInterval = 20 * time.Second

// PassRunner runs one named settlement pass. worker.Runner implements it.
type PassRunner interface {
	Run(ctx context.Context, pass string) (worker.PassResult, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	runner  PassRunner
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(runner PassRunner, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		runner:  runner,
		metrics: m,
		logger:  logger,
	}
}

// RunPaymentVerificationPass verifies pending payments.
func (a *Activities) RunPaymentVerificationPass(ctx context.Context) (*worker.PassResult, error) {
	return a.run(ctx, "RunPaymentVerificationPass", worker.PaymentVerification)
}

// RunCirxTransferPass pays out verified swaps.
func (a *Activities) RunCirxTransferPass(ctx context.Context) (*worker.PassResult, error) {
	return a.run(ctx, "RunCirxTransferPass", worker.CirxTransfer)
}

// RunRecoveryPass reclaims stuck swaps.
func (a *Activities) RunRecoveryPass(ctx context.Context) (*worker.PassResult, error) {
	return a.run(ctx, "RunRecoveryPass", worker.Recovery)
}

func (a *Activities) run(ctx context.Context, activityName, pass string) (*worker.PassResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration(activityName, time.Since(start).Seconds())
		}
	}()

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, pass)
			}
		}
	}()

	// Follow-up passes are run by the workflow itself, so the result's
	// Requeue list is returned rather than enqueued.
	result, err := a.runner.Run(ctx, pass)
	if err != nil {
		a.logger.ErrorContext(ctx, "settlement pass failed", "pass", pass, "error", err)
		return nil, fmt.Errorf("%s pass failed: %w", pass, err)
	}
	return &result, nil
}
