package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/cirx-otc/service/worker"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// DefaultPassTimeout bounds a pass when the sweep input sets none.
	DefaultPassTimeout = 30 * time.Minute

	minPassTimeout       = 5 * time.Minute
	perRecordOverhead    = 30 * time.Second
	passHeartbeatTimeout = time.Minute
)

// SettlementSweepInput selects which passes a sweep runs.
type SettlementSweepInput struct {
	IncludeRecovery bool `json:"include_recovery"`
	// PassTimeout is the StartToCloseTimeout of each pass activity.
	PassTimeout time.Duration `json:"pass_timeout,omitempty"`
}

// PassTimeout bounds one pass over batchSize records, each of which may
// wait up to confirmationWait for its payout to confirm.
func PassTimeout(batchSize int, confirmationWait time.Duration) time.Duration {
	d := time.Duration(max(batchSize, 1)) * (confirmationWait + perRecordOverhead)
	return max(d, minPassTimeout)
}

// SettlementSweepResult summarizes a sweep.
type SettlementSweepResult struct {
	Passes []worker.PassResult `json:"passes"`
	Errors []string            `json:"errors,omitempty"`
}

// SettlementSweepWorkflow runs the settlement passes in pipeline order:
// recovery (when requested), payment verification, then CIRX transfer.
// Each pass is stateless, so a failed pass does not stop the ones after it;
// the workflow only fails when every pass failed.
//
// The CIRX transfer pass runs at most once per sweep. An attempt that timed
// out may still be sending payouts; the next sweep picks up what it left.
func SettlementSweepWorkflow(ctx workflow.Context, input SettlementSweepInput) (*SettlementSweepResult, error) {
	logger := workflow.GetLogger(ctx)
	timeout := input.PassTimeout
	if timeout <= 0 {
		timeout = DefaultPassTimeout
	}
	logger.Info("SettlementSweepWorkflow started", "include_recovery", input.IncludeRecovery, "pass_timeout", timeout)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    passHeartbeatTimeout,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	retryCtx := workflow.WithActivityOptions(ctx, activityOptions)

	onceOptions := activityOptions
	onceOptions.RetryPolicy = &temporalsdk.RetryPolicy{MaximumAttempts: 1}
	onceCtx := workflow.WithActivityOptions(ctx, onceOptions)

	result := &SettlementSweepResult{}
	attempted := 0
	run := func(actx workflow.Context, name string, activity interface{}) {
		attempted++
		var pass *worker.PassResult
		if err := workflow.ExecuteActivity(actx, activity).Get(actx, &pass); err != nil {
			logger.Error("settlement pass failed", "pass", name, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			return
		}
		if pass != nil {
			result.Passes = append(result.Passes, *pass)
		}
	}

	if input.IncludeRecovery {
		run(retryCtx, worker.Recovery, a.RunRecoveryPass)
	}
	run(retryCtx, worker.PaymentVerification, a.RunPaymentVerificationPass)
	run(onceCtx, worker.CirxTransfer, a.RunCirxTransferPass)

	logger.Info("SettlementSweepWorkflow completed",
		"passes", len(result.Passes),
		"errors", len(result.Errors),
	)

	if len(result.Errors) == attempted {
		return result, fmt.Errorf("all %d settlement passes failed: %s", attempted, result.Errors[0])
	}
	return result, nil
}
