package server

import (
	"context"
	"time"

	"github.com/brojonat/cirx-otc/service/temporal"
	"github.com/brojonat/cirx-otc/service/worker"
)

// Trigger modes reported in TriggerResponse.
const (
	ModeQueue    = "queue"
	ModeInline   = "inline"
	ModeTemporal = "temporal"
)

// TriggerResponse reports what a trigger request did.
type TriggerResponse struct {
	Pass       string             `json:"pass"`
	Mode       string             `json:"mode"`
	Queued     bool               `json:"queued"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	Result     *worker.PassResult `json:"result,omitempty"`
}

// PassTrigger starts a worker pass on request. The pass name has already
// been checked against worker.Passes.
type PassTrigger interface {
	TriggerPass(ctx context.Context, pass string) (*TriggerResponse, error)
}

// QueueTrigger hands the pass to the worker pool. A pass that is already
// queued, or a full queue, is reported as Queued=false.
type QueueTrigger struct {
	Requeuer worker.Requeuer
}

func (q QueueTrigger) TriggerPass(ctx context.Context, pass string) (*TriggerResponse, error) {
	return &TriggerResponse{
		Pass:   pass,
		Mode:   ModeQueue,
		Queued: q.Requeuer.Enqueue(pass),
	}, nil
}

// InlineTrigger runs the pass within the request.
type InlineTrigger struct {
	Runner worker.PassRunner
}

func (t InlineTrigger) TriggerPass(ctx context.Context, pass string) (*TriggerResponse, error) {
	result, err := t.Runner.Run(ctx, pass)
	if err != nil {
		return nil, err
	}
	return &TriggerResponse{Pass: pass, Mode: ModeInline, Result: &result}, nil
}

// SweepStarter starts a one-off settlement sweep workflow.
type SweepStarter interface {
	StartSweep(ctx context.Context, input temporal.SettlementSweepInput) (string, error)
}

// TemporalTrigger starts a sweep workflow. A sweep runs every forward pass;
// recovery is included only when it is the requested pass.
type TemporalTrigger struct {
	Starter SweepStarter
	// PassTimeout bounds each pass of the sweep; zero uses the workflow default.
	PassTimeout time.Duration
}

func (t TemporalTrigger) TriggerPass(ctx context.Context, pass string) (*TriggerResponse, error) {
	id, err := t.Starter.StartSweep(ctx, temporal.SettlementSweepInput{
		IncludeRecovery: pass == worker.Recovery,
		PassTimeout:     t.PassTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &TriggerResponse{Pass: pass, Mode: ModeTemporal, Queued: true, WorkflowID: id}, nil
}
