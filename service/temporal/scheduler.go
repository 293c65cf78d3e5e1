package temporal

import (
	"context"
	"time"
)

// Schedule IDs for the two sweep schedules.
const (
	SweepScheduleID    = "settlement-sweep"
	RecoveryScheduleID = "settlement-recovery"
)

// Scheduler manages the Temporal schedules that trigger SettlementSweepWorkflow.
type Scheduler interface {
	// UpsertSweepSchedule creates the schedule id, or updates its interval
	// and input when it already exists.
	UpsertSweepSchedule(ctx context.Context, id string, interval time.Duration, input SettlementSweepInput) error

	// DeleteSweepSchedule deletes the schedule id.
	DeleteSweepSchedule(ctx context.Context, id string) error
}

// EnsureSweepSchedules installs the regular sweep every interval and a
// recovery sweep every interval*recoverySampleRate. passTimeout bounds each
// pass; zero uses DefaultPassTimeout.
func EnsureSweepSchedules(ctx context.Context, s Scheduler, interval time.Duration, recoverySampleRate int, passTimeout time.Duration) error {
	if recoverySampleRate < 1 {
		recoverySampleRate = 1
	}
	if err := s.UpsertSweepSchedule(ctx, SweepScheduleID, interval, SettlementSweepInput{PassTimeout: passTimeout}); err != nil {
		return err
	}
	return s.UpsertSweepSchedule(ctx, RecoveryScheduleID, interval*time.Duration(recoverySampleRate),
		SettlementSweepInput{IncludeRecovery: true, PassTimeout: passTimeout})
}
