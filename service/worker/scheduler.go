package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler enqueues passes on a fixed interval. Verification and transfer
// run every tick; recovery runs on one tick in sampleRate.
type Scheduler struct {
	cron       *cron.Cron
	requeuer   Requeuer
	sampleRate uint64
	ticks      atomic.Uint64
	logger     *slog.Logger
}

// NewScheduler creates a scheduler ticking every interval.
func NewScheduler(requeuer Requeuer, interval time.Duration, sampleRate int, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("pass interval must be positive, got %s", interval)
	}
	if sampleRate < 1 {
		sampleRate = 1
	}
	s := &Scheduler{
		cron:       cron.New(),
		requeuer:   requeuer,
		sampleRate: uint64(sampleRate),
		logger:     logger.With("component", "worker_scheduler"),
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), func() { s.Tick() }); err != nil {
		return nil, fmt.Errorf("failed to schedule passes: %w", err)
	}
	return s, nil
}

// Tick enqueues the passes due on this tick and returns their names.
func (s *Scheduler) Tick() []string {
	n := s.ticks.Add(1)
	due := []string{PaymentVerification, CirxTransfer}
	if n%s.sampleRate == 0 {
		due = append(due, Recovery)
	}
	var queued []string
	for _, pass := range due {
		if s.requeuer.Enqueue(pass) {
			queued = append(queued, pass)
		}
	}
	s.logger.Debug("scheduler tick", "tick", n, "queued", queued)
	return queued
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for a running tick to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
