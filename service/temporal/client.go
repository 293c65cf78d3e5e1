package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) workflowAction(id string, input SettlementSweepInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        id + "-run",
		Workflow:  SettlementSweepWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// createSweepSchedule creates a new Temporal schedule for a settlement sweep.
func (c *Client) createSweepSchedule(ctx context.Context, id string, interval time.Duration, input SettlementSweepInput) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: c.workflowAction(id, input),
		Memo: map[string]interface{}{
			"include_recovery": input.IncludeRecovery,
			"created_by":       "cirx-otc",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("sweep schedule created",
		"schedule_id", id,
		"interval", interval,
		"include_recovery", input.IncludeRecovery,
	)
	return nil
}

// UpsertSweepSchedule creates or updates a sweep schedule.
// If the schedule already exists, it updates the interval and input.
func (c *Client) UpsertSweepSchedule(ctx context.Context, id string, interval time.Duration, input SettlementSweepInput) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one", "schedule_id", id, "error", err)
		return c.createSweepSchedule(ctx, id, interval, input)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			in.Description.Schedule.Action = c.workflowAction(id, input)
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("sweep schedule updated",
		"schedule_id", id,
		"interval", interval,
		"include_recovery", input.IncludeRecovery,
	)
	return nil
}

// DeleteSweepSchedule deletes a sweep schedule.
func (c *Client) DeleteSweepSchedule(ctx context.Context, id string) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}
	c.logger.Info("sweep schedule deleted", "schedule_id", id)
	return nil
}

// StartSweep starts a one-off SettlementSweepWorkflow and returns its workflow ID.
func (c *Client) StartSweep(ctx context.Context, input SettlementSweepInput) (string, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("settlement-sweep-manual-%d", time.Now().UnixNano()),
		TaskQueue: c.taskQueue,
	}, SettlementSweepWorkflow, input)
	if err != nil {
		return "", fmt.Errorf("failed to start settlement sweep: %w", err)
	}
	c.logger.Info("settlement sweep started", "workflow_id", run.GetID(), "include_recovery", input.IncludeRecovery)
	return run.GetID(), nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
