package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/cirx-otc/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List all Temporal schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			iter, err := temporalClient.SDKClient().ScheduleClient().List(ctx, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			var ids []string
			for iter.HasNext() {
				schedule, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				ids = append(ids, schedule.ID)
			}

			if c.Bool("json") {
				return outputJSON(ids)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID")
			for _, id := range ids {
				fmt.Fprintf(w, "%s\n", id)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(ids))
			return nil
		},
	}
}

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "describe-schedule",
		Usage:     "Describe a Temporal schedule",
		Aliases:   []string{"desc"},
		ArgsUsage: "[schedule-id]",
		Description: `Defaults to the regular settlement sweep schedule.

Example:
  cirxctl temporal describe-schedule settlement-recovery`,
		Action: func(c *cli.Context) error {
			scheduleID := scheduleArg(c)
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			handle := temporalClient.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			desc, err := handle.Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			fmt.Printf("Schedule ID:    %s\n", scheduleID)
			fmt.Printf("State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Printf("Paused:         %v\n", desc.Schedule.State.Paused)

			if wa, ok := desc.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				fmt.Printf("\nWorkflow:\n")
				fmt.Printf("  Workflow:     %v\n", wa.Workflow)
				fmt.Printf("  Task Queue:   %s\n", wa.TaskQueue)
				fmt.Printf("  Args:         %v\n", wa.Args)
			}

			if len(desc.Schedule.Spec.Intervals) > 0 {
				fmt.Printf("\nSchedule Spec:\n")
				for i, interval := range desc.Schedule.Spec.Intervals {
					fmt.Printf("  Interval %d:   Every %v\n", i+1, interval.Every)
				}
			}

			fmt.Printf("\nRecent Actions: %d\n", len(desc.Info.RecentActions))
			if len(desc.Info.RecentActions) > 0 {
				lastAction := desc.Info.RecentActions[len(desc.Info.RecentActions)-1]
				fmt.Printf("Last Action:  %s\n", lastAction.ActualTime.Format(time.RFC3339))
			}
			if len(desc.Info.NextActionTimes) > 0 {
				fmt.Printf("Next Action:  %s\n", desc.Info.NextActionTimes[0].Format(time.RFC3339))
			}

			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause a sweep schedule",
		ArgsUsage: "[schedule-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via cirxctl",
			},
		},
		Action: func(c *cli.Context) error {
			scheduleID := scheduleArg(c)
			note := c.String("note")

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			handle := temporalClient.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: note}); err != nil {
				return fmt.Errorf("failed to pause schedule: %w", err)
			}

			fmt.Printf("✓ Schedule paused: %s\n", scheduleID)
			if note != "" {
				fmt.Printf("  Note: %s\n", note)
			}
			return nil
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume a paused sweep schedule",
		ArgsUsage: "[schedule-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via cirxctl",
			},
		},
		Action: func(c *cli.Context) error {
			scheduleID := scheduleArg(c)
			note := c.String("note")

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ctx := context.Background()
			handle := temporalClient.SDKClient().ScheduleClient().GetHandle(ctx, scheduleID)
			if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: note}); err != nil {
				return fmt.Errorf("failed to resume schedule: %w", err)
			}

			fmt.Printf("✓ Schedule resumed: %s\n", scheduleID)
			if note != "" {
				fmt.Printf("  Note: %s\n", note)
			}
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete a sweep schedule",
		ArgsUsage: "<schedule-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule ID")
			}
			scheduleID := c.Args().First()

			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete schedule %s? (yes/no): ", scheduleID)
				var response string
				fmt.Scanln(&response)
				if response != "yes" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			if err := temporalClient.DeleteSweepSchedule(context.Background(), scheduleID); err != nil {
				return err
			}

			fmt.Printf("✓ Schedule deleted: %s\n", scheduleID)
			return nil
		},
	}
}

func ensureSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "ensure-schedules",
		Usage: "Create or update the settlement sweep schedules",
		Description: `Installs the regular sweep (verification and payout passes) every
--interval and the recovery sweep every --interval * --recovery-sample-rate.
The worker does this on startup; use this after changing either value.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Sweep interval",
				EnvVars: []string{"PASS_INTERVAL"},
				Value:   30 * time.Second,
			},
			&cli.IntFlag{
				Name:    "recovery-sample-rate",
				Usage:   "Run the recovery sweep every N intervals",
				EnvVars: []string{"RECOVERY_SAMPLE_RATE"},
				Value:   10,
			},
			passTimeoutFlags[0],
			passTimeoutFlags[1],
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}
			rate := c.Int("recovery-sample-rate")

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			if err := temporal.EnsureSweepSchedules(context.Background(), temporalClient, interval, rate, passTimeout(c)); err != nil {
				return err
			}

			fmt.Printf("✓ Schedule ensured: %s (every %v)\n", temporal.SweepScheduleID, interval)
			fmt.Printf("✓ Schedule ensured: %s (every %v)\n", temporal.RecoveryScheduleID, interval*time.Duration(max(rate, 1)))
			return nil
		},
	}
}

func startSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "start-sweep",
		Usage: "Start a one-off settlement sweep workflow",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "include-recovery",
				Usage: "Also run the stuck transaction recovery pass",
			},
			passTimeoutFlags[0],
			passTimeoutFlags[1],
		},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			workflowID, err := temporalClient.StartSweep(context.Background(), temporal.SettlementSweepInput{
				IncludeRecovery: c.Bool("include-recovery"),
				PassTimeout:     passTimeout(c),
			})
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"workflow_id": workflowID})
			}
			fmt.Printf("✓ Sweep started: %s\n", workflowID)
			return nil
		},
	}
}

// passTimeoutFlags size the per-pass activity timeout the same way the
// worker does.
var passTimeoutFlags = []cli.Flag{
	&cli.IntFlag{
		Name:    "batch-size",
		Usage:   "Records per pass",
		EnvVars: []string{"WORKER_BATCH_SIZE"},
		Value:   50,
	},
	&cli.DurationFlag{
		Name:    "confirmation-wait",
		Usage:   "How long a payout waits for its first confirmation",
		EnvVars: []string{"CONFIRMATION_WAIT"},
		Value:   30 * time.Second,
	},
}

func passTimeout(c *cli.Context) time.Duration {
	return temporal.PassTimeout(c.Int("batch-size"), c.Duration("confirmation-wait"))
}

func scheduleArg(c *cli.Context) string {
	if c.NArg() > 0 {
		return c.Args().First()
	}
	return temporal.SweepScheduleID
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = os.Getenv("TEMPORAL_HOST")
	}
	if host == "" {
		host = "localhost:7233"
	}

	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = os.Getenv("TEMPORAL_NAMESPACE")
	}
	if namespace == "" {
		namespace = "default"
	}

	// The SDK logs connection chatter at info; keep the terminal for output.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if c.Bool("verbose") {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	temporalClient, err := temporal.NewClient(host, namespace, c.String("temporal-task-queue"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return temporalClient, nil
}
