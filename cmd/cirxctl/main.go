package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "cirxctl",
		Usage: "CIRX OTC settlement operator CLI",
		Description: `A command-line tool for operating the CIRX OTC settlement service.

Use this CLI to inspect swaps in the database, run worker passes by hand,
submit and follow swaps through the HTTP API, manage the Temporal sweep
schedules and watch swap status events on NATS.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Database inspection and maintenance commands
			{
				Name:  "db",
				Usage: "Database inspection and maintenance commands",
				Subcommands: []*cli.Command{
					listSwapsCommand(),
					getSwapCommand(),
					countSwapsCommand(),
					migrateCommand(),
					runPassCommand(),
				},
			},
			// Client commands (HTTP API)
			swapCommands(),
			// Temporal inspection and management commands
			{
				Name:  "temporal",
				Usage: "Temporal sweep schedule commands",
				Subcommands: []*cli.Command{
					listSchedulesCommand(),
					describeScheduleCommand(),
					pauseScheduleCommand(),
					resumeScheduleCommand(),
					deleteScheduleCommand(),
					ensureSchedulesCommand(),
					startSweepCommand(),
				},
			},
			// NATS swap event commands
			{
				Name:  "nats",
				Usage: "NATS swap event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue of the settlement worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "cirx-otc-settlement",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Settlement API URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log client diagnostics to stderr",
			},
		},
	}
}
