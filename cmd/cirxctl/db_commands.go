package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/cirx-otc/service/config"
	"github.com/brojonat/cirx-otc/service/db"
	"github.com/brojonat/cirx-otc/service/pipeline"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/brojonat/cirx-otc/service/worker"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listSwapsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-swaps",
		Usage:   "List swaps, oldest update first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (repeatable)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of swaps to read",
				Value:   100,
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: `Only show swaps for which every jq expression is truthy, e.g. '.retry_count > 2'`,
			},
		},
		Action: func(c *cli.Context) error {
			statuses, err := parseStatuses(c.StringSlice("status"))
			if err != nil {
				return err
			}
			filters, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListTransactionsByStatus(context.Background(), statuses, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list swaps: %w", err)
			}
			txns, err = filterSwaps(txns, filters)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(txns)
			}

			printSwapTable(txns)
			fmt.Fprintf(os.Stderr, "\nTotal: %d swaps\n", len(txns))
			return nil
		},
	}
}

func getSwapCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-swap",
		Usage:     "Get swap details by id or payment transaction hash",
		Aliases:   []string{"get"},
		ArgsUsage: "<id|payment_tx_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: swap id or payment tx id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txn, err := lookupSwap(context.Background(), store, c.Args().First())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(txn)
			}
			printSwap(txn)
			return nil
		},
	}
}

func countSwapsCommand() *cli.Command {
	return &cli.Command{
		Name:  "count",
		Usage: "Count swaps per status",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountTransactionsByStatus(context.Background())
			if err != nil {
				return fmt.Errorf("failed to count swaps: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(counts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			var total int64
			for _, s := range swap.AllStatuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
				total += counts[s]
			}
			w.Flush()
			fmt.Fprintf(os.Stderr, "\nTotal: %d swaps\n", total)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Println("✓ Schema applied")
			return nil
		},
	}
}

func runPassCommand() *cli.Command {
	return &cli.Command{
		Name:      "run-pass",
		Usage:     "Run one worker pass in this process",
		ArgsUsage: "<" + strings.Join(worker.Passes, "|") + ">",
		Description: `Runs a single batch pass against the configured database and chains,
using the same environment configuration as the worker.

Example:
  cirxctl db run-pass payment_verification`,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: pass name")
			}
			pass := c.Args().First()
			if !slices.Contains(worker.Passes, pass) {
				return fmt.Errorf("unknown pass %q: must be one of %s", pass, strings.Join(worker.Passes, ", "))
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			ctx := context.Background()
			stores, closeStore, err := pipeline.OpenStore(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			runner, closeRunner, err := pipeline.NewRunner(ctx, cfg, stores.Swaps, nil, logger)
			if err != nil {
				return err
			}
			defer closeRunner()

			result, err := runner.Run(ctx, pass)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(result)
			}
			printPassResult(result)
			return nil
		},
	}
}

// lookupSwap resolves a uuid as a swap id and anything else as a payment tx id.
func lookupSwap(ctx context.Context, store swap.Store, ref string) (*swap.Transaction, error) {
	var (
		txn *swap.Transaction
		err error
	)
	if id, parseErr := uuid.Parse(ref); parseErr == nil {
		txn, err = store.GetTransaction(ctx, id)
	} else {
		txn, err = store.GetTransactionByPaymentTxID(ctx, ref)
	}
	if errors.Is(err, swap.ErrTransactionNotFound) {
		return nil, fmt.Errorf("swap not found: %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return txn, nil
}

func parseStatuses(raw []string) ([]swap.Status, error) {
	statuses := make([]swap.Status, 0, len(raw))
	for _, r := range raw {
		s := swap.Status(strings.ToLower(strings.TrimSpace(r)))
		if !s.Valid() {
			return nil, fmt.Errorf("unknown status %q", r)
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func filterSwaps(txns []*swap.Transaction, filters jqFilters) ([]*swap.Transaction, error) {
	if len(filters) == 0 {
		return txns, nil
	}
	out := make([]*swap.Transaction, 0, len(txns))
	for _, txn := range txns {
		ok, err := filters.Match(txn)
		if err != nil {
			return nil, fmt.Errorf("jq filter failed on swap %s: %w", txn.ID, err)
		}
		if ok {
			out = append(out, txn)
		}
	}
	return out, nil
}

func printSwapTable(txns []*swap.Transaction) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCHAIN\tPAID\tRETRIES\tRECOVERIES\tUPDATED")
	for _, txn := range txns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%d\t%d\t%s\n",
			txn.ID,
			txn.Status,
			txn.PaymentChain,
			txn.AmountPaid,
			txn.PaymentToken,
			txn.RetryCount,
			txn.RecoveryAttempts,
			txn.UpdatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func printSwap(txn *swap.Transaction) {
	phase := swap.PhaseOf(txn.Status)
	fmt.Printf("ID:              %s\n", txn.ID)
	fmt.Printf("Status:          %s (%s, %d%%)\n", txn.Status, phase.Name, phase.Progress)
	fmt.Printf("Payment Tx:      %s\n", txn.PaymentTxID)
	fmt.Printf("Payment:         %s %s on %s\n", txn.AmountPaid, txn.PaymentToken, txn.PaymentChain)
	fmt.Printf("Swap Amount:     %s\n", txn.SwapAmount)
	fmt.Printf("Sender:          %s\n", formatOptional(&txn.SenderAddress))
	fmt.Printf("CIRX Recipient:  %s\n", txn.CirxRecipientAddress)
	fmt.Printf("CIRX Amount:     %s\n", formatOptional(txn.CirxAmount))
	fmt.Printf("CIRX Transfer:   %s\n", formatOptional(txn.CirxTransferTxID))
	fmt.Printf("Retries:         %d\n", txn.RetryCount)
	fmt.Printf("Recoveries:      %d\n", txn.RecoveryAttempts)
	fmt.Printf("Failure Reason:  %s\n", formatOptional(txn.FailureReason))
	if txn.FailurePermanent {
		fmt.Printf("Retryable:       no\n")
	}
	fmt.Printf("Version:         %d\n", txn.Version)
	fmt.Printf("Created:         %s\n", txn.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:         %s\n", txn.UpdatedAt.Format(time.RFC3339))
}

func printPassResult(r worker.PassResult) {
	fmt.Printf("Pass:       %s\n", r.Worker)
	fmt.Printf("Selected:   %d\n", r.Selected)
	fmt.Printf("Succeeded:  %d\n", r.Succeeded)
	fmt.Printf("Failed:     %d\n", r.Failed)
	fmt.Printf("Retried:    %d\n", r.Retried)
	fmt.Printf("Pending:    %d\n", r.Pending)
	fmt.Printf("Skipped:    %d\n", r.Skipped)
	if len(r.Requeue) > 0 {
		fmt.Printf("Follow-up:  %s\n", strings.Join(r.Requeue, ", "))
	}
	fmt.Printf("Duration:   %s\n", r.Duration)
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	return writeJSON(os.Stdout, v)
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(none)"
}
