package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/cirx-otc/client"
	"github.com/brojonat/cirx-otc/service/settlement"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func swapCommands() *cli.Command {
	return &cli.Command{
		Name:  "swap",
		Usage: "Settlement API commands",
		Subcommands: []*cli.Command{
			initiateCommand(),
			statusCommand(),
			awaitCommand(),
			triggerCommand(),
		},
	}
}

func initiateCommand() *cli.Command {
	return &cli.Command{
		Name:  "initiate",
		Usage: "Submit a swap for a payment already sent to the project wallet",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "payment-tx", Usage: "Payment transaction hash", Required: true},
			&cli.StringFlag{Name: "chain", Usage: "Payment chain", Value: "ethereum"},
			&cli.StringFlag{Name: "token", Usage: "Payment token symbol", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "Amount paid, fee included", Required: true},
			&cli.StringFlag{Name: "recipient", Usage: "CIRX recipient address", Required: true},
			&cli.StringFlag{Name: "swap-amount", Usage: "Principal excluding the platform fee (derived when omitted)"},
			&cli.StringFlag{Name: "sender", Usage: "Payer address on the payment chain"},
		},
		Action: func(c *cli.Context) error {
			view, err := apiClient(c).Initiate(c.Context, settlement.InitiateRequest{
				PaymentTxID: c.String("payment-tx"),
				Chain:       c.String("chain"),
				Token:       c.String("token"),
				Amount:      c.String("amount"),
				Recipient:   c.String("recipient"),
				SwapAmount:  c.String("swap-amount"),
				Sender:      c.String("sender"),
			})
			if err != nil {
				return err
			}
			return printView(c, view)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a swap's status",
		ArgsUsage: "<id|payment_tx_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: swap id or payment tx id")
			}
			view, err := fetchView(c.Context, apiClient(c), c.Args().First())
			if err != nil {
				return err
			}
			return printView(c, view)
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a swap completes or fails",
		ArgsUsage: "<id|payment_tx_id>",
		Description: `Polls the swap until it reaches a terminal status. Exits non-zero when
the swap failed or the timeout elapsed.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   10 * time.Minute,
				Usage:   "How long to wait",
			},
			&cli.DurationFlag{
				Name:  "poll",
				Value: 5 * time.Second,
				Usage: "Poll interval",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: swap id or payment tx id")
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			api := apiClient(c)
			view, err := fetchView(ctx, api, c.Args().First())
			if err != nil {
				return err
			}
			if !view.Terminal {
				view, err = api.AwaitTerminal(ctx, view.ID.String(), c.Duration("poll"))
				if err != nil {
					if view != nil {
						printView(c, view)
					}
					return err
				}
			}

			if err := printView(c, view); err != nil {
				return err
			}
			if view.Status.IsFailure() {
				return cli.Exit(fmt.Sprintf("swap %s ended in %s", view.ID, view.Status), 1)
			}
			return nil
		},
	}
}

func triggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Ask the server to run a worker pass",
		ArgsUsage: "<payment_verification|cirx_transfer|recovery>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: pass name")
			}
			result, err := apiClient(c).Trigger(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			w := c.App.Writer
			if c.Bool("json") {
				return writeJSON(w, result)
			}
			switch {
			case result.Result != nil:
				fmt.Fprintf(w, "✓ Pass %s ran: %d selected, %d succeeded, %d failed\n",
					result.Pass, result.Result.Selected, result.Result.Succeeded, result.Result.Failed)
			case result.WorkflowID != "":
				fmt.Fprintf(w, "✓ Sweep workflow started: %s\n", result.WorkflowID)
			case result.Queued:
				fmt.Fprintf(w, "✓ Pass %s queued\n", result.Pass)
			default:
				fmt.Fprintf(w, "Pass %s already queued or queue full\n", result.Pass)
			}
			return nil
		},
	}
}

func apiClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, nil)
}

// fetchView resolves a uuid as a swap id and anything else as a payment tx id.
func fetchView(ctx context.Context, api *client.Client, ref string) (*settlement.StatusView, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return api.Status(ctx, ref)
	}
	return api.StatusByPaymentTx(ctx, ref)
}

func printView(c *cli.Context, view *settlement.StatusView) error {
	w := c.App.Writer
	if c.Bool("json") {
		return writeJSON(w, view)
	}
	fmt.Fprintf(w, "ID:              %s\n", view.ID)
	fmt.Fprintf(w, "Status:          %s (%s, %d%%)\n", view.Status, view.Phase, view.Progress)
	fmt.Fprintf(w, "Payment Tx:      %s\n", view.PaymentTxID)
	fmt.Fprintf(w, "Payment:         %s %s on %s\n", view.AmountPaid, view.PaymentToken, view.PaymentChain)
	fmt.Fprintf(w, "Swap Amount:     %s\n", view.SwapAmount)
	fmt.Fprintf(w, "CIRX Recipient:  %s\n", view.CirxRecipientAddress)
	if view.CirxAmount != nil {
		fmt.Fprintf(w, "CIRX Amount:     %s\n", *view.CirxAmount)
	}
	if view.CirxTransferTxID != nil {
		fmt.Fprintf(w, "CIRX Transfer:   %s\n", *view.CirxTransferTxID)
	}
	if view.FailureReason != nil {
		fmt.Fprintf(w, "Failure Reason:  %s\n", *view.FailureReason)
	}
	fmt.Fprintf(w, "Updated:         %s\n", view.UpdatedAt.Format(time.RFC3339))
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
