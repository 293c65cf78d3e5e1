package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/cirx-otc/service/nats"
	"github.com/brojonat/cirx-otc/service/swap"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams swap status events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream swap status events",
		ArgsUsage: "[status]",
		Description: `Subscribe to swap status events published to NATS JetStream.

Events are published to swaps.{status} on every status change. Without a
status argument every event is shown.

Example:
  cirxctl nats subscribe failed_cirx_transfer --json
  cirxctl nats subscribe --jq '.retry_count > 0'`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "cirxctl",
			},
			&cli.BoolFlag{
				Name:  "new-only",
				Usage: "Skip events already in the stream",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "Only show events for which every jq expression is truthy",
			},
		},
		Action: func(c *cli.Context) error {
			subject, err := eventSubject(c.Args().First())
			if err != nil {
				return err
			}
			filters, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
			}
			if c.Bool("new-only") {
				consumerConfig.DeliverPolicy = jetstream.DeliverNewPolicy
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			return streamSwapEvents(c.String("nats-url"), consumerConfig, filters, c.Bool("json"))
		},
	}
}

// eventSubject maps an optional status to the subject to filter on.
func eventSubject(status string) (string, error) {
	if status == "" {
		return natspkg.StreamSubjects, nil
	}
	s := swap.Status(status)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", status)
	}
	return natspkg.SubjectPrefix + status, nil
}

// streamSwapEvents connects to NATS and prints events until interrupted.
func streamSwapEvents(natsURL string, consumerConfig jetstream.ConsumerConfig, filters jqFilters, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", consumerConfig.FilterSubject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if consumerConfig.Durable != "" {
			fmt.Printf("   Consumer: %s (durable)\n", consumerConfig.Durable)
		}
		fmt.Printf("\nWaiting for swap events... (Ctrl-C to exit)\n\n")
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.SwapEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}
			msg.Ack()

			ok, err := filters.Match(event)
			if err != nil {
				fmt.Fprintf(os.Stderr, "jq filter failed: %v\n", err)
				continue
			}
			if !ok {
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
				continue
			}
			printSwapEvent(count, &event)

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d events\n", count)
			}
			return nil
		}
	}
}

func printSwapEvent(n int, event *natspkg.SwapEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Event #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Swap:         %s\n", event.TransactionID)
	if event.FromStatus != "" {
		fmt.Printf("Status:       %s -> %s\n", event.FromStatus, event.Status)
	} else {
		fmt.Printf("Status:       %s\n", event.Status)
	}
	fmt.Printf("Phase:        %s (%d%%)\n", event.Phase, event.Progress)
	fmt.Printf("Payment:      %s %s on %s\n", event.AmountPaid, event.PaymentToken, event.PaymentChain)
	fmt.Printf("Payment Tx:   %s\n", event.PaymentTxID)
	if event.CirxTransferTxID != nil {
		fmt.Printf("CIRX Tx:      %s\n", *event.CirxTransferTxID)
	}
	if event.FailureReason != nil {
		fmt.Printf("Failure:      %s\n", *event.FailureReason)
	}
	fmt.Printf("Retries:      %d\n", event.RetryCount)
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}
