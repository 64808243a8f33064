package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/campuspay/service/monitor"
	natspkg "github.com/brojonat/campuspay/service/nats"
	"github.com/brojonat/campuspay/service/payments"
	"github.com/brojonat/campuspay/service/solana"
	"github.com/urfave/cli/v2"
)

// interruptContext is cancelled on Ctrl+C or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func monitorCommand() *cli.Command {
	return &cli.Command{
		Name:      "monitor",
		Usage:     "Follow a signature straight from a Solana RPC node until it settles",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL (repeatable; one is picked at random)",
				EnvVars: []string{"SOLANA_RPC_URLS"},
				Value:   cli.NewStringSlice("https://api.mainnet-beta.solana.com"),
			},
			&cli.IntFlag{
				Name:  "rate-limit",
				Usage: "RPC calls per second",
				Value: solana.DefaultRateLimit,
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Delay between status checks",
				Value: monitor.DefaultPollInterval,
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Give up after this many checks (0 = unbounded)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long (0 = unbounded)",
				Value: 2 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: signature")
			}
			logger := newLogger(c)

			rpcURL, err := solana.SelectRandomEndpoint(c.StringSlice("rpc-url"))
			if err != nil {
				return err
			}
			ledger := solana.NewClient(solana.NewRPCClient(rpcURL), "cli", nil, logger,
				solana.WithRateLimit(c.Int("rate-limit")))

			m := monitor.New(ledger, monitor.Config{
				PollInterval: c.Duration("poll-interval"),
				MaxAttempts:  c.Int("max-attempts"),
				Timeout:      c.Duration("timeout"),
			}, nil, logger)

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			var final monitor.Update
			err = m.Start(ctx, c.Args().First(), func(u monitor.Update) {
				final = u
				printUpdate(c.App.Writer, u, c.Bool("json"))
			})
			if err != nil {
				return err
			}

			select {
			case <-m.Done():
			case <-ctx.Done():
				m.Stop()
				return fmt.Errorf("interrupted while %s", m.Status())
			}

			if final.Status == monitor.StatusFailed {
				return fmt.Errorf("transaction failed (%s): %v", monitor.Reason(final.Err), final.Err)
			}
			return nil
		},
	}
}

func printUpdate(w io.Writer, u monitor.Update, jsonOutput bool) {
	if jsonOutput {
		event := natspkg.FromUpdate("", u)
		data, _ := json.Marshal(event)
		fmt.Fprintln(w, string(data))
		return
	}
	line := fmt.Sprintf("%s  %-10s", time.Now().Format(time.TimeOnly), u.Status)
	if u.Confirmations != nil {
		line += fmt.Sprintf("  confirmations=%d", *u.Confirmations)
	}
	if u.Err != nil {
		line += fmt.Sprintf("  error=%v", u.Err)
	}
	fmt.Fprintln(w, line)
}

func trackCommand() *cli.Command {
	return &cli.Command{
		Name:      "track",
		Usage:     "Ask the server to track a record's transaction",
		ArgsUsage: "RECORD_ID SIGNATURE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Poll the step list until tracking ends",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Polling interval for --watch",
				Value: 2 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: record id and signature")
			}
			recordID := c.Args().Get(0)
			cl := newAPIClient(c)

			progress, err := cl.Track(c.Context, recordID, c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("failed to start tracking: %w", err)
			}
			printProgress(c.App.Writer, progress, c.Bool("json"))
			if !c.Bool("watch") {
				return nil
			}

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			ticker := time.NewTicker(c.Duration("interval"))
			defer ticker.Stop()

			last := progress.Status
			for progress.Active {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				progress, err = cl.Steps(ctx, recordID)
				if err != nil {
					return fmt.Errorf("failed to get steps: %w", err)
				}
				if progress.Status != last {
					printProgress(c.App.Writer, progress, c.Bool("json"))
					last = progress.Status
				}
			}

			if progress.Status == monitor.StatusFailed {
				return fmt.Errorf("transaction %s failed", progress.Signature)
			}
			return nil
		},
	}
}

func printProgress(w io.Writer, p *payments.Progress, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.Marshal(p)
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintf(w, "%s: %s\n", p.RecordID, p.Status)
	for _, step := range p.Steps {
		mark := " "
		switch step.Status {
		case monitor.StepCompleted:
			mark = "✓"
		case monitor.StepCurrent:
			mark = "…"
		case monitor.StepFailed:
			mark = "✗"
		}
		fmt.Fprintf(w, "  [%s] %s\n", mark, step.Name)
	}
}

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream payment status events from the server (SSE)",
		ArgsUsage: "[RECORD_ID]",
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			recordID := c.Args().First()
			jsonOutput := c.Bool("json")

			url := serverURL + "/api/v1/stream/payments"
			if recordID != "" {
				url += "/" + recordID
			}

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			resp, err := (&http.Client{Timeout: 0}).Do(req) // no timeout for streaming
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming payment events... (Ctrl+C to stop)\n\n")
			}

			if err := readSSE(resp.Body, func(event, data string) error {
				return handleSSEEvent(c.App.Writer, event, data, jsonOutput)
			}); err != nil && ctx.Err() == nil {
				return fmt.Errorf("error reading SSE stream: %w", err)
			}
			return nil
		},
	}
}

// readSSE calls handle for each complete event in r. Comment lines
// (keepalives) are skipped.
func readSSE(r io.Reader, handle func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := handle(currentEvent, currentData); err != nil {
					fmt.Fprintf(os.Stderr, "Error handling event: %v\n", err)
				}
			}
			currentEvent = ""
			currentData = ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// The stream may end without the blank line that terminates an event.
	if currentEvent != "" && currentData != "" {
		if err := handle(currentEvent, currentData); err != nil {
			fmt.Fprintf(os.Stderr, "Error handling event: %v\n", err)
		}
	}
	return nil
}

func handleSSEEvent(w io.Writer, eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info map[string]string
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Subscribed to payments: %s\n\n", info["payments"])
		}
		return nil

	case "status":
		if jsonOutput {
			fmt.Fprintln(w, data)
			return nil
		}
		var event natspkg.StatusEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}
		printStatusEvent(w, &event)
		return nil

	default:
		// Unknown event type, ignore
		return nil
	}
}

func printStatusEvent(w io.Writer, event *natspkg.StatusEvent) {
	line := fmt.Sprintf("%s  %s  %-10s", event.PublishedAt.Format(time.RFC3339), event.RecordID, event.Status)
	if event.Signature != "" {
		line += "  " + shorten(event.Signature, 16)
	}
	if event.Reason != "" {
		line += fmt.Sprintf("  reason=%s", event.Reason)
	}
	fmt.Fprintln(w, line)
}
