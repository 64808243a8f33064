package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brojonat/campuspay/service/temporal"
	"github.com/urfave/cli/v2"
)

// getTemporalClient creates a Temporal client from the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	cl, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		newLogger(c),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}
	return cl, nil
}

func confirmCommand() *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "Start a durable confirmation workflow for a record",
		ArgsUsage: "RECORD_ID SIGNATURE",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Delay between status checks",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Status checks before giving up",
				Value: temporal.DefaultMaxAttempts,
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the workflow completes and print its result",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: record id and signature")
			}
			recordID := c.Args().Get(0)

			cl, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()

			runID, err := cl.StartConfirmation(c.Context, temporal.ConfirmTransactionInput{
				RecordID:     recordID,
				Signature:    c.Args().Get(1),
				PollInterval: c.Duration("poll-interval"),
				MaxAttempts:  c.Int("max-attempts"),
			})
			if errors.Is(err, temporal.ErrConfirmationRunning) {
				return fmt.Errorf("a confirmation for %s is already running", recordID)
			}
			if err != nil {
				return err
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(c.App.Writer, map[string]string{
						"workflow_id": temporal.WorkflowID(recordID),
						"run_id":      runID,
						"record_id":   recordID,
					})
				}
				fmt.Fprintf(c.App.Writer, "Started %s (run %s)\n", temporal.WorkflowID(recordID), runID)
				return nil
			}

			fmt.Fprintf(os.Stderr, "Waiting for %s...\n", temporal.WorkflowID(recordID))
			return printResult(c, cl, recordID)
		},
	}
}

func resultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Wait for a record's confirmation workflow and print the result",
		ArgsUsage: "RECORD_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: record id")
			}
			cl, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()
			return printResult(c, cl, c.Args().First())
		},
	}
}

func printResult(c *cli.Context, cl *temporal.Client, recordID string) error {
	ctx, cancel := interruptContext(c.Context)
	defer cancel()

	result, err := cl.GetConfirmationResult(ctx, recordID)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return outputJSON(c.App.Writer, result)
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Record:    %s\n", result.RecordID)
	fmt.Fprintf(w, "Signature: %s\n", result.Signature)
	fmt.Fprintf(w, "Status:    %s\n", result.Status)
	fmt.Fprintf(w, "Attempts:  %d\n", result.Attempts)
	if result.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", result.Reason)
	}
	if result.Error != nil {
		fmt.Fprintf(w, "Error:     %s\n", *result.Error)
	}
	for _, step := range result.Steps {
		ts := ""
		if step.Timestamp != nil {
			ts = step.Timestamp.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  %-22s %-9s %s\n", step.Name, step.Status, ts)
	}
	return nil
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a record's confirmation workflow",
		ArgsUsage: "RECORD_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: record id")
			}
			cl, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.CancelConfirmation(c.Context, c.Args().First()); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Cancellation requested for %s\n", temporal.WorkflowID(c.Args().First()))
			return nil
		},
	}
}
