package main

import (
	"encoding/json"
	"fmt"
	"os"

	natspkg "github.com/brojonat/campuspay/service/nats"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to payment status events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to payment status events",
		ArgsUsage: "[RECORD_ID]",
		Description: `Subscribe to status events published to NATS JetStream.

Events are published to the subject: payments.{record_id}
Without RECORD_ID, events for every payment are streamed.

Example:
  campuspay nats subscribe 0192f3c4-... --history --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "history",
				Usage: "Replay retained events before streaming new ones",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if id := c.Args().First(); id != "" {
				subject = natspkg.SubjectPrefix + id
			}
			jsonOutput := c.Bool("json")

			ctx, cancel := interruptContext(c.Context)
			defer cancel()

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n\n", subject)
			}

			received := 0
			err := natspkg.Subscribe(ctx, c.String("nats-url"), subject, c.Bool("history"), func(event *natspkg.StatusEvent) {
				received++
				if jsonOutput {
					data, _ := json.Marshal(event)
					fmt.Fprintln(c.App.Writer, string(data))
					return
				}
				printStatusEvent(c.App.Writer, event)
			})
			if err != nil {
				return err
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nReceived %d event(s)\n", received)
			}
			return nil
		},
	}
}
