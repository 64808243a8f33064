package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/campuspay/service/payments"
	"github.com/brojonat/campuspay/service/store"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func txnsCommands() *cli.Command {
	return &cli.Command{
		Name:    "txns",
		Aliases: []string{"tx"},
		Usage:   "Manage the transaction ledger through the server",
		Subcommands: []*cli.Command{
			listTxnsCommand(),
			requestCommand(),
			addTxnCommand(),
			deleteTxnCommand(),
			refreshCommand(),
			exportCommand(),
			importCommand(),
		},
	}
}

func listTxnsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List transactions, newest first",
		ArgsUsage: "[ADDRESS]",
		Description: `Lists local records, plus the reconciled ledger history of ADDRESS when given.

Records can be filtered with jq expressions evaluated against each record's JSON.
All filters must produce a truthy value for a record to be printed.

Example:
  campuspay txns list 7xKX... --jq '.status == "finalized"' --jq '.amount | tonumber > 1'`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of records",
				Value:   100,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Records to skip",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter over each record (repeatable, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			list, err := newAPIClient(c).ListTransactions(c.Context, c.Args().First(), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			records := make([]store.Record, 0, len(list.Transactions))
			for _, r := range list.Transactions {
				ok, err := matchesAll(filters, r)
				if err != nil {
					return err
				}
				if ok {
					records = append(records, r)
				}
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, records)
			}

			printRecords(c.App.Writer, records)
			fmt.Fprintf(os.Stderr, "\nShowing %d of %d transactions\n", len(records), list.Total)
			return nil
		},
	}
}

func printRecords(out io.Writer, records []store.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tTYPE\tAMOUNT\tSTATUS\tORIGIN\tOTHER PARTY\tDESCRIPTION")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shorten(r.ID, 12),
			r.Timestamp.Format(time.RFC3339),
			r.Type,
			r.Amount.String(),
			r.Status,
			r.Origin,
			shorten(r.OtherParty(), 12),
			r.Description,
		)
	}
	w.Flush()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// compileJQFilters parses and compiles each jq expression.
func compileJQFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// matchesAll reports whether every filter yields a truthy first result for r.
// gojq needs plain maps, so the record goes through its JSON form.
func matchesAll(filters []*gojq.Code, r store.Record) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return false, err
	}

	for _, code := range filters {
		v, ok := code.Run(doc).Next()
		if !ok {
			return false, nil
		}
		if _, isErr := v.(error); isErr {
			return false, nil
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "Create a payment request on the server and record it as pending",
		ArgsUsage: "RECIPIENT AMOUNT",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "label", Usage: "Merchant or payee label"},
			&cli.StringFlag{Name: "message", Usage: "Message shown to the payer"},
			&cli.StringFlag{Name: "memo", Usage: "Memo attached to the transfer"},
			&cli.StringFlag{Name: "spl-token", Usage: "SPL token mint (omit for native SOL)"},
			&cli.StringFlag{Name: "category", Usage: "Spending category"},
			&cli.StringFlag{Name: "payer", Usage: "Payer address, when known"},
			&cli.StringFlag{Name: "qr-out", Usage: "Also write the QR code PNG to this file"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: recipient and amount")
			}
			amount, err := decimal.NewFromString(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.Args().Get(1), err)
			}

			created, err := newAPIClient(c).CreatePaymentRequest(c.Context, payments.CreateRequestParams{
				Recipient: c.Args().Get(0),
				Amount:    amount,
				SPLToken:  c.String("spl-token"),
				Label:     c.String("label"),
				Message:   c.String("message"),
				Memo:      c.String("memo"),
				Category:  c.String("category"),
				Payer:     c.String("payer"),
			})
			if err != nil {
				return fmt.Errorf("failed to create payment request: %w", err)
			}

			if out := c.String("qr-out"); out != "" {
				if err := writeBase64File(out, created.QRCodeData); err != nil {
					return err
				}
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, created)
			}
			fmt.Fprintf(c.App.Writer, "URI:       %s\n", created.URI)
			fmt.Fprintf(c.App.Writer, "Reference: %s\n", created.Reference)
			fmt.Fprintf(c.App.Writer, "Record:    %s (%s)\n", created.Record.ID, created.Record.Status)
			return nil
		},
	}
}

func addTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Record a local transaction",
		ArgsUsage: "AMOUNT",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "to", Usage: "Recipient address"},
			&cli.StringFlag{Name: "from", Usage: "Sender address"},
			&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Description"},
			&cli.StringFlag{Name: "category", Usage: "Spending category"},
			&cli.StringFlag{Name: "type", Usage: "incoming or outgoing", Value: string(store.TypeOutgoing)},
			&cli.StringFlag{Name: "signature", Usage: "Ledger signature, if already submitted"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: amount")
			}
			amount, err := decimal.NewFromString(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.Args().First(), err)
			}

			rec, err := newAPIClient(c).AddTransaction(c.Context, store.NewRecord{
				Amount:      amount,
				ToAddress:   c.String("to"),
				FromAddress: c.String("from"),
				Description: c.String("description"),
				Category:    c.String("category"),
				Type:        store.Type(c.String("type")),
				Signature:   c.String("signature"),
			})
			if err != nil {
				return fmt.Errorf("failed to add transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, rec)
			}
			fmt.Fprintln(c.App.Writer, rec.ID)
			return nil
		},
	}
}

func deleteTxnCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Aliases:   []string{"rm"},
		Usage:     "Delete a local transaction, or all of them with --all",
		ArgsUsage: "[RECORD_ID]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "Delete every local transaction"},
		},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c)
			if c.Bool("all") {
				if err := cl.ClearTransactions(c.Context); err != nil {
					return fmt.Errorf("failed to clear transactions: %w", err)
				}
				fmt.Fprintln(os.Stderr, "Deleted all local transactions")
				return nil
			}
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: record id (or --all)")
			}
			if err := cl.DeleteTransaction(c.Context, c.Args().First()); err != nil {
				return fmt.Errorf("failed to delete transaction: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Deleted %s\n", c.Args().First())
			return nil
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "Refetch ledger history for an address, bypassing the cache",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			list, err := newAPIClient(c).Refresh(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to refresh: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, list)
			}
			printRecords(c.App.Writer, list.Transactions)
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export transactions as CSV",
		ArgsUsage: "[ADDRESS]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Write to this file instead of stdout",
			},
		},
		Action: func(c *cli.Context) error {
			var w io.Writer = c.App.Writer
			if out := c.String("out"); out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := newAPIClient(c).Export(c.Context, w, c.Args().First()); err != nil {
				return fmt.Errorf("failed to export: %w", err)
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import transactions from a CSV export; duplicates are skipped",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: csv file")
			}
			f, err := os.Open(c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", c.Args().First(), err)
			}
			defer f.Close()

			ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
			defer cancel()

			n, err := newAPIClient(c).Import(ctx, f)
			if err != nil {
				return fmt.Errorf("failed to import: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]int{"imported": n})
			}
			fmt.Fprintf(c.App.Writer, "Imported %d transactions\n", n)
			return nil
		},
	}
}
