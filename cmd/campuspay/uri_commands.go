package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/brojonat/campuspay/service/payreq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func uriCommands() *cli.Command {
	return &cli.Command{
		Name:  "uri",
		Usage: "Build, parse and render payment request URIs locally",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheme",
				Usage:   "URI scheme",
				EnvVars: []string{"PAYMENT_URI_SCHEME"},
				Value:   payreq.DefaultScheme,
			},
			&cli.StringFlag{
				Name:    "address-validation",
				Usage:   "Recipient check: solana (32-byte key) or base58 (alphabet only)",
				EnvVars: []string{"PAYMENT_ADDRESS_VALIDATION"},
				Value:   "solana",
			},
		},
		Subcommands: []*cli.Command{
			buildURICommand(),
			parseURICommand(),
			qrCommand(),
		},
	}
}

func codecFromFlags(c *cli.Context) (*payreq.Codec, error) {
	opts := []payreq.Option{payreq.WithScheme(c.String("scheme"))}
	switch v := c.String("address-validation"); v {
	case "solana":
	case "base58":
		opts = append(opts, payreq.WithAddressValidator(payreq.Base58Syntax))
	default:
		return nil, fmt.Errorf("--address-validation must be solana or base58, got %q", v)
	}
	return payreq.NewCodec(opts...), nil
}

func buildURICommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Build a payment request URI",
		ArgsUsage: "RECIPIENT AMOUNT",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "label", Usage: "Merchant or payee label"},
			&cli.StringFlag{Name: "message", Usage: "Message shown to the payer"},
			&cli.StringFlag{Name: "memo", Usage: "Memo attached to the transfer"},
			&cli.StringFlag{Name: "spl-token", Usage: "SPL token mint (omit for native SOL)"},
			&cli.StringFlag{Name: "category", Usage: "Spending category used for the amount limit"},
			&cli.StringFlag{Name: "reference", Usage: "Reference key (generated when omitted)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: recipient and amount")
			}
			amount, err := decimal.NewFromString(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.Args().Get(1), err)
			}
			codec, err := codecFromFlags(c)
			if err != nil {
				return err
			}

			req, err := payreq.NewRequest(c.Args().Get(0), amount, c.String("label"))
			if err != nil {
				return err
			}
			if ref := c.String("reference"); ref != "" {
				req.Reference = ref
			}
			req.Message = c.String("message")
			req.Memo = c.String("memo")
			req.SPLToken = c.String("spl-token")
			req.Category = c.String("category")

			uri, err := codec.BuildURI(req)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]interface{}{
					"uri":     uri,
					"request": req,
				})
			}
			fmt.Fprintln(c.App.Writer, uri)
			return nil
		},
	}
}

func parseURICommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Decode and validate a payment request URI",
		ArgsUsage: "URI",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: uri")
			}
			codec, err := codecFromFlags(c)
			if err != nil {
				return err
			}

			req, err := codec.ParseURI(c.Args().First())
			if err != nil {
				var verr *payreq.ValidationError
				if errors.As(err, &verr) {
					return fmt.Errorf("invalid payment request (%s): %w", verr.Code, err)
				}
				return err
			}
			if req == nil {
				return fmt.Errorf("not a %s transfer request", codec.Scheme())
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, req)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Recipient: %s\n", req.Recipient)
			if req.Amount.Valid {
				fmt.Fprintf(w, "Amount:    %s\n", payreq.FormatAmount(req.Amount.Decimal))
			}
			printIfSet(w, "Token:     ", req.SPLToken)
			printIfSet(w, "Reference: ", req.Reference)
			printIfSet(w, "Label:     ", req.Label)
			printIfSet(w, "Message:   ", req.Message)
			printIfSet(w, "Memo:      ", req.Memo)
			return nil
		},
	}
}

func printIfSet(w io.Writer, label, value string) {
	if value != "" {
		fmt.Fprintf(w, "%s%s\n", label, value)
	}
}

func qrCommand() *cli.Command {
	return &cli.Command{
		Name:      "qr",
		Usage:     "Render a payment request URI as a PNG QR code",
		ArgsUsage: "URI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Write the PNG to this file instead of printing base64",
			},
			&cli.IntFlag{
				Name:  "size",
				Usage: "Image edge length in pixels",
				Value: payreq.DefaultQRSize,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: uri")
			}
			codec, err := codecFromFlags(c)
			if err != nil {
				return err
			}

			// Refuse to render something a wallet would reject.
			uri := c.Args().First()
			req, err := codec.ParseURI(uri)
			if err != nil {
				return err
			}
			if req == nil {
				return fmt.Errorf("not a %s transfer request", codec.Scheme())
			}

			png, err := payreq.QRCode(uri, c.Int("size"))
			if err != nil {
				return err
			}

			if out := c.String("out"); out != "" {
				if err := os.WriteFile(out, png, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", out, err)
				}
				fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(png), out)
				return nil
			}

			fmt.Fprintln(c.App.Writer, base64.StdEncoding.EncodeToString(png))
			return nil
		},
	}
}
