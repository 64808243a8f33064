package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/campuspay/service/db"
	"github.com/brojonat/campuspay/service/store"
	"github.com/urfave/cli/v2"
)

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := db.Connect(context.Background(), dbURL)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool, nil), pool.Close, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the key-value table if it does not exist",
		Action: func(c *cli.Context) error {
			s, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := s.EnsureSchema(c.Context); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Table %s is ready\n", db.TableName)
			return nil
		},
	}
}

func listEntriesCommand() *cli.Command {
	return &cli.Command{
		Name:    "entries",
		Aliases: []string{"ls"},
		Usage:   "List stored keys with their size and age",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Only keys starting with this prefix",
			},
		},
		Action: func(c *cli.Context) error {
			s, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			entries, err := s.ListEntries(c.Context, c.String("prefix"))
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, entries)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tBYTES\tUPDATED\tAGE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					e.Key,
					len(e.Value),
					e.UpdatedAt.Format(time.RFC3339),
					time.Since(e.UpdatedAt).Round(time.Second),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d entries\n", len(entries))
			return nil
		},
	}
}

func purgeCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge-cache",
		Usage: "Delete every cached ledger history snapshot; local records are kept",
		Action: func(c *cli.Context) error {
			s, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			n, err := s.DeletePrefix(c.Context, store.CacheKeyPrefix)
			if err != nil {
				return fmt.Errorf("failed to purge cache: %w", err)
			}
			fmt.Fprintf(os.Stderr, "✓ Deleted %d cached snapshot(s)\n", n)
			return nil
		},
	}
}
