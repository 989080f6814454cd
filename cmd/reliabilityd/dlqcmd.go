package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/reliability-core/internal/config"
	"github.com/tjfontaine/reliability-core/internal/dlq"
	"github.com/tjfontaine/reliability-core/internal/storage/snapshot"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Read the persisted dead-letter queue",
		Long: "Read the persisted dead-letter queue from the configured storage backend.\n" +
			"These commands never write; use the admin API to request replays.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(q *dlq.Queue) error {
				return printJSON(cmd.OutOrStdout(), q.GetStats())
			})
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the most recent records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(q *dlq.Queue) error {
				records := q.GetRecords(limit)
				if records == nil {
					records = []dlq.Record{}
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	cmd.AddCommand(list)
	return cmd
}

func withQueue(fn func(*dlq.Queue) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := snapshot.Open(cfg.Storage.Backend, cfg.Storage.Dir, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	q, err := dlq.New(store, dlq.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return err
	}
	return fn(q)
}
