package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docpipeline/internal/app"
	"docpipeline/internal/outbox"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the outbox table",
	}
	cmd.AddCommand(newOutboxStatsCmd(), newOutboxCleanupCmd())
	return cmd
}

func newOutboxStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print outbox row counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Store.Outbox.Stats(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{
					"pending":       stats.Pending,
					"leased":        stats.Leased,
					"processed":     stats.Processed,
					"dead_lettered": stats.DeadLettered,
				})
			})
		},
	}
}

func newOutboxCleanupCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed outbox rows past retention",
		Long: `Delete processed and dead-lettered outbox rows older than the retention
period. Unprocessed rows are never deleted.

Examples:
  # Use OUTBOX_RETENTION
  kbctl outbox cleanup

  # Keep one day
  kbctl outbox cleanup --retention 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cleaner := a.Cleaner
				if retention > 0 {
					cleaner = outbox.NewCleaner(a.Store.Outbox, retention, a.Config.OutboxCleanupInterval)
				}
				n, err := cleaner.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d outbox rows\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override OUTBOX_RETENTION")
	return cmd
}
