package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docpipeline/internal/app"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass",
		Long: `Compare the relational store, the vector store and the object store and
repair drift: missing vectors are re-queued, stale PROCESSING runs are expired
and orphaned vectors are removed. Orphaned objects are only reported.

The report is printed as JSON. The command fails when a check could not run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep := a.Reconciler.Run(ctx)
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if len(rep.Failures) > 0 {
					return fmt.Errorf("%d reconciliation checks failed", len(rep.Failures))
				}
				return nil
			})
		},
	}
}
