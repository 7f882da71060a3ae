// Package main implements kbctl, the operator CLI for the document pipeline.
// It works directly against the configured stores, so it can run while the API
// is down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"docpipeline/internal/app"
	"docpipeline/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbctl",
		Short: "Operate the document pipeline",
		Long: `kbctl runs maintenance tasks against the document pipeline stores.

Configuration is read from the same environment variables and .env file as the
API server.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(), newReconcileCmd(), newOutboxCmd(), newDocumentsCmd())
	return root
}

// loadConfig reads configuration and sends logs to stderr so command output
// on stdout stays machine readable.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	} else {
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	}
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

// withApp builds the storage side of the pipeline, runs fn and closes it again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, app.Options{StorageOnly: true})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
