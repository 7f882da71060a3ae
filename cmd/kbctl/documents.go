package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docpipeline/internal/app"
	"docpipeline/internal/importer"
	"docpipeline/internal/parser"
)

func newDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Inspect and retry documents",
	}
	cmd.AddCommand(newDocumentStatusCmd(), newDocumentRetryCmd(), newDocumentImportCmd())
	return cmd
}

// documentStatus is the CLI view of a document.
type documentStatus struct {
	ID              string            `json:"id"`
	KnowledgeBaseID string            `json:"knowledge_base_id"`
	Filename        string            `json:"filename"`
	Status          string            `json:"status"`
	Version         int               `json:"version"`
	ChunkCount      int               `json:"chunk_count"`
	RetryCount      int               `json:"retry_count"`
	CurrentStep     string            `json:"current_step"`
	Steps           map[string]string `json:"steps"`
	LastError       string            `json:"last_error,omitempty"`
}

func newDocumentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Print a document's status and step progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				doc, err := a.Documents.Get(ctx, args[0])
				if err != nil {
					return err
				}
				steps := make(map[string]string, len(doc.Progress.Steps))
				for step, state := range doc.Progress.Steps {
					steps[string(step)] = string(state)
				}
				return printJSON(cmd.OutOrStdout(), documentStatus{
					ID:              doc.ID,
					KnowledgeBaseID: doc.KnowledgeBaseID,
					Filename:        doc.Filename,
					Status:          string(doc.Status),
					Version:         doc.VersionNumber,
					ChunkCount:      doc.ChunkCount,
					RetryCount:      doc.RetryCount,
					CurrentStep:     string(doc.Progress.CurrentStep),
					Steps:           steps,
					LastError:       doc.LastError,
				})
			})
		},
	}
}

func newDocumentRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <document-id>",
		Short: "Queue a FAILED document for another run",
		Long: `Move a FAILED document back to PENDING and queue it for processing. The
running API server picks it up on its next outbox poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				doc, err := a.Documents.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "document %s queued (retry %d)\n", doc.ID, doc.RetryCount)
				return nil
			})
		},
	}
}

func newDocumentImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <knowledge-base-id> <dir>",
		Short: "Upload every supported file under a directory",
		Long: `Walk a directory and upload each file with a registered parser (markdown
and plain text) into the knowledge base. Hidden directories are skipped. Each
file becomes a PENDING document queued for processing.

Examples:
  # Import an Obsidian vault
  kbctl documents import 2f1c... ~/notes

  # Show what would be uploaded
  kbctl documents import 2f1c... ./docs --dry-run`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				registry := parser.NewRegistry()
				res, err := importer.New(a.Documents, registry.Supports).Import(ctx, args[0], args[1], dryRun)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if len(res.Failures) > 0 {
					return fmt.Errorf("%d files failed to import", len(res.Failures))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "scan only, upload nothing")
	return cmd
}
