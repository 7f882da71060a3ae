package importer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/service"
)

// Failure records a file that could not be imported.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result summarizes an import run.
type Result struct {
	Scanned     int       `json:"scanned"`
	Uploaded    []string  `json:"uploaded"` // document IDs
	Failures    []Failure `json:"failures"`
	DryRun      bool      `json:"dry_run,omitempty"`
}

// Importer uploads scanned files through the document service so each one gets
// the regular PENDING row and document.process event.
type Importer struct {
	documents service.DocumentService
	match     func(name string) bool
}

// New creates an Importer. match selects which file names are uploaded.
func New(documents service.DocumentService, match func(name string) bool) *Importer {
	return &Importer{documents: documents, match: match}
}

// Import uploads every matching file under root into the knowledge base. A
// failed file is recorded and the run continues; only scan and lookup errors
// abort it.
func (im *Importer) Import(ctx context.Context, kbID, root string, dryRun bool) (*Result, error) {
	logger := contextutil.LoggerFromContext(ctx).With("knowledge_base_id", kbID, "root", root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open import root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("import root %s is not a directory", root)
	}

	files, err := Scan(ctx, root, im.match)
	if err != nil {
		return nil, err
	}

	res := &Result{Scanned: len(files), Uploaded: []string{}, Failures: []Failure{}, DryRun: dryRun}
	if dryRun {
		return res, nil
	}

	for _, f := range files {
		content, err := os.ReadFile(f.AbsPath)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Path: f.RelPath, Error: err.Error()})
			continue
		}
		doc, err := im.documents.Upload(ctx, service.UploadRequest{
			KnowledgeBaseID: kbID,
			Filename:        f.RelPath,
			Content:         content,
		})
		if errors.Is(err, service.ErrNotFound) {
			return res, err
		}
		if err != nil {
			logger.WarnContext(ctx, "import failed", "path", f.RelPath, "error", err)
			res.Failures = append(res.Failures, Failure{Path: f.RelPath, Error: err.Error()})
			continue
		}
		res.Uploaded = append(res.Uploaded, doc.ID)
	}

	logger.InfoContext(ctx, "import finished", "scanned", res.Scanned, "uploaded", len(res.Uploaded), "failed", len(res.Failures))
	return res, nil
}
