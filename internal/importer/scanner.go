// Package importer bulk-loads a directory tree into a knowledge base.
package importer

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// ScannedFile is a file found under an import root.
type ScannedFile struct {
	RelPath string // slash-separated path from the root, e.g. "guides/setup.md"
	Folder  string // RelPath without the file name, empty at the root
	AbsPath string
}

// Scan walks root and returns every regular file accepted by match. Hidden
// directories such as .git or .obsidian are skipped.
func Scan(ctx context.Context, root string, match func(name string) bool) ([]ScannedFile, error) {
	var files []ScannedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access path %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !match(d.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path for %s: %w", path, err)
		}
		relPath = filepath.ToSlash(relPath)

		folder := filepath.ToSlash(filepath.Dir(relPath))
		if folder == "." {
			folder = ""
		}

		files = append(files, ScannedFile{RelPath: relPath, Folder: folder, AbsPath: path})
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return files, nil
}
