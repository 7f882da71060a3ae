// Package objectstore holds the original bytes of uploaded documents, keyed
// by "{document_id}/...".
package objectstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_object_store.go -package=mocks docpipeline/internal/objectstore ObjectStore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore stores document blobs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	// ListDocumentPrefixes returns the distinct document IDs that own at least one object.
	ListDocumentPrefixes(ctx context.Context) ([]string, error)
}

// DocumentPrefix returns the key prefix of every object owned by a document.
func DocumentPrefix(documentID string) string {
	return documentID + "/"
}

// DocumentKey returns the key of one stored version of a document.
func DocumentKey(documentID string, version int, filename string) string {
	return fmt.Sprintf("%sv%d/%s", DocumentPrefix(documentID), version, filename)
}

// documentIDFromKey returns the first path segment of key.
func documentIDFromKey(key string) string {
	id, _, _ := strings.Cut(key, "/")
	return id
}
