package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnavailable is returned when the store cannot be reached. It is transient.
	ErrUnavailable = errors.New("vector store unavailable")
	// ErrCollectionNotFound is returned by operations on a collection that does not exist.
	ErrCollectionNotFound = errors.New("collection not found")
)

// IsTransient reports whether err is worth retrying: network timeouts and
// temporary unavailability. Invalid arguments, missing collections and
// permission errors are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// wrapStatus prefixes a store failure with msg and tags the gRPC codes callers
// branch on: NotFound becomes ErrCollectionNotFound and Unavailable becomes
// ErrUnavailable. The original status stays in the chain.
func wrapStatus(msg string, err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return fmt.Errorf("%s: %w: %w", msg, ErrCollectionNotFound, err)
		case codes.Unavailable:
			return fmt.Errorf("%s: %w: %w", msg, ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
