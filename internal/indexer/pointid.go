package indexer

import (
	"strconv"

	"github.com/google/uuid"
)

// pointNamespace scopes the name-based point IDs. Changing it orphans every
// indexed point.
var pointNamespace = uuid.MustParse("6f1c3b0e-5d2a-4c86-9a57-2e41d0b7c9f3")

// PointID derives the vector store ID for chunkIndex of documentID. The same
// inputs always give the same ID, so re-indexing overwrites instead of duplicating.
func PointID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(documentID+":"+strconv.Itoa(chunkIndex))).String()
}
