package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"docpipeline/internal/contextutil"
)

const scrollPageSize = 256

// QdrantStore implements VectorStore using Qdrant.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client.
// urlStr should be in the format "http://host:port" (e.g., "http://localhost:6333").
// The gRPC port (typically 6334) will be derived from the HTTP port.
func NewQdrantStore(urlStr string) (*QdrantStore, error) {
	host, port, err := grpcAddress(urlStr)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantStore{
		client: client,
	}, nil
}

// grpcAddress derives the gRPC host and port from the HTTP URL.
func grpcAddress(urlStr string) (string, int, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := 6334 // Default gRPC port
	if parsedURL.Port() != "" {
		httpPort, err := strconv.Atoi(parsedURL.Port())
		if err == nil {
			// gRPC port is typically HTTP port + 1
			port = httpPort + 1
		}
	}
	return host, port, nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// CollectionExists checks if a collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, wrapStatus("failed to check collection existence", err)
	}
	return exists, nil
}

// CreateCollection creates a cosine collection with the specified vector size
// and payload indexes on document_id and chunk_index. If the collection already
// exists, validates that the vector size matches.
func (s *QdrantStore) CreateCollection(ctx context.Context, collection string, vectorSize int) error {
	logger := contextutil.LoggerFromContext(ctx)

	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return s.validateVectorSize(ctx, collection, vectorSize)
	}

	logger.InfoContext(ctx, "creating collection", "collection", collection, "vector_size", vectorSize)
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// Another worker created it between the check and the create
		if status.Code(err) == codes.AlreadyExists {
			return s.validateVectorSize(ctx, collection, vectorSize)
		}
		return wrapStatus("failed to create collection", err)
	}

	indexes := []struct {
		field string
		kind  qdrant.FieldType
	}{
		{PayloadDocumentID, qdrant.FieldType_FieldTypeKeyword},
		{PayloadChunkIndex, qdrant.FieldType_FieldTypeInteger},
	}
	for _, idx := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      idx.field,
			FieldType:      idx.kind.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return wrapStatus(fmt.Sprintf("failed to create %s payload index", idx.field), err)
		}
	}

	logger.InfoContext(ctx, "collection created", "collection", collection, "vector_size", vectorSize)
	return nil
}

func (s *QdrantStore) validateVectorSize(ctx context.Context, collection string, vectorSize int) error {
	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return wrapStatus("failed to get collection info", err)
	}

	config := info.GetConfig()
	if config == nil || config.GetParams() == nil {
		return fmt.Errorf("collection config is invalid")
	}
	params := config.GetParams().GetVectorsConfig().GetParams()
	if params == nil || params.GetSize() == 0 {
		return fmt.Errorf("could not determine collection vector size")
	}

	if int(params.GetSize()) != vectorSize {
		return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, params.GetSize())
	}
	return nil
}

// DeleteCollection drops a collection. A missing collection is not an error.
func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	logger := contextutil.LoggerFromContext(ctx)

	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, collection); err != nil {
		return wrapStatus("failed to delete collection", err)
	}
	logger.InfoContext(ctx, "deleted collection", "collection", collection)
	return nil
}

// Upsert inserts or updates points in the collection.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		qdrantPoint := &qdrant.PointStruct{
			Id:      qdrant.NewID(point.ID),
			Vectors: qdrant.NewVectors(point.Vec...),
		}

		if len(point.Meta) > 0 {
			qdrantPoint.Payload = qdrant.NewValueMap(point.Meta)
		}

		qdrantPoints = append(qdrantPoints, qdrantPoint)
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qdrantPoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert points", "collection", collection, "count", len(points), "error", err)
		return wrapStatus("failed to upsert points", err)
	}

	logger.DebugContext(ctx, "upserted points", "collection", collection, "count", len(points))
	return nil
}

// DeleteByFilter removes every point matching f.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, f Filter) error {
	logger := contextutil.LoggerFromContext(ctx)

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelectorFilter(toQdrantFilter(f)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", collection, "document_id", f.DocumentID, "error", err)
		return wrapStatus("failed to delete points", err)
	}
	return nil
}

// Count returns the exact number of points matching f.
func (s *QdrantStore) Count(ctx context.Context, collection string, f Filter) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         toQdrantFilter(f),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, wrapStatus("failed to count points", err)
	}
	return int(n), nil
}

// ListDocumentIDs scrolls the whole collection reading only the document_id payload field.
func (s *QdrantStore) ListDocumentIDs(ctx context.Context, collection string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string

	var offset *qdrant.PointId
	for {
		points, next, err := s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			WithPayload:    qdrant.NewWithPayloadInclude(PayloadDocumentID),
		})
		if err != nil {
			return nil, wrapStatus("failed to scroll points", err)
		}

		for _, p := range points {
			docID := p.GetPayload()[PayloadDocumentID].GetStringValue()
			if docID == "" {
				continue
			}
			if _, ok := seen[docID]; !ok {
				seen[docID] = struct{}{}
				ids = append(ids, docID)
			}
		}

		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}
	return ids, nil
}

// toQdrantFilter converts f into must conditions. The zero Filter yields an
// empty filter that matches every point.
func toQdrantFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.DocumentID != "" {
		must = append(must, qdrant.NewMatchKeyword(PayloadDocumentID, f.DocumentID))
	}
	if f.ChunkIndexAbove != nil {
		must = append(must, qdrant.NewRange(PayloadChunkIndex, &qdrant.Range{
			Gt: qdrant.PtrOf(float64(*f.ChunkIndexAbove)),
		}))
	}
	return &qdrant.Filter{Must: must}
}
