package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	size   int
	points map[string]Point
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

// CollectionExists implements VectorStore.
func (s *MemoryStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[collection]
	return ok, nil
}

// CreateCollection implements VectorStore.
func (s *MemoryStore) CreateCollection(ctx context.Context, collection string, vectorSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[collection]; ok {
		if c.size != vectorSize {
			return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, c.size)
		}
		return nil
	}
	s.collections[collection] = &memoryCollection{size: vectorSize, points: make(map[string]Point)}
	return nil
}

// DeleteCollection implements VectorStore.
func (s *MemoryStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

// Upsert implements VectorStore.
func (s *MemoryStore) Upsert(ctx context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	for _, p := range points {
		if len(p.Vec) != c.size {
			return fmt.Errorf("point %s has %d dimensions, collection expects %d", p.ID, len(p.Vec), c.size)
		}
		c.points[p.ID] = p
	}
	return nil
}

// DeleteByFilter implements VectorStore.
func (s *MemoryStore) DeleteByFilter(ctx context.Context, collection string, f Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	for id, p := range c.points {
		if matches(p, f) {
			delete(c.points, id)
		}
	}
	return nil
}

// Count implements VectorStore.
func (s *MemoryStore) Count(ctx context.Context, collection string, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	n := 0
	for _, p := range c.points {
		if matches(p, f) {
			n++
		}
	}
	return n, nil
}

// ListDocumentIDs implements VectorStore. IDs are returned sorted.
func (s *MemoryStore) ListDocumentIDs(ctx context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	seen := make(map[string]struct{})
	for _, p := range c.points {
		if id, ok := p.Meta[PayloadDocumentID].(string); ok && id != "" {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Points returns a copy of every point in a collection, for tests.
func (s *MemoryStore) Points(collection string) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil
	}
	out := make([]Point, 0, len(c.points))
	for _, p := range c.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matches(p Point, f Filter) bool {
	if f.DocumentID != "" {
		if id, _ := p.Meta[PayloadDocumentID].(string); id != f.DocumentID {
			return false
		}
	}
	if f.ChunkIndexAbove != nil {
		idx, ok := chunkIndex(p.Meta[PayloadChunkIndex])
		if !ok || idx <= *f.ChunkIndexAbove {
			return false
		}
	}
	return true
}

func chunkIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
