package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"ragserver/internal/domain"
	"ragserver/internal/vectorstore"
)

// Storage is an in-memory vector store using brute-force cosine similarity.
// It backs tests and single-process deployments that do not run Qdrant.
type Storage struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	dimension int
	points    map[string]vectorstore.Point
}

func NewStorage() *Storage {
	return &Storage{collections: make(map[string]*collection)}
}

func (s *Storage) Ensure(_ context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return errors.New("memory: invalid dimension")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = &collection{
			dimension: dimension,
			points:    make(map[string]vectorstore.Point),
		}
	}
	return nil
}

func (s *Storage) Upsert(_ context.Context, name string, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return errors.New("memory: collection does not exist: " + name)
	}
	for _, p := range points {
		if len(p.Vector) != col.dimension {
			return errors.New("memory: vector dimension mismatch")
		}
	}
	for _, p := range points {
		col.points[p.ID] = p
	}
	return nil
}

func (s *Storage) Query(_ context.Context, name string, vector []float32, k int, withVectors bool) ([]domain.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok || len(col.points) == 0 {
		return nil, nil
	}
	results := make([]domain.SearchResult, 0, len(col.points))
	for _, p := range col.points {
		r := domain.SearchResult{Chunk: p.Chunk, Score: cosine(vector, p.Vector)}
		if withVectors {
			r.Vector = p.Vector
		}
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func (s *Storage) DeleteBySource(_ context.Context, name, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return nil
	}
	for id, p := range col.points {
		if p.Chunk.SourceID == sourceID {
			delete(col.points, id)
		}
	}
	return nil
}

func (s *Storage) SourceHashes(_ context.Context, name string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	hashes := make(map[string]string)
	for _, p := range col.points {
		hashes[p.Chunk.SourceID] = p.Chunk.ContentHash
	}
	return hashes, nil
}

func (s *Storage) Drop(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

// Count reports the number of points in a collection. Test helper.
func (s *Storage) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return 0
	}
	return len(col.points)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
}
