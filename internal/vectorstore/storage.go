package vectorstore

import (
	"context"

	"ragserver/internal/domain"
)

// Point is one vector-store record: a stable id, an embedding and the chunk
// it came from.
type Point struct {
	ID     string
	Vector []float32
	Chunk  domain.Chunk
}

// Storage persists chunk vectors in named collections and supports
// nearest-neighbor search. Upsert overwrites records with the same id, so
// re-indexing an unchanged source is idempotent.
type Storage interface {
	// Ensure creates the collection if it does not exist.
	Ensure(ctx context.Context, collection string, dimension int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// Query returns up to k nearest neighbors, highest similarity first.
	// A missing or empty collection yields an empty result, not an error.
	Query(ctx context.Context, collection string, vector []float32, k int, withVectors bool) ([]domain.SearchResult, error)
	// DeleteBySource removes all points belonging to one source document.
	DeleteBySource(ctx context.Context, collection, sourceID string) error
	// SourceHashes maps source ids to their indexed content hashes, used to
	// skip unchanged sources during incremental reindexing.
	SourceHashes(ctx context.Context, collection string) (map[string]string, error)
	Drop(ctx context.Context, collection string) error
}
