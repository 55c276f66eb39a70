package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragserver/internal/domain"
)

func candidate(id string, score float32, vector []float32) domain.SearchResult {
	return domain.SearchResult{
		Chunk:  domain.Chunk{SourceID: id},
		Score:  score,
		Vector: vector,
	}
}

func sourceIDs(results []domain.SearchResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Chunk.SourceID
	}
	return ids
}

func TestMMR_LambdaOneIsPlainRelevance(t *testing.T) {
	candidates := []domain.SearchResult{
		candidate("a", 0.95, []float32{1, 0, 0}),
		candidate("b", 0.90, []float32{0.99, 0.01, 0}),
		candidate("c", 0.50, []float32{0, 1, 0}),
		candidate("d", 0.40, []float32{0, 0, 1}),
	}
	selected := maximalMarginalRelevance(candidates, 1.0, 3)
	assert.Equal(t, []string{"a", "b", "c"}, sourceIDs(selected))
}

func TestMMR_FetchEqualsTopKLeavesRankingIntact(t *testing.T) {
	candidates := []domain.SearchResult{
		candidate("a", 0.9, []float32{1, 0}),
		candidate("b", 0.8, []float32{1, 0}), // exact duplicate of a
		candidate("c", 0.1, []float32{0, 1}),
	}
	for _, lambda := range []float64{0, 0.25, 0.5, 1} {
		selected := maximalMarginalRelevance(candidates, lambda, 3)
		assert.Equal(t, []string{"a", "b", "c"}, sourceIDs(selected), "lambda=%v", lambda)
	}
}

func TestMMR_PenalizesNearDuplicates(t *testing.T) {
	candidates := []domain.SearchResult{
		candidate("a", 0.95, []float32{1, 0, 0}),
		candidate("a2", 0.94, []float32{1, 0.01, 0}), // near duplicate of a
		candidate("b", 0.60, []float32{0, 1, 0}),
	}
	selected := maximalMarginalRelevance(candidates, 0.5, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, []string{"a", "b"}, sourceIDs(selected))
}

func TestMMR_TiesKeepRankOrder(t *testing.T) {
	// Orthogonal vectors with identical scores: every step is a tie, so the
	// selection must follow the original similarity ranking.
	candidates := []domain.SearchResult{
		candidate("first", 0.5, []float32{1, 0, 0, 0}),
		candidate("second", 0.5, []float32{0, 1, 0, 0}),
		candidate("third", 0.5, []float32{0, 0, 1, 0}),
		candidate("fourth", 0.5, []float32{0, 0, 0, 1}),
	}
	selected := maximalMarginalRelevance(candidates, 0.5, 3)
	assert.Equal(t, []string{"first", "second", "third"}, sourceIDs(selected))
}
