package retriever

import (
	"math"

	"ragserver/internal/domain"
)

// maximalMarginalRelevance selects k of the similarity-ranked candidates,
// at each step taking the one maximizing
//
//	lambda*sim(query, cand) - (1-lambda)*maxSim(cand, selected)
//
// Ties keep the original similarity-rank order. lambda=1 degenerates to
// plain relevance ranking, lambda=0 to pure diversity. When the candidate
// window is no larger than k there is no room to diversify, so the
// similarity ranking is returned as-is.
func maximalMarginalRelevance(candidates []domain.SearchResult, lambda float64, k int) []domain.SearchResult {
	if len(candidates) <= k {
		return candidates
	}

	selected := make([]domain.SearchResult, 0, k)
	used := make([]bool, len(candidates))
	for len(selected) < k {
		best := -1
		bestScore := math.Inf(-1)
		for i, cand := range candidates {
			if used[i] {
				continue
			}
			score := lambda * float64(cand.Score)
			if len(selected) > 0 {
				maxSim := math.Inf(-1)
				for _, s := range selected {
					if sim := float64(cosine(cand.Vector, s.Vector)); sim > maxSim {
						maxSim = sim
					}
				}
				score -= (1 - lambda) * maxSim
			}
			// Strict comparison keeps ties in candidate rank order.
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		selected = append(selected, candidates[best])
	}
	return selected
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
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
