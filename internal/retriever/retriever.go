package retriever

import (
	"context"
	"fmt"
	"strings"

	"ragserver/internal/domain"
	"ragserver/internal/registry"
	"ragserver/internal/vectorstore"
)

// Retriever embeds a query and fetches the most relevant chunks from a
// configuration's collection, optionally reranked for diversity with MMR.
type Retriever struct {
	embedder domain.Embedder
	store    vectorstore.Storage
}

func New(embedder domain.Embedder, store vectorstore.Storage) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve returns at most top_k chunks ordered by retrieval rank. An empty
// or missing collection yields an empty result; only embedding-service or
// store failures are errors.
func (r *Retriever) Retrieve(ctx context.Context, cfg *registry.Configuration, query string) (domain.RetrievalResult, error) {
	vector, err := r.embedder.Embed(ctx, cfg.VectorDB.EmbeddingModel, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", domain.ErrRetrieval, err)
	}

	v := cfg.VectorDB
	if !v.UseMMR {
		results, err := r.store.Query(ctx, v.CollectionName, vector, v.TopK, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRetrieval, err)
		}
		return results, nil
	}

	fetchK := v.MMRFetchK
	if fetchK < v.TopK {
		fetchK = v.TopK
	}
	candidates, err := r.store.Query(ctx, v.CollectionName, vector, fetchK, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRetrieval, err)
	}
	return maximalMarginalRelevance(candidates, v.MMRLambda, v.TopK), nil
}

// ContextText renders retrieved chunks into the prompt context block. QA
// chunks keep their original question/answer form; text chunks carry their
// source attribution.
func ContextText(results domain.RetrievalResult) string {
	parts := make([]string, 0, len(results))
	for _, res := range results {
		if res.Chunk.Kind == domain.ChunkQA {
			parts = append(parts, res.Chunk.Text)
		} else {
			parts = append(parts, fmt.Sprintf("From %s:\n%s", res.Chunk.SourceID, res.Chunk.Text))
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}
